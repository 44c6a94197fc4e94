// Package scheduler models the cooperative task scheduler the mesh
// core is consumed by (spec §6 Scheduler interface, §5 concurrency
// model). All mesh state mutation happens on calls driven by this
// scheduler; there is no preemption between callbacks.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

// TaskHandle identifies a scheduled task for RemoveTask.
type TaskHandle uint64

type task struct {
	handle   TaskHandle
	period   time.Duration
	repeats  bool
	fn       func()
	deadline time.Time
	removed  bool
}

// Scheduler is a single-threaded, cooperative task scheduler. It owns
// the mesh's monotonic clock shim: Now() returns monotonic time plus
// whatever offset the time-sync layer has applied (spec §4.I "now_mesh
// = now_monotonic + offset").
//
// Scheduler is not safe for concurrent use from multiple goroutines;
// like go-mcast's Invoker, all scheduling happens from the single
// cooperative task context. Update must be called often (spec §4.K
// mesh.update()).
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[TaskHandle]*task
	nextID  TaskHandle
	offset  time.Duration
	nowFunc func() time.Time
}

// New builds a Scheduler. nowFunc defaults to time.Now if nil, letting
// tests substitute a synthetic clock.
func New(nowFunc func() time.Time) *Scheduler {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Scheduler{
		tasks:   make(map[TaskHandle]*task),
		nowFunc: nowFunc,
	}
}

// Now returns the mesh's monotonic clock: the underlying clock plus
// the currently applied time-sync offset.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFunc().Add(s.offset)
}

// AdjustOffset applies a time-sync correction to the mesh clock (spec
// §4.I). Positive moves the mesh clock forward.
func (s *Scheduler) AdjustOffset(delta time.Duration) {
	s.mu.Lock()
	s.offset += delta
	s.mu.Unlock()
}

// Offset returns the currently applied correction.
func (s *Scheduler) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// AddTask schedules fn to run after period, repeating every period
// thereafter if repeats is true, else once.
func (s *Scheduler) AddTask(period time.Duration, repeats bool, fn func()) TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := s.nextID
	s.tasks[h] = &task{
		handle:   h,
		period:   period,
		repeats:  repeats,
		fn:       fn,
		deadline: s.nowFunc().Add(period),
	}
	return h
}

// RemoveTask cancels a previously scheduled task. Removing an unknown
// or already-fired one-shot handle is a no-op.
func (s *Scheduler) RemoveTask(h TaskHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, h)
}

// Update runs every due task, in deadline order (ties broken by
// ascending handle, giving FIFO for same-deadline tasks per spec §6).
// It must be called from the single cooperative context; tasks may
// themselves call AddTask/RemoveTask re-entrantly.
func (s *Scheduler) Update() {
	now := s.nowFunc()
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].handle < due[j].handle
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		if t.repeats {
			t.deadline = now.Add(t.period)
		} else {
			delete(s.tasks, t.handle)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}
