package scheduler

import (
	"sync"
	"time"
)

// Default deletion-spacing constants (spec §4.F). Implementers on less
// aggressive runtimes than the RISC-V/AsyncTCP class this was tuned
// for may use lower values.
const (
	BaseCleanupDelay = 1000 * time.Millisecond
	DeletionSpacing  = 1000 * time.Millisecond
)

// DeletionSlots is the scheduler-owned monotonic counter serializing
// connection deletions (spec §4.F.2-3, §5, §9 "global mutable state
// for deletion spacing"). It replaces the source's ad hoc global with
// a single object the Scheduler owns and everything else only ever
// calls through.
//
// Both the schedule-time and execution-time updates to next are
// required to absorb scheduler jitter: a deletion task may run late,
// and the next one must still be spaced from when this one actually
// ran, not from when it was supposed to.
type DeletionSlots struct {
	mu   sync.Mutex
	next time.Time
	base time.Duration
	gap  time.Duration
}

// NewDeletionSlots builds a slot tracker with the given base delay and
// inter-deletion spacing. Pass zero values to use the spec defaults.
func NewDeletionSlots(base, gap time.Duration) *DeletionSlots {
	if base == 0 {
		base = BaseCleanupDelay
	}
	if gap == 0 {
		gap = DeletionSpacing
	}
	return &DeletionSlots{base: base, gap: gap}
}

// Reserve computes the time at which a newly requested deletion should
// execute: max(now + base, next_deletion_slot + gap). It reserves that
// slot so a concurrently requested deletion is spaced at least gap past
// it. This is the schedule-time update in spec §4.F.2.
func (d *DeletionSlots) Reserve(now time.Time) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	scheduled := now.Add(d.base)
	if minSlot := d.next.Add(d.gap); !d.next.IsZero() && minSlot.After(scheduled) {
		scheduled = minSlot
	}
	d.next = scheduled
	return scheduled
}

// Executed records the actual execution time of a deletion task, the
// execution-time update in spec §4.F.2 ("on actual execution,
// next_deletion_slot is updated to max(prev, execution-time)").
func (d *DeletionSlots) Executed(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if at.After(d.next) {
		d.next = at
	}
}
