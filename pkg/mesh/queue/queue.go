// Package queue implements the offline/persistent send queue: messages
// that could not be delivered immediately are buffered by priority,
// periodically flushed against a reachability check, pruned by age/
// priority under memory pressure, and optionally persisted to durable
// storage across restarts (spec §4.N).
package queue

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/errs"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
)

// Eviction thresholds (spec §4.N): CRITICAL is never evicted; LOW goes
// first; NORMAL older than NormalMaxAge goes next; HIGH is the last
// resort before CRITICAL.
const (
	NormalMaxAge  = 1 * time.Hour
	HighMaxAge    = 6 * time.Hour
	DefaultMaxLen = 1000
)

// Entry is one buffered outbound message.
type Entry struct {
	Id        uint64          `json:"id"`
	Dest      ids.NodeId      `json:"dest"`
	Type      ids.MessageType `json:"type"`
	Priority  ids.Priority    `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	Broadcast bool            `json:"broadcast"`
	Enqueued  time.Time       `json:"enqueued"`
	Attempts  int             `json:"attempts"`
}

// Sender delivers one entry; returning a non-nil error means delivery
// should stay queued.
type Sender interface {
	SendSingle(dest ids.NodeId, t ids.MessageType, priority ids.Priority, payload interface{}) error
	SendBroadcast(t ids.MessageType, priority ids.Priority, includeSelf bool, payload interface{}) error
}

// Stats mirrors the get_stats operation (spec §4.N).
type Stats struct {
	Len          int
	ByPriority   [ids.NumPriorities]int
	OldestAge    time.Duration
	EvictedTotal int
}

// Queue is a priority-ordered, size-bounded, optionally durable
// holding area for messages that could not be sent immediately.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	maxLen  int
	evicted int
	nextId  uint64
	log     logpkg.Logger
	now     func() time.Time

	// OnEvict, if set, is invoked each time an entry is dropped, whether
	// by evictOneLocked or Prune, for metrics/observability.
	OnEvict func(Entry)
}

func New(maxLen int, log logpkg.Logger, now func() time.Time) *Queue {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{maxLen: maxLen, log: log, now: now}
}

// Enqueue adds entry, evicting a lower-value entry first if the queue
// is at capacity (spec §4.N). It returns the assigned id, or 0 if the
// push was rejected outright: a LOW-priority push into a full queue is
// always rejected rather than displacing something already queued, and
// any push is rejected if the queue is full of entries none of which
// are evictable (CRITICAL, or fresh HIGH/NORMAL) rather than letting
// the queue grow without bound.
func (q *Queue) Enqueue(e Entry) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.Enqueued.IsZero() {
		e.Enqueued = q.now()
	}
	if len(q.entries) >= q.maxLen {
		if e.Priority == ids.Low {
			return 0
		}
		if !q.evictOneLocked() {
			return 0
		}
	}
	q.nextId++
	e.Id = q.nextId
	q.entries = append(q.entries, e)
	return e.Id
}

// evictOneLocked removes the single lowest-value entry per the §4.N
// policy: LOW first, then stale NORMAL, then stale HIGH; CRITICAL is
// never evicted. Returns false if nothing was evictable.
func (q *Queue) evictOneLocked() bool {
	idx := -1
	now := q.now()
	for i, e := range q.entries {
		age := now.Sub(e.Enqueued)
		switch {
		case e.Priority == ids.Critical,
			e.Priority == ids.Normal && age < NormalMaxAge,
			e.Priority == ids.High && age < HighMaxAge:
			continue
		}
		if idx == -1 || q.worseLocked(e, q.entries[idx]) {
			idx = i
		}
	}
	if idx == -1 {
		return false
	}
	dropped := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.evicted++
	if q.log != nil {
		q.log.Emit(logpkg.LevelConnection, "queue evicted priority=%s age=%s", dropped.Priority, q.now().Sub(dropped.Enqueued))
	}
	if q.OnEvict != nil {
		q.OnEvict(dropped)
	}
	return true
}

// worseLocked reports whether a is a better eviction candidate than b.
func (q *Queue) worseLocked(a, b Entry) bool {
	rank := func(e Entry) int {
		age := q.now().Sub(e.Enqueued)
		switch e.Priority {
		case ids.Low:
			return 3
		case ids.Normal:
			if age >= NormalMaxAge {
				return 2
			}
			return 0
		case ids.High:
			if age >= HighMaxAge {
				return 1
			}
			return 0
		}
		return 0
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra > rb
	}
	return a.Enqueued.Before(b.Enqueued)
}

// Flush attempts delivery of every queued entry via sender, oldest
// first within priority order, removing entries that send successfully
// and leaving the rest queued in that same priority-then-age order.
func (q *Queue) Flush(sender Sender) int {
	q.mu.Lock()
	pending := append([]Entry(nil), q.entries...)
	q.mu.Unlock()

	sortByPriorityThenAge(pending)

	var remaining []Entry
	delivered := 0
	for _, e := range pending {
		var payload interface{} = e.Payload
		var err error
		if e.Broadcast {
			err = sender.SendBroadcast(e.Type, e.Priority, false, payload)
		} else {
			err = sender.SendSingle(e.Dest, e.Type, e.Priority, payload)
		}
		if err != nil {
			e.Attempts++
			remaining = append(remaining, e)
			continue
		}
		delivered++
	}

	q.mu.Lock()
	q.entries = remaining
	q.mu.Unlock()
	return delivered
}

func sortByPriorityThenAge(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			if a.Priority > b.Priority || (a.Priority == b.Priority && a.Enqueued.After(b.Enqueued)) {
				entries[j-1], entries[j] = entries[j], entries[j-1]
				continue
			}
			break
		}
	}
}

// Prune drops every entry older than maxAge, independent of priority
// or queue length (spec §4.N: a pure age-based sweep, distinct from
// the length-bounded eviction ladder Enqueue applies).
func (q *Queue) Prune(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	kept := q.entries[:0:0]
	pruned := 0
	for _, e := range q.entries {
		if now.Sub(e.Enqueued) > maxAge {
			pruned++
			q.evicted++
			if q.OnEvict != nil {
				q.OnEvict(e)
			}
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return pruned
}

// Clear discards every queued entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Len: len(q.entries), EvictedTotal: q.evicted}
	now := q.now()
	for _, e := range q.entries {
		s.ByPriority[e.Priority.Clamp()]++
		if age := now.Sub(e.Enqueued); age > s.OldestAge {
			s.OldestAge = age
		}
	}
	return s
}

// SaveToStorage persists the queue as JSON-lines, one Entry per line,
// following the same plain-file convention the pack uses for durable
// state where no embedded-systems flash API applies on this platform.
func (q *Queue) SaveToStorage(path string) error {
	q.mu.Lock()
	entries := append([]Entry(nil), q.entries...)
	q.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.Infrastructure, "queue: create storage file", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return errs.Wrap(errs.Infrastructure, "queue: encode entry", err)
		}
	}
	if err := w.Flush(); err != nil {
		return errs.Wrap(errs.Infrastructure, "queue: flush storage file", err)
	}
	return nil
}

// LoadFromStorage replaces the in-memory queue with the contents of
// path, tolerating a missing file (first boot).
func (q *Queue) LoadFromStorage(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Infrastructure, "queue: open storage file", err)
	}
	defer f.Close()

	var loaded []Entry
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var e Entry
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return errs.Wrap(errs.Infrastructure, "queue: decode entry", err)
		}
		loaded = append(loaded, e)
	}

	q.mu.Lock()
	q.entries = loaded
	q.mu.Unlock()
	return nil
}
