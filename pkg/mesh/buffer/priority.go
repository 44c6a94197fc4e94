// Package buffer implements the priority-ordered send buffer (spec
// §4.D) and the length-delimited receive/frame buffer (spec §4.E).
package buffer

import (
	"sync"

	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
)

// entry is one queued payload awaiting transmission.
type entry struct {
	payload string
	seq     uint64
}

// SendStats tracks queued/sent counters per priority (spec §4.D).
type SendStats struct {
	Queued [ids.NumPriorities]uint64
	Sent   [ids.NumPriorities]uint64
}

// Priority is a strict priority queue: CRITICAL first, FIFO within a
// priority. It additionally supports a partial-read cursor so a large
// payload can be drained in fragments without letting a later,
// higher-priority push reorder ahead of the in-flight fragment.
type Priority struct {
	mu    sync.Mutex
	lanes [ids.NumPriorities][]entry
	seq   uint64
	stats SendStats

	// cursor state for the fragment currently being emitted.
	cursorActive bool
	cursorData   string
	cursorOffset int
	cursorPrio   ids.Priority
}

func NewPriority() *Priority {
	return &Priority{}
}

// Push appends payload at priority (clamped to 0..3).
func (p *Priority) Push(payload string, priority ids.Priority) {
	priority = priority.Clamp()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lanes[priority] = append(p.lanes[priority], entry{payload: payload, seq: p.seq})
	p.seq++
	p.stats.Queued[priority]++
}

// PeekPriorityOfNext returns the priority of the next entry that would
// be returned by ReadNext, and whether one exists. If a cursor fragment
// is in flight, that fragment's priority is reported (it must finish
// before anything else is serviced).
func (p *Priority) PeekPriorityOfNext() (ids.Priority, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursorActive {
		return p.cursorPrio, true
	}
	for pr := ids.Priority(0); pr < ids.NumPriorities; pr++ {
		if len(p.lanes[pr]) > 0 {
			return pr, true
		}
	}
	return 0, false
}

// ReadNext pops and returns the next (payload, priority) pair.
func (p *Priority) ReadNext() (string, ids.Priority, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pr := ids.Priority(0); pr < ids.NumPriorities; pr++ {
		if len(p.lanes[pr]) == 0 {
			continue
		}
		e := p.lanes[pr][0]
		p.lanes[pr] = p.lanes[pr][1:]
		p.stats.Sent[pr]++
		return e.payload, pr, true
	}
	return "", 0, false
}

// BeginCursor starts fragmenting payload at priority into chunks of at
// most chunkSize bytes. Returns the first chunk and whether more
// remain. While a cursor is active, ReadNext must not be called
// concurrently on the same buffer; callers drive the cursor to
// completion via NextChunk.
func (p *Priority) BeginCursor(payload string, priority ids.Priority, chunkSize int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursorActive = true
	p.cursorData = payload
	p.cursorOffset = 0
	p.cursorPrio = priority.Clamp()
	return p.nextChunkLocked(chunkSize)
}

// NextChunk returns the next fragment of the in-progress cursor and
// whether more remain after it. Calling this when no cursor is active
// returns ("", false).
func (p *Priority) NextChunk(chunkSize int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cursorActive {
		return "", false
	}
	return p.nextChunkLocked(chunkSize)
}

func (p *Priority) nextChunkLocked(chunkSize int) (string, bool) {
	remaining := p.cursorData[p.cursorOffset:]
	if len(remaining) <= chunkSize {
		p.cursorActive = false
		p.stats.Sent[p.cursorPrio]++
		return remaining, false
	}
	chunk := remaining[:chunkSize]
	p.cursorOffset += chunkSize
	return chunk, true
}

// CursorActive reports whether a fragment is mid-flight.
func (p *Priority) CursorActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursorActive
}

// Stats returns a snapshot of the per-priority counters.
func (p *Priority) Stats() SendStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Len returns the number of queued (non-cursor) entries, for tests and
// capacity checks.
func (p *Priority) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, lane := range p.lanes {
		n += len(lane)
	}
	return n
}
