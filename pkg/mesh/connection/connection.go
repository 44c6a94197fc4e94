package connection

import (
	"sync"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/buffer"
	"github.com/painlessmesh/gomesh/pkg/mesh/errs"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/nodetree"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
)

// State is one of the connection lifecycle states (spec §3, §4.F).
type State int

const (
	Connecting State = iota
	Syncing
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Syncing:
		return "Syncing"
	case Established:
		return "Established"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// NodeTimeout is the default liveness bound (spec §5).
const NodeTimeout = 10 * time.Second

// maxWriteChunk bounds a single priority-buffer fragment so large
// payloads are emitted without starving higher-priority pushes mid
// flush (spec §4.D cursor semantics).
const maxWriteChunk = 8192

// Handle is the small integer the mesh core's connection arena indexes
// connections by (spec §9 "mesh core owns connections in an arena
// indexed by a small integer handle").
type Handle uint64

// Connection owns one peer link (spec §3 Connection, §4.F).
type Connection struct {
	handle Handle
	sock   Socket
	sched  *scheduler.Scheduler
	slots  *scheduler.DeletionSlots
	log    logpkg.Logger

	mu           sync.Mutex
	state        State
	peerNodeId   ids.NodeId
	subtree      nodetree.NodeTree
	lastReceived time.Time
	recvBuf      *buffer.Frame
	sendBuf      *buffer.Priority

	timeoutHandle     scheduler.TaskHandle
	timeoutArmed      bool
	deletionScheduled bool

	// OnFrame is invoked with each reassembled frame, in task context.
	OnFrame func(c *Connection, frame []byte)
	// OnStateChange is invoked whenever the connection transitions.
	OnStateChange func(c *Connection, from, to State)
	// OnClosed is invoked exactly once, when the deferred deletion
	// fires and the connection becomes Closed.
	OnClosed func(c *Connection)
}

// New builds a Connection in the Connecting state around sock.
func New(handle Handle, sock Socket, sched *scheduler.Scheduler, slots *scheduler.DeletionSlots, log logpkg.Logger) *Connection {
	c := &Connection{
		handle:  handle,
		sock:    sock,
		sched:   sched,
		slots:   slots,
		log:     log,
		state:   Connecting,
		recvBuf: buffer.NewFrame(),
		sendBuf: buffer.NewPriority(),
	}
	c.armTimeout()
	return c
}

func (c *Connection) Handle() Handle { return c.handle }

func (c *Connection) NodeId() ids.NodeId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerNodeId
}

func (c *Connection) Subtree() nodetree.NodeTree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subtree
}

func (c *Connection) SetSubtree(t nodetree.NodeTree) {
	c.mu.Lock()
	c.subtree = t
	c.mu.Unlock()
}

func (c *Connection) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceived
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	if c.OnStateChange != nil {
		c.OnStateChange(c, from, to)
	}
}

// markSyncing transitions Connecting -> Syncing on first inbound data.
func (c *Connection) markSyncing() {
	c.mu.Lock()
	isConnecting := c.state == Connecting
	c.mu.Unlock()
	if isConnecting {
		c.setState(Syncing)
	}
}

// MarkEstablished transitions to Established once NODE_SYNC_REPLY is
// processed, recording the peer's identity and subtree (spec §4.F,
// §4.H).
func (c *Connection) MarkEstablished(peer ids.NodeId, subtree nodetree.NodeTree) {
	c.mu.Lock()
	c.peerNodeId = peer
	c.subtree = subtree
	c.mu.Unlock()
	c.setState(Established)
	c.armTimeout()
}

// AddMessage enqueues payload for transmission at priority (spec
// §4.F). Sends on a Closing/Closed connection are ignored per the
// LifecycleMisuse taxonomy entry (spec §7).
func (c *Connection) AddMessage(payload string, priority ids.Priority) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == Closing || st == Closed {
		if c.log != nil {
			c.log.Emit(logpkg.LevelConnection, "ignoring send on %s connection %d", st, c.handle)
		}
		return errs.Wrap(errs.LifecycleMisuse, "send on non-open connection", nil)
	}
	c.sendBuf.Push(payload, priority)
	return nil
}

// PumpWrite drains as much of the send buffer as the socket will take,
// honoring the priority ordering and the cursor/no-preemption
// contract of spec §4.D, and flushing immediately for CRITICAL/HIGH
// priority frames (spec §4.F).
func (c *Connection) PumpWrite() error {
	for {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st == Closed {
			return nil
		}

		prio, ok := c.sendBuf.PeekPriorityOfNext()
		if !ok {
			return nil
		}

		if !c.sendBuf.CursorActive() {
			payload, pr, ok := c.sendBuf.ReadNext()
			if !ok {
				return nil
			}
			prio = pr
			frame := append([]byte(payload), buffer.Terminator)
			chunk, more := c.sendBuf.BeginCursor(string(frame), prio, maxWriteChunk)
			if err := c.writeChunk(chunk, prio); err != nil {
				return err
			}
			if !more {
				continue
			}
		}
		for c.sendBuf.CursorActive() {
			chunk, more := c.sendBuf.NextChunk(maxWriteChunk)
			if err := c.writeChunk(chunk, prio); err != nil {
				return err
			}
			if !more {
				break
			}
		}
	}
}

func (c *Connection) writeChunk(chunk string, prio ids.Priority) error {
	if err := c.sock.Write([]byte(chunk)); err != nil {
		c.handleTransportFailure(err)
		return err
	}
	if prio == ids.Critical || prio == ids.High {
		_ = c.sock.Flush()
	}
	return nil
}

// PumpRead drains socket events, feeds the frame buffer, and invokes
// OnFrame for every complete frame. Must be called from the single
// cooperative task context (spec §5).
func (c *Connection) PumpRead() {
	for {
		select {
		case ev, ok := <-c.sock.Events():
			if !ok {
				return
			}
			c.handleSocketEvent(ev)
		default:
			return
		}
	}
}

func (c *Connection) handleSocketEvent(ev SocketEvent) {
	switch ev.Kind {
	case EventData:
		c.markSyncing()
		c.mu.Lock()
		c.lastReceived = c.sched.Now()
		c.mu.Unlock()
		c.armTimeout()
		if err := c.recvBuf.Feed(ev.Data); err != nil {
			if c.log != nil {
				c.log.Emit(logpkg.LevelError, "connection %d framing error: %v", c.handle, err)
			}
			c.ScheduleClose(false)
			return
		}
		for {
			frame, ok, err := c.recvBuf.TryPopFrame()
			if err != nil {
				if c.log != nil {
					c.log.Emit(logpkg.LevelError, "connection %d persistent framing failure: %v", c.handle, err)
				}
				c.ScheduleClose(false)
				return
			}
			if !ok {
				return
			}
			if c.OnFrame != nil {
				c.OnFrame(c, []byte(frame))
			}
		}
	case EventError:
		if c.log != nil {
			c.log.Emit(logpkg.LevelConnection, "connection %d transport error code %d", c.handle, ev.Code)
		}
		c.ScheduleClose(false)
	case EventDisconnect:
		if c.log != nil {
			c.log.Emit(logpkg.LevelConnection, "connection %d peer disconnected", c.handle)
		}
		c.ScheduleClose(false)
	}
}

func (c *Connection) handleTransportFailure(err error) {
	if c.log != nil {
		c.log.Emit(logpkg.LevelConnection, "connection %d write failure: %v", c.handle, err)
	}
	c.ScheduleClose(false)
}

// DisableTimeout suspends the liveness timer, used by the gateway
// handler for the duration of a long outbound HTTP request (spec
// §4.F, §4.M). It is re-armed automatically by the next received
// sync message via armTimeout.
func (c *Connection) DisableTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeoutArmed {
		c.sched.RemoveTask(c.timeoutHandle)
		c.timeoutArmed = false
	}
}

func (c *Connection) armTimeout() {
	c.mu.Lock()
	if c.timeoutArmed {
		c.sched.RemoveTask(c.timeoutHandle)
	}
	c.timeoutHandle = c.sched.AddTask(NodeTimeout, false, c.onTimeout)
	c.timeoutArmed = true
	c.mu.Unlock()
}

func (c *Connection) onTimeout() {
	c.mu.Lock()
	c.timeoutArmed = false
	c.mu.Unlock()
	if c.log != nil {
		c.log.Emit(logpkg.LevelConnection, "connection %d timed out", c.handle)
	}
	c.ScheduleClose(false)
}

// Close requests a graceful (or, if force, pre-emptive) shutdown. It
// never performs a synchronous abort; deletion is always deferred
// (spec §4.F.4).
func (c *Connection) Close(force bool) {
	c.ScheduleClose(force)
}

// ScheduleClose transitions the connection to Closing and schedules
// its deferred deletion, serialized through the shared DeletionSlots
// (spec §4.F.1-2, §5, §8 property 4). Calling it more than once is
// safe; only the first call schedules a deletion task.
func (c *Connection) ScheduleClose(force bool) {
	c.mu.Lock()
	if c.state == Closing || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setState(Closing)

	_ = c.sock.Close(force)

	c.mu.Lock()
	if c.deletionScheduled {
		c.mu.Unlock()
		return
	}
	c.deletionScheduled = true
	c.mu.Unlock()

	now := c.sched.Now()
	execAt := c.slots.Reserve(now)
	delay := execAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	c.sched.AddTask(delay, false, c.executeDeletion)
}

func (c *Connection) executeDeletion() {
	c.slots.Executed(c.sched.Now())
	c.mu.Lock()
	if c.timeoutArmed {
		c.sched.RemoveTask(c.timeoutHandle)
		c.timeoutArmed = false
	}
	c.mu.Unlock()
	c.setState(Closed)
	if c.OnClosed != nil {
		c.OnClosed(c)
	}
}
