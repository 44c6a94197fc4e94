// Package timesync implements the four-message SNTP-style exchange
// that produces the shared monotone mesh clock (spec §4.I). The
// offset/delay formulas mirror the classic NTP arithmetic used by
// facebook-time's ntp/protocol package (AvgNetworkDelay/CalculateOffset),
// adapted to painlessMesh's four explicit timestamps t0..t3 instead of
// a single packet round-trip.
package timesync

import (
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/connection"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
)

// State is a per-connection time-sync phase (spec §4.I).
type State int

const (
	Idle State = iota
	Requested
	Measured
	Synced
)

// SyncPeriod is how often every Established connection re-syncs (spec
// §4.I), beyond the one-shot InitiateSync fired on first establishment.
const SyncPeriod = 5 * time.Minute

// Sender is the subset of router.Router the time-sync manager needs:
// send a message on a specific connection. The offset itself is
// applied through the scheduler, not through Sender.
type Sender interface {
	SendOn(c *connection.Connection, t ids.MessageType, routing ids.Routing, priority ids.Priority, payload interface{}) error
}

// connState tracks the in-flight exchange for one connection.
type connState struct {
	state State
	t0    float64
}

// Manager drives the time-sync exchange across every connection and
// applies the resulting offset to the shared scheduler clock (spec
// §4.I "applies offset via the scheduler's monotonic clock shim").
type Manager struct {
	sched       *scheduler.Scheduler
	sender      Sender
	connections func() []*connection.Connection
	log         logpkg.Logger
	onAdjust    func(offset time.Duration)

	states map[connection.Handle]*connState
}

// NewManager wires a time-sync manager and starts its recurring
// SyncPeriod resync task (spec §4.I: "every Established connection
// re-syncs periodically"). connections supplies the current
// connection set on each tick, typically router.Router.Connections.
func NewManager(sched *scheduler.Scheduler, sender Sender, connections func() []*connection.Connection, log logpkg.Logger, onAdjust func(time.Duration)) *Manager {
	m := &Manager{
		sched:       sched,
		sender:      sender,
		connections: connections,
		log:         log,
		onAdjust:    onAdjust,
		states:      make(map[connection.Handle]*connState),
	}
	sched.AddTask(SyncPeriod, true, m.resyncEstablished)
	return m
}

// resyncEstablished re-initiates the sync exchange on every currently
// Established connection, driven by the SyncPeriod scheduler task.
func (m *Manager) resyncEstablished() {
	if m.connections == nil {
		return
	}
	for _, c := range m.connections() {
		if c.State() != connection.Established {
			continue
		}
		if err := m.InitiateSync(c); err != nil && m.log != nil {
			m.log.Emit(logpkg.LevelSync, "periodic time-sync on connection %d failed: %v", c.Handle(), err)
		}
	}
}

func nowMillis(sched *scheduler.Scheduler) float64 {
	return float64(sched.Now().UnixNano()) / 1e6
}

// InitiateSync sends TIME_SYNC_REQUEST (type2=request) on c, recording
// t0.
func (m *Manager) InitiateSync(c *connection.Connection) error {
	t0 := nowMillis(m.sched)
	m.states[c.Handle()] = &connState{state: Requested, t0: t0}
	payload := protocol.TimeSyncPayload{Type2: protocol.TimeSyncRequest, Times: []float64{t0}}
	return m.sender.SendOn(c, ids.TypeTimeSync, ids.RoutingNeighbor, ids.High, payload)
}

// HandleMessage processes an inbound TIME_SYNC envelope, playing
// either the responder or initiator role depending on Type2 (spec
// §4.I).
func (m *Manager) HandleMessage(v protocol.Variant, from *connection.Connection) {
	var payload protocol.TimeSyncPayload
	if err := v.To(&payload); err != nil {
		if m.log != nil {
			m.log.Emit(logpkg.LevelError, "malformed TIME_SYNC payload: %v", err)
		}
		return
	}

	switch payload.Type2 {
	case protocol.TimeSyncRequest:
		m.respond(from, payload)
	case protocol.TimeSyncResponse:
		m.finish(from, payload)
	}
}

// respond plays the responder side: log t1 on receive, t2 on send,
// reply with {t0, t1, t2}.
func (m *Manager) respond(from *connection.Connection, req protocol.TimeSyncPayload) {
	if len(req.Times) < 1 {
		return
	}
	t0 := req.Times[0]
	t1 := nowMillis(m.sched)
	t2 := nowMillis(m.sched)
	payload := protocol.TimeSyncPayload{
		Type2: protocol.TimeSyncResponse,
		Times: []float64{t0, t1, t2},
	}
	_ = m.sender.SendOn(from, ids.TypeTimeSync, ids.RoutingNeighbor, ids.High, payload)
}

// finish plays the initiator side: log t3 on receive, compute offset
// and delay, and apply the offset (spec §4.I).
func (m *Manager) finish(from *connection.Connection, reply protocol.TimeSyncPayload) {
	if len(reply.Times) < 3 {
		return
	}
	st, ok := m.states[from.Handle()]
	if !ok || st.state != Requested {
		return
	}
	t0, t1, t2 := reply.Times[0], reply.Times[1], reply.Times[2]
	t3 := nowMillis(m.sched)

	offsetMs := ((t1 - t0) + (t2 - t3)) / 2
	delayMs := ((t3 - t0) - (t2 - t1)) / 2

	st.state = Synced
	offset := time.Duration(offsetMs * float64(time.Millisecond))
	m.sched.AdjustOffset(offset)
	if m.onAdjust != nil {
		m.onAdjust(offset)
	}
	if m.log != nil {
		m.log.Emit(logpkg.LevelSync, "time-sync with connection %d: offset=%.3fms delay=%.3fms", from.Handle(), offsetMs, delayMs)
	}
}
