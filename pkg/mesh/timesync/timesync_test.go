package timesync_test

import (
	"testing"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/connection"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/nodetree"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
	"github.com/painlessmesh/gomesh/pkg/mesh/timesync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	events chan connection.SocketEvent
}

func newFakeSocket() *fakeSocket { return &fakeSocket{events: make(chan connection.SocketEvent, 4)} }

func (s *fakeSocket) Write(b []byte) error                     { return nil }
func (s *fakeSocket) Flush() error                              { return nil }
func (s *fakeSocket) Close(force bool) error                     { return nil }
func (s *fakeSocket) Freeable() bool                             { return true }
func (s *fakeSocket) Abort()                                     {}
func (s *fakeSocket) Events() <-chan connection.SocketEvent     { return s.events }
func (s *fakeSocket) RemoteAddr() string                        { return "fake:0" }

type recordingSender struct {
	sent []protocol.TimeSyncPayload
}

func (r *recordingSender) SendOn(c *connection.Connection, t ids.MessageType, routing ids.Routing, priority ids.Priority, payload interface{}) error {
	if p, ok := payload.(protocol.TimeSyncPayload); ok {
		r.sent = append(r.sent, p)
	}
	return nil
}

func timeSyncVariant(t *testing.T, from ids.NodeId, payload protocol.TimeSyncPayload) protocol.Variant {
	t.Helper()
	data, err := protocol.Build(ids.TypeTimeSync, from, 0, ids.RoutingNeighbor, payload)
	require.NoError(t, err)
	v, err := protocol.Parse(data)
	require.NoError(t, err)
	return v
}

func TestInitiateSyncSendsRequestWithT0(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	sender := &recordingSender{}
	mgr := timesync.NewManager(sched, sender, nil, nil, nil)

	c := connection.New(1, newFakeSocket(), sched, slots, nil)
	require.NoError(t, mgr.InitiateSync(c))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, protocol.TimeSyncRequest, sender.sent[0].Type2)
	require.Len(t, sender.sent[0].Times, 1)
}

func TestHandleMessageRespondsToRequestWithThreeTimestamps(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	sender := &recordingSender{}
	mgr := timesync.NewManager(sched, sender, nil, nil, nil)

	c := connection.New(1, newFakeSocket(), sched, slots, nil)
	req := timeSyncVariant(t, 2, protocol.TimeSyncPayload{Type2: protocol.TimeSyncRequest, Times: []float64{123}})
	mgr.HandleMessage(req, c)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, protocol.TimeSyncResponse, sender.sent[0].Type2)
	assert.Len(t, sender.sent[0].Times, 3)
	assert.Equal(t, float64(123), sender.sent[0].Times[0])
}

func TestFinishAppliesOffsetAndInvokesCallback(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	sender := &recordingSender{}

	var adjusted time.Duration
	var called bool
	mgr := timesync.NewManager(sched, sender, nil, nil, func(d time.Duration) {
		adjusted = d
		called = true
	})

	c := connection.New(1, newFakeSocket(), sched, slots, nil)
	require.NoError(t, mgr.InitiateSync(c))

	reply := timeSyncVariant(t, 2, protocol.TimeSyncPayload{
		Type2: protocol.TimeSyncResponse,
		Times: []float64{sender.sent[0].Times[0], sender.sent[0].Times[0] + 50, sender.sent[0].Times[0] + 55},
	})
	mgr.HandleMessage(reply, c)

	assert.True(t, called)
	assert.NotZero(t, sched.Offset())
	assert.Equal(t, sched.Offset(), adjusted)
}

func TestPeriodicTaskResyncsEstablishedConnectionsWithoutManualTrigger(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	sender := &recordingSender{}

	c := connection.New(1, newFakeSocket(), sched, slots, nil)
	c.MarkEstablished(2, nodetree.NodeTree{NodeId: 2})
	c.DisableTimeout()

	connections := func() []*connection.Connection { return []*connection.Connection{c} }
	timesync.NewManager(sched, sender, connections, nil, nil)

	require.Empty(t, sender.sent, "no sync should fire before SyncPeriod elapses")

	now = now.Add(timesync.SyncPeriod + time.Second)
	sched.Update()

	require.Len(t, sender.sent, 1, "SyncPeriod must drive a recurring resync on every Established connection")
	assert.Equal(t, protocol.TimeSyncRequest, sender.sent[0].Type2)
}
