package connection_test

import (
	"testing"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/connection"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/nodetree"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	written  [][]byte
	events   chan connection.SocketEvent
	closed   bool
	forced   bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan connection.SocketEvent, 16)}
}

func (s *fakeSocket) Write(b []byte) error {
	cp := append([]byte(nil), b...)
	s.written = append(s.written, cp)
	return nil
}
func (s *fakeSocket) Flush() error { return nil }
func (s *fakeSocket) Close(force bool) error {
	s.closed = true
	s.forced = force
	return nil
}
func (s *fakeSocket) Freeable() bool                          { return true }
func (s *fakeSocket) Abort()                                  {}
func (s *fakeSocket) Events() <-chan connection.SocketEvent    { return s.events }
func (s *fakeSocket) RemoteAddr() string                       { return "fake:0" }

func TestNewConnectionStartsInConnecting(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	c := connection.New(1, newFakeSocket(), sched, slots, nil)
	assert.Equal(t, connection.Connecting, c.State())
}

func TestMarkEstablishedRecordsPeerAndFiresCallback(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	c := connection.New(1, newFakeSocket(), sched, slots, nil)

	var from, to connection.State
	c.OnStateChange = func(cc *connection.Connection, f, tt connection.State) {
		from, to = f, tt
	}

	c.MarkEstablished(42, nodetree.NodeTree{NodeId: 42})
	assert.Equal(t, connection.Established, c.State())
	assert.Equal(t, ids.NodeId(42), c.NodeId())
	assert.Equal(t, connection.Connecting, from)
	assert.Equal(t, connection.Established, to)
}

func TestAddMessageRejectedAfterClosing(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	c := connection.New(1, newFakeSocket(), sched, slots, nil)

	c.ScheduleClose(true)
	err := c.AddMessage("hello", ids.Normal)
	assert.Error(t, err)
}

func TestScheduleCloseIsIdempotentAndDefersDeletion(t *testing.T) {
	clock := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return clock })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	sock := newFakeSocket()
	c := connection.New(1, sock, sched, slots, nil)

	closedCount := 0
	c.OnClosed = func(cc *connection.Connection) { closedCount++ }

	c.ScheduleClose(false)
	c.ScheduleClose(false)
	assert.Equal(t, connection.Closing, c.State())
	assert.True(t, sock.closed)

	clock = clock.Add(2 * time.Second)
	sched.Update()
	assert.Equal(t, connection.Closed, c.State())
	assert.Equal(t, 1, closedCount)
}

func TestPumpReadFeedsCompleteFrameToOnFrame(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })
	slots := scheduler.NewDeletionSlots(time.Second, time.Second)
	sock := newFakeSocket()
	c := connection.New(1, sock, sched, slots, nil)

	var got []byte
	c.OnFrame = func(cc *connection.Connection, frame []byte) {
		got = frame
	}

	sock.events <- connection.SocketEvent{Kind: connection.EventData, Data: []byte("hello\n")}
	c.PumpRead()

	require.NotNil(t, got)
	assert.Equal(t, "hello", string(got))
}
