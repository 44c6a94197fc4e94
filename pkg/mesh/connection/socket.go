// Package connection implements one peer link: framed I/O, liveness
// and the strictly-ordered deferred-deletion lifecycle (spec §4.F).
package connection

import (
	"net"
	"sync"
)

// Socket is the async TCP primitive this package consumes (spec §6
// Async TCP interface). A production Socket wraps a net.Conn with a
// background reader goroutine; events are marshalled onto the single
// cooperative task context by being buffered into channels that
// Connection.PumpRead drains, never by invoking mesh logic directly from the reader
// goroutine (spec §5).
type Socket interface {
	// Write enqueues bytes on the OS send buffer.
	Write(b []byte) error
	// Flush forces a push of anything buffered (TCP_PUSH semantics),
	// used for CRITICAL/HIGH priority sends (spec §4.F).
	Flush() error
	// Close begins shutdown. If force, any in-flight receive is
	// pre-empted immediately.
	Close(force bool) error
	// Freeable reports whether the socket has finished flushing and
	// can be safely discarded.
	Freeable() bool
	// Abort immediately tears down the socket without graceful
	// shutdown. Per spec §6, this must never be called ahead of a
	// deferred delete — only safe when the delete is synchronous,
	// which this package never does.
	Abort()
	// Events returns the channel the reader goroutine posts onto.
	// Connection.PumpRead is the only consumer.
	Events() <-chan SocketEvent
	// RemoteAddr is used for diagnostics/logging only.
	RemoteAddr() string
}

// SocketEventKind discriminates the three event types spec §6 names.
type SocketEventKind int

const (
	EventData SocketEventKind = iota
	EventError
	EventDisconnect
)

// SocketEvent is one posting from the socket's reader goroutine.
type SocketEvent struct {
	Kind SocketEventKind
	Data []byte
	Code int
}

// TCPSocket is the production Socket backed by a net.Conn.
type TCPSocket struct {
	conn   net.Conn
	events chan SocketEvent

	mu       sync.Mutex
	closing  bool
	freeable bool
}

// NewTCPSocket wraps conn and starts the background reader. The
// caller owns pumping Events() from the cooperative context.
func NewTCPSocket(conn net.Conn) *TCPSocket {
	s := &TCPSocket{
		conn:   conn,
		events: make(chan SocketEvent, 64),
	}
	go s.readLoop()
	return s
}

func (s *TCPSocket) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			s.post(SocketEvent{Kind: EventData, Data: cp})
		}
		if err != nil {
			if isClosedErr(err) {
				s.post(SocketEvent{Kind: EventDisconnect})
			} else {
				s.post(SocketEvent{Kind: EventError, Code: errCode(err)})
			}
			s.mu.Lock()
			s.freeable = true
			s.mu.Unlock()
			return
		}
	}
}

func (s *TCPSocket) post(e SocketEvent) {
	select {
	case s.events <- e:
	default:
		// Backpressure: drop rather than block the reader goroutine
		// indefinitely; a dropped disconnect/error still surfaces via
		// the liveness timeout (spec §4.F NODE_TIMEOUT).
	}
}

func (s *TCPSocket) Write(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

func (s *TCPSocket) Flush() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return nil
}

func (s *TCPSocket) Close(force bool) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	if force {
		return s.conn.Close()
	}
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		return nil
	}
	return s.conn.Close()
}

func (s *TCPSocket) Freeable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeable
}

func (s *TCPSocket) Abort() {
	_ = s.conn.Close()
}

func (s *TCPSocket) Events() <-chan SocketEvent { return s.events }

func (s *TCPSocket) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

func isClosedErr(err error) bool {
	return err.Error() == "EOF" || err.Error() == "io: read/write on closed pipe"
}

func errCode(err error) int {
	if opErr, ok := err.(*net.OpError); ok {
		_ = opErr
		return 1
	}
	return -1
}
