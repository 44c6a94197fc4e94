// Package callback implements the typed multi-subscriber dispatch keyed
// by message type (spec §4.B). It plays the role go-mcast's Unity.process
// type-switch plays for its own RPC commands, but open-ended: any number
// of independent handlers can subscribe to the same MessageType.
package callback

import (
	"sync"

	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
)

// Connection is the minimal view a handler needs of the connection a
// message arrived on; concrete connection.Connection satisfies it.
type Connection interface {
	NodeId() ids.NodeId
}

// Handler processes one Variant. Returning true means "consumed; do not
// forward" (spec §4.B).
type Handler func(v protocol.Variant, from Connection, receivedAt int64) bool

// List is a registry of handlers keyed by MessageType.
type List struct {
	mu       sync.RWMutex
	handlers map[ids.MessageType][]Handler
}

func NewList() *List {
	return &List{handlers: make(map[ids.MessageType][]Handler)}
}

// OnPackage registers handler for t. Registration order is preserved.
func (l *List) OnPackage(t ids.MessageType, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[t] = append(l.handlers[t], handler)
}

// Dispatch invokes every handler registered for v.Type, in registration
// order, unconditionally (each is an independent side effect), and
// returns the logical OR of their "consumed" verdicts.
func (l *List) Dispatch(v protocol.Variant, from Connection, receivedAt int64) bool {
	l.mu.RLock()
	hs := append([]Handler(nil), l.handlers[v.Type]...)
	l.mu.RUnlock()

	consumed := false
	for _, h := range hs {
		if h(v, from, receivedAt) {
			consumed = true
		}
	}
	return consumed
}
