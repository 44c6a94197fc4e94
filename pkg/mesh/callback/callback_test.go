package callback_test

import (
	"testing"

	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/stretchr/testify/assert"
)

func TestDispatchInvokesAllHandlersInRegistrationOrder(t *testing.T) {
	l := callback.NewList()
	var order []string
	l.OnPackage(ids.TypeSingle, func(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
		order = append(order, "first")
		return false
	})
	l.OnPackage(ids.TypeSingle, func(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
		order = append(order, "second")
		return true
	})

	consumed := l.Dispatch(protocol.Variant{Envelope: protocol.Envelope{Type: ids.TypeSingle}}, nil, 0)
	assert.True(t, consumed)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatchOnlyInvokesHandlersForMatchingType(t *testing.T) {
	l := callback.NewList()
	called := false
	l.OnPackage(ids.TypeSingle, func(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
		called = true
		return true
	})

	l.Dispatch(protocol.Variant{Envelope: protocol.Envelope{Type: ids.TypeBroadcast}}, nil, 0)
	assert.False(t, called)
}

func TestDispatchWithNoHandlersReturnsFalse(t *testing.T) {
	l := callback.NewList()
	consumed := l.Dispatch(protocol.Variant{Envelope: protocol.Envelope{Type: ids.TypeSingle}}, nil, 0)
	assert.False(t, consumed)
}
