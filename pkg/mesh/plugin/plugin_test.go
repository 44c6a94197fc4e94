package plugin_test

import (
	"testing"

	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/plugin"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sentSingle    []ids.NodeId
	sentBroadcast int
	lastPayload   interface{}
}

func (f *fakeSender) SendSingle(dest ids.NodeId, t ids.MessageType, priority ids.Priority, payload interface{}) error {
	f.sentSingle = append(f.sentSingle, dest)
	f.lastPayload = payload
	return nil
}

func (f *fakeSender) SendBroadcast(t ids.MessageType, priority ids.Priority, includeSelf bool, payload interface{}) error {
	f.sentBroadcast++
	f.lastPayload = payload
	return nil
}

func TestRegisterRejectsOutOfRangeType(t *testing.T) {
	r := plugin.NewRegistry(&fakeSender{}, callback.NewList())
	err := r.Register(ids.MessageType(50), nil, func(ids.NodeId, interface{}) {})
	assert.Error(t, err)
}

func TestRegisterRejectsDoubleRegistration(t *testing.T) {
	r := plugin.NewRegistry(&fakeSender{}, callback.NewList())
	require.NoError(t, r.Register(ids.MessageType(210), nil, func(ids.NodeId, interface{}) {}))
	assert.Error(t, r.Register(ids.MessageType(210), nil, func(ids.NodeId, interface{}) {}))
}

func TestSendSingleUsesRegisteredCodec(t *testing.T) {
	sender := &fakeSender{}
	r := plugin.NewRegistry(sender, callback.NewList())
	require.NoError(t, r.Register(ids.MessageType(220), nil, func(ids.NodeId, interface{}) {}))

	err := r.SendSingle(5, ids.MessageType(220), ids.Normal, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, []ids.NodeId{5}, sender.sentSingle)
}

func TestSendSingleUnregisteredTypeFails(t *testing.T) {
	r := plugin.NewRegistry(&fakeSender{}, callback.NewList())
	err := r.SendSingle(5, ids.MessageType(221), ids.Normal, "hi")
	assert.Error(t, err)
}

func TestRegisteredHandlerReceivesDecodedMessage(t *testing.T) {
	callbacks := callback.NewList()
	r := plugin.NewRegistry(&fakeSender{}, callbacks)

	var received interface{}
	var from ids.NodeId
	require.NoError(t, r.Register(ids.MessageType(230), nil, func(f ids.NodeId, msg interface{}) {
		from = f
		received = msg
	}))

	data, err := protocol.Build(ids.MessageType(230), 3, 1, ids.RoutingSingle, map[string]string{"hello": "world"})
	require.NoError(t, err)
	v, err := protocol.Parse(data)
	require.NoError(t, err)

	callbacks.Dispatch(v, nil, 0)

	assert.Equal(t, ids.NodeId(3), from)
	decoded, ok := received.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "world", decoded["hello"])
}
