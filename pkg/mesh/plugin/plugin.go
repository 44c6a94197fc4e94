// Package plugin lets the embedding application register custom
// MessageType handlers without modifying the mesh core, mirroring the
// user-domain message range (200-299) the protocol package reserves
// for it (spec §4.O).
package plugin

import (
	"encoding/json"

	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/errs"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
)

// Codec (de)serializes one plugin message type to and from its wire
// representation. A plain JSON codec is provided by JSONCodec below;
// applications may supply their own for binary formats.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) (interface{}, error)
}

// Receiver is invoked once per inbound message of a registered type.
type Receiver func(from ids.NodeId, msg interface{})

// Sender is the subset of router.Router a registered type needs to
// originate traffic.
type Sender interface {
	SendSingle(dest ids.NodeId, t ids.MessageType, priority ids.Priority, payload interface{}) error
	SendBroadcast(t ids.MessageType, priority ids.Priority, includeSelf bool, payload interface{}) error
}

// Registry binds application MessageTypes to codecs and receivers, and
// routes outbound Send/Broadcast calls through the mesh's transport.
type Registry struct {
	sender    Sender
	callbacks *callback.List
	codecs    map[ids.MessageType]Codec
}

func NewRegistry(sender Sender, callbacks *callback.List) *Registry {
	return &Registry{sender: sender, callbacks: callbacks, codecs: make(map[ids.MessageType]Codec)}
}

// Register binds t (which must fall in the 200-299 user range) to
// codec and recv. Registering the same type twice is a caller error.
func (r *Registry) Register(t ids.MessageType, codec Codec, recv Receiver) error {
	if !t.IsUserType() {
		return errs.New(errs.LifecycleMisuse, "plugin message types must be in 200-299")
	}
	if _, exists := r.codecs[t]; exists {
		return errs.New(errs.LifecycleMisuse, "message type already registered")
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	r.codecs[t] = codec
	r.callbacks.OnPackage(t, func(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
		var body map[string]json.RawMessage
		if err := v.To(&body); err != nil {
			return false
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return false
		}
		msg, err := codec.Unmarshal(raw, nil)
		if err != nil {
			return false
		}
		recv(v.Envelope.From, msg)
		return true
	})
	return nil
}

// SendSingle marshals msg with t's registered codec and sends it to
// dest.
func (r *Registry) SendSingle(dest ids.NodeId, t ids.MessageType, priority ids.Priority, msg interface{}) error {
	codec, ok := r.codecs[t]
	if !ok {
		return errs.New(errs.LifecycleMisuse, "unregistered message type")
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.Protocol, "plugin marshal failed", err)
	}
	return r.sender.SendSingle(dest, t, priority, json.RawMessage(data))
}

// SendBroadcast marshals msg with t's registered codec and floods it
// mesh-wide.
func (r *Registry) SendBroadcast(t ids.MessageType, priority ids.Priority, includeSelf bool, msg interface{}) error {
	codec, ok := r.codecs[t]
	if !ok {
		return errs.New(errs.LifecycleMisuse, "unregistered message type")
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.Protocol, "plugin marshal failed", err)
	}
	return r.sender.SendBroadcast(t, priority, includeSelf, json.RawMessage(data))
}

// JSONCodec is the default Codec: plain encoding/json round-trip into
// a map[string]interface{}, adequate for applications that don't need
// a concrete Go type on the receiving end.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, _ interface{}) (interface{}, error) {
	var v map[string]interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
