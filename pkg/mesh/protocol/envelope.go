// Package protocol implements the tagged-union wire envelope (spec
// §3 Envelope, §4.C Protocol variant, §6 message types). Every message
// that crosses the wire is a single flat JSON object; this package
// gives typed access to it without giving up forwarding of unknown
// types, the same shape go-mcast's types.Message/RPCHeader pairing
// takes for its own RPC envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/painlessmesh/gomesh/pkg/mesh/errs"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
)

// Envelope is the raw wire shape. Parse does not fill Payload; it keeps
// the whole parsed object in raw instead, so unknown MessageTypes still
// round-trip and forward correctly.
type Envelope struct {
	Type    ids.MessageType `json:"type"`
	From    ids.NodeId      `json:"from"`
	Dest    ids.NodeId      `json:"dest"`
	Routing ids.Routing     `json:"routing"`
	Payload json.RawMessage `json:"-"`

	raw map[string]json.RawMessage
}

// Variant is a parsed Envelope plus checked-downcast helpers, mirroring
// go-mcast's RPC.Command interface{} plus a header check, but without
// giving up static typing for known payload shapes.
type Variant struct {
	Envelope
}

// ErrWrongType is returned by To when the payload does not match T.
var ErrWrongType = errs.New(errs.Protocol, "variant payload does not match requested type")

// Parse decodes a single JSON object into a Variant. Unknown fields in
// the payload are preserved in raw for re-marshaling.
func Parse(data []byte) (Variant, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Variant{}, errs.Wrap(errs.Framing, "invalid envelope json", err)
	}

	var v Variant
	if t, ok := raw["type"]; ok {
		_ = json.Unmarshal(t, &v.Type)
	}
	if f, ok := raw["from"]; ok {
		_ = json.Unmarshal(f, &v.From)
	}
	if d, ok := raw["dest"]; ok {
		_ = json.Unmarshal(d, &v.Dest)
	}
	if r, ok := raw["routing"]; ok {
		_ = json.Unmarshal(r, &v.Routing)
	}
	v.raw = raw
	return v, nil
}

// To checks out the payload as T by re-marshaling the original object
// (minus the envelope fields) into T's JSON shape.
func (v Variant) To(out interface{}) error {
	if v.raw == nil {
		return ErrWrongType
	}
	body := make(map[string]json.RawMessage, len(v.raw))
	for k, val := range v.raw {
		switch k {
		case "type", "from", "dest", "routing":
			continue
		default:
			body[k] = val
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrongType, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrWrongType, err)
	}
	return nil
}

// Build constructs an Envelope carrying payload, flattening payload's
// JSON fields alongside the envelope header fields, matching the wire
// format in spec §6 (a single flat JSON object).
func Build(t ids.MessageType, from, dest ids.NodeId, routing ids.Routing, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "marshal payload", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &fields); err != nil {
		return nil, errs.Wrap(errs.Protocol, "payload is not a JSON object", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fields["type"], _ = json.Marshal(t)
	fields["from"], _ = json.Marshal(from)
	fields["dest"], _ = json.Marshal(dest)
	fields["routing"], _ = json.Marshal(routing)
	return json.Marshal(fields)
}

// MarshalForward re-renders the envelope exactly as it was received,
// byte-for-byte field set, so a forwarding hop does not need to know
// about fields it doesn't understand (spec §4.C "unknown types parse
// as an opaque Variant that can still be forwarded").
func (e Envelope) MarshalForward() ([]byte, error) {
	if e.raw != nil {
		return json.Marshal(e.raw)
	}
	return json.Marshal(e)
}

// PrintTo writes a human-readable rendering of the variant to sink, for
// diagnostics (spec §4.C variant.print_to(sink)).
func (v Variant) PrintTo(sink io.Writer) error {
	_, err := fmt.Fprintf(sink, "Variant{type=%d from=%d dest=%d routing=%s}", v.Type, v.From, v.Dest, v.Routing)
	return err
}
