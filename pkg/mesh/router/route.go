package router

import (
	"github.com/painlessmesh/gomesh/pkg/mesh/connection"
	"github.com/painlessmesh/gomesh/pkg/mesh/errs"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
)

// handleFrame is the connection.OnFrame hook: parse, then route.
func (r *Router) handleFrame(c *connection.Connection, frame []byte) {
	v, err := protocol.Parse(frame)
	if err != nil {
		if r.log != nil {
			r.log.Emit(logpkg.LevelError, "parse failure on connection %d: %v", c.Handle(), err)
		}
		return
	}
	r.Route(v, c, r.sched.Now().UnixMilli())
}

// Send serializes payload as a MessageType/Routing envelope and
// enqueues it for transmission, following the routing algorithm in
// reverse: pick the destination connection(s) the same way inbound
// forwarding would, then AddMessage onto them (spec §4.H/§4.K).
func (r *Router) Send(t ids.MessageType, dest ids.NodeId, routing ids.Routing, priority ids.Priority, payload interface{}) error {
	data, err := protocol.Build(t, r.SelfId(), dest, routing, payload)
	if err != nil {
		return err
	}
	return r.dispatchOutbound(string(data), dest, routing, priority, nil)
}

// SendBroadcast is the mesh-level broadcast entry point (spec §4.K).
// When includeSelf is true, the local handler is invoked immediately,
// before forwarding to every Established connection.
func (r *Router) SendBroadcast(t ids.MessageType, priority ids.Priority, includeSelf bool, payload interface{}) error {
	self := r.SelfId()
	data, err := protocol.Build(t, self, ids.NoNodeId, ids.RoutingBroadcast, payload)
	if err != nil {
		return err
	}
	if includeSelf {
		v, perr := protocol.Parse(data)
		if perr == nil {
			r.callbacks.Dispatch(v, nil, r.sched.Now().UnixMilli())
		}
	}
	return r.dispatchOutbound(string(data), ids.NoNodeId, ids.RoutingBroadcast, priority, nil)
}

// SendSingle is the mesh-level unicast entry point (spec §4.K).
func (r *Router) SendSingle(dest ids.NodeId, t ids.MessageType, priority ids.Priority, payload interface{}) error {
	return r.Send(t, dest, ids.RoutingSingle, priority, payload)
}

// SendOn serializes and enqueues payload directly on connection c,
// bypassing next-hop lookup. Used by the time-sync manager, which
// already knows which connection a reply belongs on (spec §4.I).
// Satisfies timesync.Sender.
func (r *Router) SendOn(c *connection.Connection, t ids.MessageType, routing ids.Routing, priority ids.Priority, payload interface{}) error {
	data, err := protocol.Build(t, r.SelfId(), c.NodeId(), routing, payload)
	if err != nil {
		return err
	}
	return c.AddMessage(string(data), priority)
}

// dispatchOutbound pushes a serialized frame to the right
// connection(s) per the routing discipline, excluding arrivedOn when
// set (used for forwarding, never for local origination).
func (r *Router) dispatchOutbound(frame string, dest ids.NodeId, routing ids.Routing, priority ids.Priority, arrivedOn *connection.Connection) error {
	switch routing {
	case ids.RoutingSingle:
		target := r.connectionForPeer(dest)
		if target == nil {
			if r.log != nil {
				r.log.Emit(logpkg.LevelGeneral, "no route to node %d, dropping", dest)
			}
			return errs.Wrap(errs.Routing, "no route to destination", nil)
		}
		return target.AddMessage(frame, priority)
	case ids.RoutingNeighbor:
		target := r.connectionForPeer(dest)
		if target == nil {
			return errs.Wrap(errs.Routing, "neighbor not connected", nil)
		}
		return target.AddMessage(frame, priority)
	case ids.RoutingBroadcast:
		var lastErr error
		for _, c := range r.established() {
			if arrivedOn != nil && c.Handle() == arrivedOn.Handle() {
				continue
			}
			if err := c.AddMessage(frame, priority); err != nil {
				lastErr = err
			}
		}
		return lastErr
	default:
		return errs.Wrap(errs.Protocol, "unknown routing discipline", nil)
	}
}

// Route implements the inbound forwarding algorithm (spec §4.H).
func (r *Router) Route(v protocol.Variant, from *connection.Connection, receivedAt int64) {
	switch v.Type {
	case ids.TypeNodeSyncRequest:
		r.handleNodeSyncRequest(v, from)
		return
	case ids.TypeNodeSyncReply:
		r.handleNodeSyncReply(v, from)
		return
	}

	switch v.Routing {
	case ids.RoutingSingle:
		if v.Dest == r.SelfId() {
			r.callbacks.Dispatch(v, from, receivedAt)
			return
		}
		target := r.connectionForPeer(v.Dest)
		if target == nil {
			if r.log != nil {
				r.log.Emit(logpkg.LevelGeneral, "dropping single message to unreachable node %d", v.Dest)
			}
			return
		}
		if err := target.AddMessage(string(rawOf(v)), ids.Normal); err != nil && r.log != nil {
			r.log.Emit(logpkg.LevelGeneral, "forward failure: %v", err)
		}
	case ids.RoutingBroadcast:
		r.callbacks.Dispatch(v, from, receivedAt)
		frame := rawOf(v)
		for _, c := range r.established() {
			if from != nil && c.Handle() == from.Handle() {
				continue
			}
			if err := c.AddMessage(string(frame), ids.Normal); err != nil && r.log != nil {
				r.log.Emit(logpkg.LevelGeneral, "broadcast forward failure: %v", err)
			}
		}
	case ids.RoutingNeighbor:
		if v.Dest == r.SelfId() {
			r.callbacks.Dispatch(v, from, receivedAt)
			return
		}
		if r.log != nil {
			r.log.Emit(logpkg.LevelGeneral, "dropping neighbor message not addressed to us")
		}
	}
}

// rawOf re-renders the envelope for forwarding via MarshalForward. A
// Variant produced by Parse keeps its whole parsed field map, so every
// field, including ones this node does not understand, is re-emitted; a
// Variant built without Parse yields only its header fields.
func rawOf(v protocol.Variant) []byte {
	data, _ := v.Envelope.MarshalForward()
	return data
}
