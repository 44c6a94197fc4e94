package router

import (
	"encoding/json"

	goversion "github.com/hashicorp/go-version"

	"github.com/painlessmesh/gomesh/pkg/mesh/connection"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/nodetree"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
)

// broadcastNodeSyncRequests fires once a minute (NodeSyncPeriod) and
// whenever TriggerNodeSync is called after a local topology change
// (spec §4.H).
func (r *Router) broadcastNodeSyncRequests() {
	for _, c := range r.established() {
		r.sendNodeSyncRequest(c)
	}
}

// TriggerNodeSync re-sends NODE_SYNC_REQUEST on every Established
// connection outside of the periodic schedule, e.g. right after a
// local subtree change.
func (r *Router) TriggerNodeSync() {
	r.broadcastNodeSyncRequests()
}

// SendInitialNodeSync sends the first NODE_SYNC_REQUEST on a freshly
// adopted connection. Unlike the periodic/triggered resync above, this
// targets c directly rather than going through established() -- c is
// still Connecting at this point, and it is exactly the reply to this
// request that advances it to Established (spec §4.F/§4.H).
func (r *Router) SendInitialNodeSync(c *connection.Connection) {
	r.sendNodeSyncRequest(c)
}

func (r *Router) sendNodeSyncRequest(c *connection.Connection) {
	tree := r.subtreeExcluding(c.Handle())
	payload := protocol.NodeSyncPayload{Subs: tree, Version: ids.ProtocolVersion}
	data, err := protocol.Build(ids.TypeNodeSyncRequest, r.SelfId(), c.NodeId(), ids.RoutingNeighbor, payload)
	if err != nil {
		return
	}
	_ = c.AddMessage(string(data), ids.High)
}

func (r *Router) sendNodeSyncReply(c *connection.Connection) {
	tree := r.subtreeExcluding(c.Handle())
	payload := protocol.NodeSyncPayload{Subs: tree, Version: ids.ProtocolVersion}
	data, err := protocol.Build(ids.TypeNodeSyncReply, r.SelfId(), c.NodeId(), ids.RoutingNeighbor, payload)
	if err != nil {
		return
	}
	_ = c.AddMessage(string(data), ids.High)
}

// checkPeerVersion compares a peer's advertised NODE_SYNC version
// against ProtocolVersion and logs (but never rejects) a major-version
// mismatch: unknown/newer fields must still forward per the variant
// contract, so incompatibility is diagnostic only.
func (r *Router) checkPeerVersion(from *connection.Connection, peerVersion string) {
	if peerVersion == "" || r.log == nil {
		return
	}
	ours, err := goversion.NewVersion(ids.ProtocolVersion)
	if err != nil {
		return
	}
	theirs, err := goversion.NewVersion(peerVersion)
	if err != nil {
		r.log.Emit(logpkg.LevelSync, "connection %d advertised unparseable node-sync version %q", from.Handle(), peerVersion)
		return
	}
	if ours.Segments()[0] != theirs.Segments()[0] {
		r.log.Emit(logpkg.LevelSync, "connection %d advertised incompatible node-sync version %s (local %s)", from.Handle(), theirs, ours)
	}
}

// decodeSubtree extracts the NodeTree carried in a NODE_SYNC_*
// envelope, since protocol.Variant.To expects a concrete struct shape
// but NodeSyncPayload.Subs is typed interface{} for JSON round-tripping
// through Build/Parse.
func decodeSubtree(v protocol.Variant) (nodetree.NodeTree, string, bool) {
	var raw struct {
		Subs    json.RawMessage `json:"subs"`
		Version string          `json:"version"`
	}
	if err := v.To(&raw); err != nil || raw.Subs == nil {
		return nodetree.NodeTree{}, "", false
	}
	tree, err := nodetree.Parse(raw.Subs)
	if err != nil {
		return nodetree.NodeTree{}, "", false
	}
	return tree, raw.Version, true
}

// handleNodeSyncRequest replies with our own scoped view, updates our
// record of this connection's subtree and notifies "topology changed"
// (spec §4.H).
func (r *Router) handleNodeSyncRequest(v protocol.Variant, from *connection.Connection) {
	tree, version, ok := decodeSubtree(v)
	if !ok {
		if r.log != nil {
			r.log.Emit(logpkg.LevelError, "malformed NODE_SYNC_REQUEST from connection %d", from.Handle())
		}
		return
	}
	r.checkPeerVersion(from, version)
	r.bindPeer(from, v.From)
	changed := r.applyPeerSubtree(from, tree)
	r.sendNodeSyncReply(from)
	if changed && r.OnTopologyChanged != nil {
		r.OnTopologyChanged()
	}
}

// handleNodeSyncReply updates the peer's subtree, re-arms liveness via
// the connection's own data-received hook (already done by PumpRead)
// and marks the connection Established (spec §4.F, §4.H).
func (r *Router) handleNodeSyncReply(v protocol.Variant, from *connection.Connection) {
	tree, version, ok := decodeSubtree(v)
	if !ok {
		if r.log != nil {
			r.log.Emit(logpkg.LevelError, "malformed NODE_SYNC_REPLY from connection %d", from.Handle())
		}
		return
	}
	r.checkPeerVersion(from, version)
	r.bindPeer(from, v.From)
	wasEstablished := from.State() == connection.Established
	old := from.Subtree()
	from.MarkEstablished(v.From, tree)
	changed := !wasEstablished || !old.Equal(tree)
	if r.OnNodeSyncRound != nil {
		r.OnNodeSyncRound()
	}
	if changed && r.OnTopologyChanged != nil {
		r.OnTopologyChanged()
	}
}

func (r *Router) bindPeer(c *connection.Connection, peer ids.NodeId) {
	if peer == ids.NoNodeId {
		return
	}
	r.mu.Lock()
	r.byPeer[peer] = c.Handle()
	r.mu.Unlock()
}

// applyPeerSubtree updates c's recorded subtree, tie-breaking on
// conflicting views by "most recently received wins" (spec §4.H) --
// trivially satisfied here since we always overwrite with the latest
// received value and there is no concurrent writer for a single
// connection's subtree (spec §5 single cooperative task context).
// Returns whether the stored subtree actually changed.
func (r *Router) applyPeerSubtree(c *connection.Connection, tree nodetree.NodeTree) bool {
	old := c.Subtree()
	if old.Equal(tree) {
		return false
	}
	c.SetSubtree(tree)
	return true
}
