// Package router implements next-hop selection, broadcast/single/
// neighbor forwarding and the node-sync protocol that keeps every
// connection's subtree view in agreement (spec §4.H).
package router

import (
	"sync"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/connection"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/nodetree"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
)

// NodeSyncPeriod is how often a node re-sends NODE_SYNC_REQUEST on
// every Established connection (spec §4.H), beyond the on-demand
// resend triggered by a local topology change.
const NodeSyncPeriod = 60 * time.Second

// Identity describes the local node to the router: its id and whether
// it is currently acting as tree root (a Bridge, spec §4.L).
type Identity struct {
	NodeId ids.NodeId
	Root   bool
}

// Router owns the connection arena and the routing/node-sync logic.
type Router struct {
	mu          sync.RWMutex
	identity    Identity
	connections map[connection.Handle]*connection.Connection
	byPeer      map[ids.NodeId]connection.Handle

	callbacks *callback.List
	sched     *scheduler.Scheduler
	log       logpkg.Logger

	syncTask scheduler.TaskHandle

	// OnTopologyChanged fires after any accepted node-sync exchange
	// that altered a peer's subtree (spec §4.H, consumed by the
	// bridge manager's "topology changed" status-broadcast trigger).
	OnTopologyChanged func()
	// OnNodeSyncRound, if set, fires each time this node processes a
	// NODE_SYNC_REPLY, for metrics/observability.
	OnNodeSyncRound func()
}

func New(identity Identity, callbacks *callback.List, sched *scheduler.Scheduler, log logpkg.Logger) *Router {
	r := &Router{
		identity:    identity,
		connections: make(map[connection.Handle]*connection.Connection),
		byPeer:      make(map[ids.NodeId]connection.Handle),
		callbacks:   callbacks,
		sched:       sched,
		log:         log,
	}
	r.syncTask = sched.AddTask(NodeSyncPeriod, true, r.broadcastNodeSyncRequests)
	return r
}

// SetRoot updates whether the local node currently acts as tree root
// (spec §4.L bridge role changes affect containsRoot/root flags).
func (r *Router) SetRoot(root bool) {
	r.mu.Lock()
	r.identity.Root = root
	r.mu.Unlock()
}

func (r *Router) SelfId() ids.NodeId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity.NodeId
}

// AddConnection registers c in the arena, wiring its OnFrame/OnClosed
// hooks to the router.
func (r *Router) AddConnection(c *connection.Connection) {
	r.mu.Lock()
	r.connections[c.Handle()] = c
	r.mu.Unlock()
	c.OnFrame = r.handleFrame
	origClosed := c.OnClosed
	c.OnClosed = func(cc *connection.Connection) {
		r.removeConnection(cc.Handle())
		if origClosed != nil {
			origClosed(cc)
		}
	}
}

func (r *Router) removeConnection(h connection.Handle) {
	r.mu.Lock()
	c, ok := r.connections[h]
	if ok {
		delete(r.connections, h)
		if c.NodeId() != ids.NoNodeId {
			delete(r.byPeer, c.NodeId())
		}
	}
	r.mu.Unlock()
}

// Connections returns a snapshot slice of every connection currently
// in the arena, regardless of state.
func (r *Router) Connections() []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

func (r *Router) established() []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		if c.State() == connection.Established {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) connectionForPeer(dest ids.NodeId) *connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.byPeer[dest]; ok {
		if c, ok := r.connections[h]; ok && c.State() == connection.Established {
			return c
		}
	}
	for _, c := range r.connections {
		if c.State() == connection.Established && c.Subtree().Contains(dest) {
			return c
		}
	}
	return nil
}

// AsNodeTree returns the local node's full view of the mesh: itself as
// root plus every Established connection's reported subtree (spec
// §4.G/§4.K as_node_tree).
func (r *Router) AsNodeTree() nodetree.NodeTree {
	r.mu.RLock()
	id := r.identity
	subs := make([]nodetree.NodeTree, 0, len(r.connections))
	for _, c := range r.connections {
		if c.State() == connection.Established {
			subs = append(subs, c.Subtree())
		}
	}
	r.mu.RUnlock()
	t := nodetree.NodeTree{NodeId: id.NodeId, Root: id.Root, Subs: subs}
	t.Normalize()
	return t
}

// subtreeExcluding builds the view to advertise to the connection
// identified by exclude: everything reachable through self except
// whatever that peer already told us about itself (spec §4.H
// "self.serialize_subtree_excluding(this_peer)").
func (r *Router) subtreeExcluding(exclude connection.Handle) nodetree.NodeTree {
	r.mu.RLock()
	id := r.identity
	subs := make([]nodetree.NodeTree, 0, len(r.connections))
	for h, c := range r.connections {
		if h == exclude || c.State() != connection.Established {
			continue
		}
		subs = append(subs, c.Subtree())
	}
	r.mu.RUnlock()
	t := nodetree.NodeTree{NodeId: id.NodeId, Root: id.Root, Subs: subs}
	t.Normalize()
	return t
}

// RoutingTable returns destination -> next-hop for the full mesh view.
func (r *Router) RoutingTable() map[ids.NodeId]ids.NodeId {
	return r.AsNodeTree().RoutingTable()
}

func (r *Router) HopCount(target ids.NodeId) uint8 {
	return r.AsNodeTree().HopCount(target)
}

func (r *Router) PathToNode(target ids.NodeId) []ids.NodeId {
	return r.AsNodeTree().PathTo(target)
}

func (r *Router) NodeList() []ids.NodeId {
	tree := r.AsNodeTree()
	var list []ids.NodeId
	var walk func(nodetree.NodeTree)
	walk = func(t nodetree.NodeTree) {
		list = append(list, t.NodeId)
		for _, s := range t.Subs {
			walk(s)
		}
	}
	walk(tree)
	return list
}
