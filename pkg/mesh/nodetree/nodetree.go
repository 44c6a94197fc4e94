// Package nodetree implements the serializable subtree descriptor
// (spec §3 NodeTree, §4.G). A NodeTree is a peer's recursive view of
// everything reachable through it.
package nodetree

import (
	"encoding/json"
	"sort"

	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
)

// NodeTree is the recursive descriptor. Subs holds each child exactly
// once, kept sorted by NodeId after Normalize.
type NodeTree struct {
	NodeId       ids.NodeId `json:"nodeId"`
	Root         bool       `json:"root"`
	ContainsRoot bool       `json:"containsRoot"`
	Subs         []NodeTree `json:"subs"`
}

// Normalize recomputes ContainsRoot bottom-up and sorts Subs by NodeId,
// recursively, restoring the two invariants from spec §3.
func (t *NodeTree) Normalize() {
	containsRoot := t.Root
	for i := range t.Subs {
		t.Subs[i].Normalize()
		if t.Subs[i].ContainsRoot {
			containsRoot = true
		}
	}
	t.ContainsRoot = containsRoot
	sort.Slice(t.Subs, func(i, j int) bool { return t.Subs[i].NodeId < t.Subs[j].NodeId })
}

// Serialize marshals the (normalized) tree to JSON.
func (t NodeTree) Serialize() ([]byte, error) {
	t.Normalize()
	return json.Marshal(t)
}

// Parse unmarshals and normalizes a NodeTree from JSON.
func Parse(data []byte) (NodeTree, error) {
	var t NodeTree
	if err := json.Unmarshal(data, &t); err != nil {
		return NodeTree{}, err
	}
	t.Normalize()
	return t, nil
}

// Equal compares two trees by normalized, canonical form (spec §3).
func (t NodeTree) Equal(other NodeTree) bool {
	a, b := t, other
	a.Normalize()
	b.Normalize()
	return equalNormalized(a, b)
}

func equalNormalized(a, b NodeTree) bool {
	if a.NodeId != b.NodeId || a.Root != b.Root || a.ContainsRoot != b.ContainsRoot {
		return false
	}
	if len(a.Subs) != len(b.Subs) {
		return false
	}
	for i := range a.Subs {
		if !equalNormalized(a.Subs[i], b.Subs[i]) {
			return false
		}
	}
	return true
}

// Contains reports whether nodeId appears anywhere in the tree.
func (t NodeTree) Contains(nodeId ids.NodeId) bool {
	if t.NodeId == nodeId {
		return true
	}
	for _, s := range t.Subs {
		if s.Contains(nodeId) {
			return true
		}
	}
	return false
}

// Size returns the total number of nodes in the tree, including self.
func (t NodeTree) Size() int {
	n := 1
	for _, s := range t.Subs {
		n += s.Size()
	}
	return n
}

// unreachable is the hop_count sentinel for a target not in the tree.
const unreachable = 255

// HopCount returns the BFS distance from the tree's root to target: 0
// if target is the root itself, 255 if unreachable.
func (t NodeTree) HopCount(target ids.NodeId) uint8 {
	if t.NodeId == target {
		return 0
	}
	dist, ok := bfsDistances(t)[target]
	if !ok {
		return unreachable
	}
	return dist
}

// PathTo returns the node sequence from the tree's root to target,
// inclusive of both ends; empty if unreachable. Because both ends are
// included, len(PathTo(x)) == HopCount(x)+1 for every reachable x.
func (t NodeTree) PathTo(target ids.NodeId) []ids.NodeId {
	if t.NodeId == target {
		return []ids.NodeId{t.NodeId}
	}
	parent := make(map[ids.NodeId]ids.NodeId)
	type qitem struct {
		node   NodeTree
		parent ids.NodeId
	}
	queue := []qitem{{t, ids.NoNodeId}}
	found := false
	visited := map[ids.NodeId]bool{t.NodeId: true}
	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]
		if cur.node.NodeId != t.NodeId {
			parent[cur.node.NodeId] = cur.parent
		}
		if cur.node.NodeId == target {
			found = true
			break
		}
		for _, child := range cur.node.Subs {
			if visited[child.NodeId] {
				continue
			}
			visited[child.NodeId] = true
			queue = append(queue, qitem{child, cur.node.NodeId})
		}
	}
	if !found {
		return nil
	}
	var path []ids.NodeId
	cur := target
	for cur != t.NodeId {
		path = append([]ids.NodeId{cur}, path...)
		p, ok := parent[cur]
		if !ok {
			return nil
		}
		cur = p
	}
	path = append([]ids.NodeId{t.NodeId}, path...)
	return path
}

// bfsDistances returns, for every node in t other than the root, its
// BFS distance from the root.
func bfsDistances(t NodeTree) map[ids.NodeId]uint8 {
	dist := map[ids.NodeId]uint8{}
	type qitem struct {
		node NodeTree
		d    uint8
	}
	queue := []qitem{{t, 0}}
	visited := map[ids.NodeId]bool{t.NodeId: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range cur.node.Subs {
			if visited[child.NodeId] {
				continue
			}
			visited[child.NodeId] = true
			dist[child.NodeId] = cur.d + 1
			queue = append(queue, qitem{child, cur.d + 1})
		}
	}
	return dist
}

// RoutingTable flattens the tree into a destination -> next-hop map,
// where next-hop is the immediate child subtree containing destination
// (spec §4.G).
func (t NodeTree) RoutingTable() map[ids.NodeId]ids.NodeId {
	table := map[ids.NodeId]ids.NodeId{}
	for _, child := range t.Subs {
		fillRoutingTable(child, child.NodeId, table)
	}
	return table
}

func fillRoutingTable(t NodeTree, nextHop ids.NodeId, table map[ids.NodeId]ids.NodeId) {
	table[t.NodeId] = nextHop
	for _, child := range t.Subs {
		fillRoutingTable(child, nextHop, table)
	}
}
