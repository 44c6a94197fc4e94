package nodetree_test

import (
	"testing"

	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/nodetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() nodetree.NodeTree {
	return nodetree.NodeTree{
		NodeId: 1,
		Root:   true,
		Subs: []nodetree.NodeTree{
			{NodeId: 3, Subs: []nodetree.NodeTree{{NodeId: 4}}},
			{NodeId: 2, Root: false},
		},
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	tree := sampleTree()
	data, err := tree.Serialize()
	require.NoError(t, err)

	parsed, err := nodetree.Parse(data)
	require.NoError(t, err)
	assert.True(t, tree.Equal(parsed))
}

func TestNormalizeSortsAndPropagatesContainsRoot(t *testing.T) {
	tree := nodetree.NodeTree{
		NodeId: 1,
		Subs: []nodetree.NodeTree{
			{NodeId: 9},
			{NodeId: 2, Subs: []nodetree.NodeTree{{NodeId: 5, Root: true}}},
		},
	}
	tree.Normalize()
	require.Len(t, tree.Subs, 2)
	assert.Equal(t, ids.NodeId(2), tree.Subs[0].NodeId)
	assert.Equal(t, ids.NodeId(9), tree.Subs[1].NodeId)
	assert.True(t, tree.ContainsRoot)
}

func TestHopCountAndPathToAgree(t *testing.T) {
	tree := sampleTree()
	for _, target := range []ids.NodeId{1, 2, 3, 4} {
		path := tree.PathTo(target)
		require.NotEmpty(t, path)
		assert.Equal(t, int(tree.HopCount(target)), len(path)-1)
		assert.Equal(t, target, path[len(path)-1])
	}
}

func TestHopCountUnreachable(t *testing.T) {
	tree := sampleTree()
	assert.Equal(t, uint8(255), tree.HopCount(999))
	assert.Nil(t, tree.PathTo(999))
}

func TestContainsAndSize(t *testing.T) {
	tree := sampleTree()
	assert.True(t, tree.Contains(4))
	assert.False(t, tree.Contains(42))
	assert.Equal(t, 4, tree.Size())
}

func TestRoutingTable(t *testing.T) {
	tree := sampleTree()
	table := tree.RoutingTable()
	assert.Equal(t, ids.NodeId(3), table[3])
	assert.Equal(t, ids.NodeId(3), table[4])
	assert.Equal(t, ids.NodeId(2), table[2])
}
