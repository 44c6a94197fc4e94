package bridge

import (
	"testing"

	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/stretchr/testify/assert"
)

func TestElectionWinnerPrefersHigherRSSI(t *testing.T) {
	votes := []protocol.BridgeElectionPayload{
		{NodeId: 1, RouterRSSI: -70, Uptime: 10, FreeMemory: 100},
		{NodeId: 2, RouterRSSI: -40, Uptime: 5, FreeMemory: 50},
	}
	winner := electionWinner(votes)
	assert.Equal(t, ids.NodeId(2), winner.NodeId)
}

func TestElectionWinnerFallsBackToUptimeOnRSSITie(t *testing.T) {
	votes := []protocol.BridgeElectionPayload{
		{NodeId: 1, RouterRSSI: -50, Uptime: 10, FreeMemory: 100},
		{NodeId: 2, RouterRSSI: -50, Uptime: 99, FreeMemory: 50},
	}
	winner := electionWinner(votes)
	assert.Equal(t, ids.NodeId(2), winner.NodeId)
}

func TestElectionWinnerFallsBackToFreeMemoryOnRSSIAndUptimeTie(t *testing.T) {
	votes := []protocol.BridgeElectionPayload{
		{NodeId: 1, RouterRSSI: -50, Uptime: 10, FreeMemory: 100},
		{NodeId: 2, RouterRSSI: -50, Uptime: 10, FreeMemory: 500},
	}
	winner := electionWinner(votes)
	assert.Equal(t, ids.NodeId(2), winner.NodeId)
}

func TestElectionWinnerFallsBackToLowestNodeIdOnFullTie(t *testing.T) {
	votes := []protocol.BridgeElectionPayload{
		{NodeId: 5, RouterRSSI: -50, Uptime: 10, FreeMemory: 100},
		{NodeId: 2, RouterRSSI: -50, Uptime: 10, FreeMemory: 100},
		{NodeId: 9, RouterRSSI: -50, Uptime: 10, FreeMemory: 100},
	}
	winner := electionWinner(votes)
	assert.Equal(t, ids.NodeId(2), winner.NodeId)
}

func TestElectionWinnerSingleVoteWins(t *testing.T) {
	votes := []protocol.BridgeElectionPayload{
		{NodeId: 7, RouterRSSI: -60, Uptime: 1, FreeMemory: 1},
	}
	winner := electionWinner(votes)
	assert.Equal(t, ids.NodeId(7), winner.NodeId)
}
