package bridge

import (
	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
)

// maybeStartElection runs ElectionStartupDelay after boot (spec §4.L):
// a Regular node with no reachable internet-connected bridge, the
// external router in view, and a stable scan history, nominates itself.
func (m *Manager) maybeStartElection() {
	m.mu.Lock()
	already := m.role == Bridge || m.electionRunning
	sinceChange := m.sched.Now().Sub(m.lastRoleChange)
	m.mu.Unlock()
	if already || (!m.lastRoleChange.IsZero() && sinceChange < MinRoleChangeInterval) {
		return
	}
	if _, found := m.GetPrimaryBridge(); found {
		return
	}
	if m.ConsecutiveEmptyScans != nil && m.ConsecutiveEmptyScans() >= DeferElectionAtEmptyScans {
		m.sched.AddTask(ElectionStartupDelay, false, m.maybeStartElection)
		return
	}
	rssi, ok := int8(0), true
	if m.ScanForRouter != nil {
		rssi, ok = m.ScanForRouter()
	}
	if !ok || rssi < MinBridgeRSSI {
		return
	}
	m.startElection(rssi)
}

func (m *Manager) startElection(routerRSSI int8) {
	m.mu.Lock()
	m.electionRunning = true
	self := protocol.BridgeElectionPayload{
		RouterRSSI: routerRSSI,
		Uptime:     uint32(m.sched.Now().Sub(m.bootTime).Seconds()),
		FreeMemory: m.FreeMemory(),
		RouterSSID: m.routerSSID,
		NodeId:     m.sender.SelfId(),
	}
	m.electionVotes = []protocol.BridgeElectionPayload{self}
	m.mu.Unlock()

	if m.log != nil {
		m.log.Emit(logpkg.LevelStartup, "starting bridge election, routerRSSI=%d", routerRSSI)
	}
	if m.OnElectionStarted != nil {
		m.OnElectionStarted()
	}
	if err := m.sender.SendBroadcast(ids.TypeBridgeElection, ids.High, false, self); err != nil && m.log != nil {
		m.log.Emit(logpkg.LevelStartup, "election broadcast failed: %v", err)
	}
	m.sched.AddTask(ElectionTimeout, false, m.concludeElection)
}

func (m *Manager) handleBridgeElection(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
	var vote protocol.BridgeElectionPayload
	if err := v.To(&vote); err != nil {
		return false
	}
	m.mu.Lock()
	if m.electionRunning {
		m.electionVotes = append(m.electionVotes, vote)
	}
	m.mu.Unlock()
	return true
}

// electionWinner applies the §4.L tiebreak: highest RouterRSSI, then
// longest Uptime, then highest FreeMemory, then lowest NodeId.
func electionWinner(votes []protocol.BridgeElectionPayload) protocol.BridgeElectionPayload {
	best := votes[0]
	for _, v := range votes[1:] {
		switch {
		case v.RouterRSSI != best.RouterRSSI:
			if v.RouterRSSI > best.RouterRSSI {
				best = v
			}
		case v.Uptime != best.Uptime:
			if v.Uptime > best.Uptime {
				best = v
			}
		case v.FreeMemory != best.FreeMemory:
			if v.FreeMemory > best.FreeMemory {
				best = v
			}
		case v.NodeId < best.NodeId:
			best = v
		}
	}
	return best
}

func (m *Manager) concludeElection() {
	m.mu.Lock()
	votes := m.electionVotes
	m.electionRunning = false
	m.electionVotes = nil
	self := m.sender.SelfId()
	uplink, ssid, pw, channel := m.uplink, m.routerSSID, m.routerPassword, m.defaultChannel
	m.mu.Unlock()

	if len(votes) == 0 {
		return
	}
	winner := electionWinner(votes)
	if winner.NodeId != self {
		return
	}
	if m.log != nil {
		m.log.Emit(logpkg.LevelStartup, "won bridge election, taking over")
	}
	m.sched.AddTask(takeoverAnnounceDelay, false, func() {
		m.announceTakeover(0, "election")
		if uplink != nil {
			_ = m.InitAsBridge(uplink, ssid, pw, channel)
		}
	})
}

func (m *Manager) announceTakeover(previous ids.NodeId, reason string) {
	payload := protocol.BridgeTakeoverPayload{
		PreviousBridge: previous,
		Reason:         reason,
		Timestamp:      float64(m.sched.Now().UnixNano()) / 1e9,
	}
	if m.uplink != nil {
		payload.RouterRSSI = m.uplink.RSSI()
	}
	if m.OnTakeover != nil {
		m.OnTakeover()
	}
	if err := m.sender.SendBroadcast(ids.TypeBridgeTakeover, ids.High, false, payload); err != nil && m.log != nil {
		m.log.Emit(logpkg.LevelStartup, "takeover broadcast failed: %v", err)
	}
	m.sched.AddTask(takeoverRebroadcastDelay, false, func() {
		if m.Role() == Bridge {
			if err := m.sender.SendBroadcast(ids.TypeBridgeTakeover, ids.High, false, payload); err != nil && m.log != nil {
				m.log.Emit(logpkg.LevelStartup, "takeover rebroadcast failed: %v", err)
			}
		}
	})
}

// handleBridgeTakeover lets a Regular node immediately drop a bridge
// that announced it is stepping down, instead of waiting BridgeTimeout
// for its entry to go stale (spec §4.L).
func (m *Manager) handleBridgeTakeover(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
	var takeover protocol.BridgeTakeoverPayload
	if err := v.To(&takeover); err != nil {
		return false
	}
	if takeover.PreviousBridge == ids.NoNodeId {
		return true
	}
	m.mu.Lock()
	delete(m.knownBridges, takeover.PreviousBridge)
	m.mu.Unlock()
	return true
}
