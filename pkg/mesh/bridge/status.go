package bridge

import (
	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/painlessmesh/gomesh/pkg/mesh/station"
)

// registerHandlers subscribes the manager to the three bridge message
// types regardless of local role: a Regular node tracks Bridge Info to
// pick a gateway and to decide whether an election is needed. A Bridge
// node records other bridges in the same table but does not act on
// them: two nodes can hold the Bridge role at the same time, and
// neither steps down on learning of the other.
func (m *Manager) registerHandlers() {
	m.callbacks.OnPackage(ids.TypeBridgeStatus, m.handleBridgeStatus)
	m.callbacks.OnPackage(ids.TypeBridgeElection, m.handleBridgeElection)
	m.callbacks.OnPackage(ids.TypeBridgeTakeover, m.handleBridgeTakeover)
}

func (m *Manager) handleBridgeStatus(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
	var status protocol.BridgeStatusPayload
	if err := v.To(&status); err != nil {
		return false
	}
	m.mu.Lock()
	m.knownBridges[v.Envelope.From] = Info{
		NodeId:            v.Envelope.From,
		InternetConnected: status.InternetConnected,
		RouterRSSI:        status.RouterRSSI,
		RouterChannel:     status.RouterChannel,
		Uptime:            status.Uptime,
		GatewayIP:         status.GatewayIP,
		LastSeen:          m.sched.Now(),
	}
	m.mu.Unlock()
	return true
}

// scheduleStatusBroadcasts starts the periodic BRIDGE_STATUS broadcast
// (spec §4.L): every BridgeStatusInterval, plus immediately whenever
// the routing table changes (OnTopologyChanged is wired by the caller
// that owns the router).
func (m *Manager) scheduleStatusBroadcasts() {
	m.broadcastStatus()
	m.statusTask = m.sched.AddTask(BridgeStatusInterval, true, m.broadcastStatus)
}

func (m *Manager) broadcastStatus() {
	m.mu.Lock()
	if m.role != Bridge {
		m.mu.Unlock()
		return
	}
	connected := m.uplink != nil && m.uplink.StationStatus() == station.StationConnected
	payload := protocol.BridgeStatusPayload{
		InternetConnected: connected,
		Uptime:            uint32(m.sched.Now().Sub(m.bootTime).Seconds()),
	}
	if m.uplink != nil {
		payload.RouterRSSI = m.uplink.RSSI()
		payload.RouterChannel = m.uplink.Channel()
		payload.GatewayIP = m.uplink.LocalIP()
	}
	m.mu.Unlock()

	if err := m.sender.SendBroadcast(ids.TypeBridgeStatus, ids.High, false, payload); err != nil && m.log != nil {
		m.log.Emit(logpkg.LevelConnection, "bridge status broadcast failed: %v", err)
	}
	m.registerSelf()
}

// OnTopologyChanged should be wired to router.Router.OnTopologyChanged
// so a freshly attached subtree learns this node's bridge status
// without waiting for the next periodic tick (spec §4.L).
func (m *Manager) OnTopologyChanged() {
	if m.Role() == Bridge {
		m.broadcastStatus()
	}
}
