// Package bridge implements role assignment, status dissemination,
// distributed RSSI-based election and takeover for the optional
// Internet-gateway role (spec §4.L).
package bridge

import (
	"sync"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
	"github.com/painlessmesh/gomesh/pkg/mesh/station"
)

// Role is mutually exclusive (spec §4.L).
type Role int

const (
	Regular Role = iota
	Bridge
)

func (r Role) String() string {
	if r == Bridge {
		return "Bridge"
	}
	return "Regular"
}

// Timing constants (spec §4.L, §5).
const (
	BridgeStatusInterval  = 30 * time.Second
	BridgeTimeout         = 60 * time.Second
	ElectionStartupDelay  = 60 * time.Second
	ElectionTimeout       = 5 * time.Second
	MinBridgeRSSI         = int8(-80)
	MinRoleChangeInterval = 60 * time.Second
	DeferElectionAtEmptyScans = 3
	takeoverAnnounceDelay     = 1 * time.Second
	takeoverRebroadcastDelay  = 3 * time.Second
)

// Info is the per-bridge record kept in the knownBridges table (spec §3).
type Info struct {
	NodeId            ids.NodeId
	InternetConnected bool
	RouterRSSI        int8
	RouterChannel     uint8
	Uptime            uint32
	GatewayIP         string
	LastSeen          time.Time
}

// Sender is the subset of router.Router the bridge manager needs.
type Sender interface {
	SelfId() ids.NodeId
	SendBroadcast(t ids.MessageType, priority ids.Priority, includeSelf bool, payload interface{}) error
	SetRoot(root bool)
}

// MeshBringup is supplied by the mesh core: bring the local AP+mesh up
// on the given channel, tearing down any prior mesh state first (spec
// §4.L init_as_bridge / election takeover).
type MeshBringup func(channel uint8) error

// Manager owns role state, the known-bridges table and the election
// state machine.
type Manager struct {
	mu   sync.Mutex
	role Role

	uplink    station.WiFi
	sender    Sender
	callbacks *callback.List
	sched     *scheduler.Scheduler
	log       logpkg.Logger
	bringup   MeshBringup

	routerSSID     string
	routerPassword string
	defaultChannel uint8

	knownBridges    map[ids.NodeId]Info
	lastRoleChange  time.Time
	bootTime        time.Time
	statusTask      scheduler.TaskHandle
	electionRunning bool
	electionVotes   []protocol.BridgeElectionPayload

	// FreeMemory is sampled at election time (spec §4.L tiebreak);
	// defaults to a constant if unset since Go has no direct analogue
	// to the embedded target's heap introspection.
	FreeMemory func() uint32
	// ConsecutiveEmptyScans lets the manager defer an election while
	// the station layer is mid channel-resync (spec §4.L precondition).
	ConsecutiveEmptyScans func() int
	// ScanForRouter reports the external router's visibility/RSSI, or
	// ok=false if not seen.
	ScanForRouter func() (rssi int8, ok bool)
	// OnElectionStarted, if set, is invoked each time this node nominates
	// itself and broadcasts BRIDGE_ELECTION, for metrics/observability.
	OnElectionStarted func()
	// OnTakeover, if set, is invoked each time this node announces a
	// BRIDGE_TAKEOVER after winning an election.
	OnTakeover func()
}

func NewManager(sender Sender, callbacks *callback.List, sched *scheduler.Scheduler, log logpkg.Logger, bringup MeshBringup) *Manager {
	m := &Manager{
		role:         Regular,
		sender:       sender,
		callbacks:    callbacks,
		sched:        sched,
		log:          log,
		bringup:      bringup,
		knownBridges: make(map[ids.NodeId]Info),
		bootTime:     sched.Now(),
		FreeMemory:   func() uint32 { return 1 << 16 },
	}
	m.registerHandlers()
	m.sched.AddTask(BridgeTimeout, true, m.PruneStaleBridges)
	m.sched.AddTask(ElectionStartupDelay, false, m.maybeStartElection)
	return m
}

func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// ConfigureUplink records the external AP credentials and uplink WiFi
// driver to use if this node ever becomes Bridge, either via an
// explicit InitAsBridge call or by winning an election (spec §4.L).
func (m *Manager) ConfigureUplink(uplink station.WiFi, routerSSID, routerPassword string, defaultChannel uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uplink = uplink
	m.routerSSID = routerSSID
	m.routerPassword = routerPassword
	m.defaultChannel = defaultChannel
}

// InitAsBridge is the resilient bridge-bringup entry point (spec
// §4.L). It attempts STA association with the external AP; regardless
// of success it brings the mesh up (on the detected channel if
// associated, else the default), and retries the STA association in
// the background without ever blocking mesh functionality on Internet
// availability.
func (m *Manager) InitAsBridge(uplink station.WiFi, routerSSID, routerPassword string, defaultChannel uint8) error {
	m.ConfigureUplink(uplink, routerSSID, routerPassword, defaultChannel)

	channel := defaultChannel
	if err := uplink.StationBegin(routerSSID, routerPassword, 0); err == nil {
		channel = uplink.Channel()
	} else if m.log != nil {
		m.log.Emit(logpkg.LevelStartup, "bridge uplink association deferred: %v", err)
	}

	if err := m.bringup(channel); err != nil {
		return err
	}

	m.becomeBridge()
	m.scheduleRouterRetry()
	return nil
}

func (m *Manager) scheduleRouterRetry() {
	m.sched.AddTask(ElectionStartupDelay, true, func() {
		if m.uplink.StationStatus() == station.StationConnected {
			return
		}
		m.mu.Lock()
		ssid, pw := m.routerSSID, m.routerPassword
		m.mu.Unlock()
		if err := m.uplink.StationBegin(ssid, pw, 0); err != nil && m.log != nil {
			m.log.Emit(logpkg.LevelStartup, "bridge uplink retry failed: %v", err)
		}
	})
}

func (m *Manager) becomeBridge() {
	m.mu.Lock()
	m.role = Bridge
	m.lastRoleChange = m.sched.Now()
	m.mu.Unlock()
	m.sender.SetRoot(true)
	m.registerSelf()
	m.scheduleStatusBroadcasts()
}

// registerSelf inserts/refreshes the bridge's own entry in its local
// knownBridges table (spec §4.L: bridges don't receive their own
// broadcasts, so this is the only path to self-registration).
func (m *Manager) registerSelf() {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{
		NodeId:            m.sender.SelfId(),
		InternetConnected: m.uplink != nil && m.uplink.StationStatus() == station.StationConnected,
		RouterChannel:     m.currentRouterChannelLocked(),
		LastSeen:          m.sched.Now(),
	}
	if m.uplink != nil {
		info.RouterRSSI = m.uplink.RSSI()
		info.GatewayIP = m.uplink.LocalIP()
	}
	m.knownBridges[info.NodeId] = info
}

// UplinkConnected reports whether this bridge's own Internet uplink is
// currently associated, used by the gateway server's connectivity
// pre-flight check (spec §4.M). A Regular node (no uplink configured)
// always reports false, since it has no WAN path of its own to verify.
func (m *Manager) UplinkConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uplink != nil && m.uplink.StationStatus() == station.StationConnected
}

func (m *Manager) currentRouterChannelLocked() uint8 {
	if m.uplink == nil {
		return 0
	}
	return m.uplink.Channel()
}

// GetBridges returns a snapshot of the known-bridges table.
func (m *Manager) GetBridges() map[ids.NodeId]Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ids.NodeId]Info, len(m.knownBridges))
	for k, v := range m.knownBridges {
		out[k] = v
	}
	return out
}

// GetPrimaryBridge picks the best bridge for Regular nodes to route
// gateway traffic through (spec §4.L): highest RouterRSSI among
// internet-connected, non-timed-out bridges, ties broken by lowest
// NodeId.
func (m *Manager) GetPrimaryBridge() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.sched.Now()
	var best Info
	found := false
	for _, info := range m.knownBridges {
		if !info.InternetConnected || now.Sub(info.LastSeen) >= BridgeTimeout {
			continue
		}
		if !found || info.RouterRSSI > best.RouterRSSI ||
			(info.RouterRSSI == best.RouterRSSI && info.NodeId < best.NodeId) {
			best = info
			found = true
		}
	}
	return best, found
}

// PruneStaleBridges evicts entries whose LastSeen exceeds BridgeTimeout
// (spec §3). Intended to be driven by a periodic scheduler task.
func (m *Manager) PruneStaleBridges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.sched.Now()
	for id, info := range m.knownBridges {
		if now.Sub(info.LastSeen) >= BridgeTimeout {
			delete(m.knownBridges, id)
		}
	}
}
