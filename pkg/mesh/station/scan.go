package station

import (
	"time"

	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
)

// ScanState is one of the station/scan state machine's states (spec §4.J).
type ScanState int

const (
	Scanning ScanState = iota
	Connecting
	Connected
	WaitingForChannel
	ChannelResyncing
)

func (s ScanState) String() string {
	switch s {
	case Scanning:
		return "Scanning"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case WaitingForChannel:
		return "WaitingForChannel"
	case ChannelResyncing:
		return "ChannelResyncing"
	default:
		return "Unknown"
	}
}

const (
	// ScanInterval is the default period between scans for better
	// parents (spec §4.J), halved when NumPeers() == 0.
	ScanInterval = 30 * time.Second
	// EmptyScanThreshold is how many consecutive empty scans trigger
	// a full-channel resync.
	EmptyScanThreshold = 6
	// ReconnectBaseBackoff/MaxBackoff/AttemptCap govern reconnection
	// on link loss.
	ReconnectBaseBackoff = 1 * time.Second
	ReconnectMaxBackoff  = 16 * time.Second
	ReconnectAttemptCap  = 6

	apRestartSettleDelay  = 200 * time.Millisecond
	apRestartStabilizeGap = 100 * time.Millisecond
)

// Machine drives the station scan/reconnect state machine against a
// WiFi driver.
type Machine struct {
	wifi  WiFi
	sched *scheduler.Scheduler
	log   logpkg.Logger

	meshSSID     string
	meshPassword string
	hidden       bool

	state              ScanState
	meshChannel        uint8
	consecutiveEmpty   int
	reconnectAttempt   int
	scanTask           scheduler.TaskHandle

	// NumPeers reports the current count of Established connections,
	// used to halve the scan interval when the node is isolated.
	NumPeers func() int
	// LoopCheck reports whether connecting to ap would create a
	// routing loop (ap's advertised subtree already contains this
	// node). Nil means "assume no loop" (spec §4.J selection policy).
	LoopCheck func(ap AP) bool
	// OnConnected fires once StationBegin succeeds.
	OnConnected func(ap AP)
	// OnChannelChanged fires when meshChannel is updated by a resync.
	OnChannelChanged func(newChannel uint8)
}

// NewMachine builds a Machine. If channel is 0, the first scan will
// auto-detect the mesh's channel (spec §4.J).
func NewMachine(wifi WiFi, sched *scheduler.Scheduler, log logpkg.Logger, ssid, password string, channel uint8, hidden bool) *Machine {
	m := &Machine{
		wifi:         wifi,
		sched:        sched,
		log:          log,
		meshSSID:     ssid,
		meshPassword: password,
		hidden:       hidden,
		state:        Scanning,
		meshChannel:  channel,
	}
	return m
}

func (m *Machine) State() ScanState    { return m.state }
func (m *Machine) MeshChannel() uint8  { return m.meshChannel }
func (m *Machine) ConsecutiveEmptyScans() int { return m.consecutiveEmpty }

// Start performs the initial scan (full 1-13 if meshChannel is 0) and
// schedules the recurring scan task.
func (m *Machine) Start() {
	if m.meshChannel == 0 {
		m.fullScanAndSelectChannel()
	}
	m.scheduleNextScan()
}

func (m *Machine) scheduleNextScan() {
	interval := ScanInterval
	if m.NumPeers != nil && m.NumPeers() == 0 {
		interval /= 2
	}
	m.scanTask = m.sched.AddTask(interval, false, m.runScan)
}

// fullScanAndSelectChannel implements the channel auto-detect on start
// (spec §4.J): scan channels 1-13, pick the first matching mesh AP's
// channel, else default to 1.
func (m *Machine) fullScanAndSelectChannel() {
	for ch := uint8(1); ch <= 13; ch++ {
		aps, err := m.wifi.ScanNetworks(false, m.hidden, ch)
		if err != nil {
			continue
		}
		if ap, ok := m.pickBest(aps); ok {
			m.meshChannel = ap.Channel
			return
		}
	}
	m.meshChannel = 1
}

// pickBest applies the §4.J selection policy: among APs matching the
// mesh SSID (or any AP if hidden), prefer one that doesn't already
// contain this node (loop avoidance); among the rest, highest RSSI.
func (m *Machine) pickBest(aps []AP) (AP, bool) {
	var candidates []AP
	for _, ap := range aps {
		if !m.hidden && ap.SSID != m.meshSSID {
			continue
		}
		candidates = append(candidates, ap)
	}
	if len(candidates) == 0 {
		return AP{}, false
	}

	var loopFree []AP
	for _, ap := range candidates {
		if m.LoopCheck == nil || !m.LoopCheck(ap) {
			loopFree = append(loopFree, ap)
		}
	}
	pool := candidates
	if len(loopFree) > 0 {
		pool = loopFree
	}

	best := pool[0]
	for _, ap := range pool[1:] {
		if ap.RSSI > best.RSSI {
			best = ap
		}
	}
	return best, true
}

// runScan performs a periodic scan for better parents (spec §4.J).
// consecutiveEmpty tracks scans that find no matching AP, not merely
// scans that return no APs at all: a scan can come back with other
// networks visible and still be "empty" for mesh-parent purposes.
func (m *Machine) runScan() {
	aps, err := m.wifi.ScanNetworks(false, m.hidden, m.meshChannel)
	connected := m.wifi.StationStatus() == StationConnected

	var best AP
	ok := false
	if err == nil {
		best, ok = m.pickBest(aps)
	}

	if !ok {
		if !connected {
			m.recordEmptyScan()
			if m.consecutiveEmpty >= EmptyScanThreshold {
				m.resyncChannel()
				m.scheduleNextScan()
				return
			}
		}
		m.scheduleNextScan()
		return
	}

	m.consecutiveEmpty = 0
	if !connected {
		m.connect(best)
	}
	m.scheduleNextScan()
}

func (m *Machine) recordEmptyScan() {
	m.consecutiveEmpty++
	if m.log != nil {
		m.log.Emit(logpkg.LevelConnection, "empty scan %d/%d on channel %d", m.consecutiveEmpty, EmptyScanThreshold, m.meshChannel)
	}
}

// resyncChannel implements the EMPTY_SCAN_THRESHOLD / ChannelResyncing
// transition (spec §4.J, §8 S6): full all-channel scan; if the mesh is
// found elsewhere, update meshChannel and restart the AP with the
// settle/stabilize delays.
func (m *Machine) resyncChannel() {
	m.state = ChannelResyncing
	var found *AP
	for ch := uint8(1); ch <= 13; ch++ {
		aps, err := m.wifi.ScanNetworks(false, m.hidden, ch)
		if err != nil {
			continue
		}
		if ap, ok := m.pickBest(aps); ok {
			apCopy := ap
			found = &apCopy
			break
		}
	}
	if found == nil || found.Channel == m.meshChannel {
		m.state = Scanning
		return
	}

	newChannel := found.Channel
	m.wifi.SoftAPStop()
	m.sched.AddTask(apRestartSettleDelay, false, func() {
		m.meshChannel = newChannel
		_ = m.wifi.SoftAPStart(m.meshSSID, m.meshPassword, newChannel, m.hidden, 0)
		m.sched.AddTask(apRestartStabilizeGap, false, func() {
			m.consecutiveEmpty = 0
			m.state = Scanning
			if m.OnChannelChanged != nil {
				m.OnChannelChanged(newChannel)
			}
		})
	})
}

// connect attempts StationBegin against ap with exponential backoff on
// failure, capped per spec §4.J.
func (m *Machine) connect(ap AP) {
	m.state = Connecting
	if err := m.wifi.StationBegin(m.meshSSID, m.meshPassword, ap.Channel); err != nil {
		m.reconnectAttempt++
		if m.reconnectAttempt > ReconnectAttemptCap {
			m.reconnectAttempt = 0
			m.state = Scanning
			m.sched.AddTask(ScanInterval, false, m.runScan)
			return
		}
		backoff := ReconnectBaseBackoff << uint(m.reconnectAttempt-1)
		if backoff > ReconnectMaxBackoff {
			backoff = ReconnectMaxBackoff
		}
		m.state = WaitingForChannel
		m.sched.AddTask(backoff, false, func() { m.connect(ap) })
		return
	}
	m.reconnectAttempt = 0
	m.state = Connected
	if m.OnConnected != nil {
		m.OnConnected(ap)
	}
}
