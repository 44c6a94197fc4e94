// Package mesh assembles the router, connection arena, time-sync,
// bridge and gateway subsystems behind the public surface an embedding
// application drives: Init/InitAsBridge at startup, Update on every
// cooperative tick, and Send*/On* for traffic and lifecycle events
// (spec §4.K).
package mesh

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/bridge"
	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/connection"
	"github.com/painlessmesh/gomesh/pkg/mesh/errs"
	"github.com/painlessmesh/gomesh/pkg/mesh/gateway"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	logpkg "github.com/painlessmesh/gomesh/pkg/mesh/log"
	"github.com/painlessmesh/gomesh/pkg/mesh/metrics"
	"github.com/painlessmesh/gomesh/pkg/mesh/nodetree"
	"github.com/painlessmesh/gomesh/pkg/mesh/plugin"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/painlessmesh/gomesh/pkg/mesh/queue"
	"github.com/painlessmesh/gomesh/pkg/mesh/router"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
	"github.com/painlessmesh/gomesh/pkg/mesh/station"
	"github.com/painlessmesh/gomesh/pkg/mesh/timesync"
)

// Port is the default TCP port the mesh listens/dials on, matching
// painlessMesh's own fixed mesh port convention.
const Port = 5555

// Config configures a Mesh at construction time.
type Config struct {
	SelfId   ids.NodeId
	SSID     string
	Password string
	Hidden   bool
	Port     int
	Log      logpkg.Logger
}

// Mesh is the top-level handle an embedding application holds.
type Mesh struct {
	self ids.NodeId
	port int

	ssid     string
	password string
	hidden   bool
	station  *station.Machine

	sched     *scheduler.Scheduler
	slots     *scheduler.DeletionSlots
	callbacks *callback.List
	router    *router.Router
	timesync  *timesync.Manager
	bridge    *bridge.Manager
	queue     *queue.Queue
	plugins   *plugin.Registry
	metrics   *metrics.Set
	log       logpkg.Logger

	listener net.Listener
	nextHandle connection.Handle

	onReceive          func(from ids.NodeId, data string)
	onNewConnection    func(nodeId ids.NodeId)
	onDroppedConnection func(nodeId ids.NodeId)
	onChangedConnections func()
	onNodeTimeAdjusted func(offset time.Duration)
}

// New builds a Mesh around cfg, wired but not yet listening; call Init
// or InitAsBridge to bring the network up.
func New(cfg Config) *Mesh {
	if cfg.Port == 0 {
		cfg.Port = Port
	}
	log := cfg.Log
	if log == nil {
		log = logpkg.NewDefault(nil)
	}

	m := &Mesh{
		self:      cfg.SelfId,
		port:      cfg.Port,
		ssid:      cfg.SSID,
		password:  cfg.Password,
		hidden:    cfg.Hidden,
		sched:     scheduler.New(nil),
		slots:     scheduler.NewDeletionSlots(scheduler.BaseCleanupDelay, scheduler.DeletionSpacing),
		callbacks: callback.NewList(),
		log:       log,
		metrics:   metrics.New(),
	}
	m.router = router.New(router.Identity{NodeId: cfg.SelfId, Root: false}, m.callbacks, m.sched, log)
	m.router.OnTopologyChanged = m.handleTopologyChanged
	m.router.OnNodeSyncRound = func() { m.metrics.NodeSyncRounds.Inc() }
	m.timesync = timesync.NewManager(m.sched, m.router, m.router.Connections, log, m.applyTimeAdjust)
	m.queue = queue.New(queue.DefaultMaxLen, log, m.sched.Now)
	m.queue.OnEvict = func(queue.Entry) { m.metrics.QueueEvictions.Inc() }
	m.plugins = plugin.NewRegistry(m.router, m.callbacks)
	m.bridge = bridge.NewManager(m.router, m.callbacks, m.sched, log, m.bringUpMesh)
	m.bridge.OnElectionStarted = func() { m.metrics.BridgeElections.Inc() }
	m.bridge.OnTakeover = func() { m.metrics.BridgeTakeovers.Inc() }

	m.callbacks.OnPackage(ids.TypeSingle, m.handleData)
	m.callbacks.OnPackage(ids.TypeBroadcast, m.handleData)
	m.callbacks.OnPackage(ids.TypeTimeSync, m.handleTimeSync)
	return m
}

func (m *Mesh) applyTimeAdjust(offset time.Duration) {
	m.sched.AdjustOffset(offset)
	m.metrics.TimeSyncOffsetMs.Set(float64(offset.Milliseconds()))
	if m.onNodeTimeAdjusted != nil {
		m.onNodeTimeAdjusted(offset)
	}
}

func (m *Mesh) handleData(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
	var payload protocol.DataPayload
	if err := v.To(&payload); err != nil {
		return false
	}
	if m.onReceive != nil {
		m.onReceive(v.Envelope.From, payload.Data)
	}
	return true
}

func (m *Mesh) handleTimeSync(v protocol.Variant, from callback.Connection, receivedAt int64) bool {
	if c, ok := from.(*connection.Connection); ok {
		m.timesync.HandleMessage(v, c)
	}
	return true
}

func (m *Mesh) handleTopologyChanged() {
	m.bridge.OnTopologyChanged()
	if m.onChangedConnections != nil {
		m.onChangedConnections()
	}
}

// bringUpMesh is the bridge.MeshBringup callback: (re)start the local
// AP and mark this node tree root (spec §4.L). The actual radio
// bring-up is the embedding application's concern via WiFi; here we
// just flip the routing identity, since the station package owns scan/
// AP lifecycle separately.
func (m *Mesh) bringUpMesh(channel uint8) error {
	m.router.SetRoot(true)
	return nil
}

// Init starts the mesh as a Regular (non-bridge) node: brings up the
// TCP listener and starts the station scan/connect state machine
// against wifi, dialing the selected parent once associated.
func (m *Mesh) Init(wifi station.WiFi) error {
	if err := m.listen(); err != nil {
		return err
	}
	m.station = station.NewMachine(wifi, m.sched, m.log, m.ssid, m.password, 0, m.hidden)
	m.station.NumPeers = func() int { return len(m.router.NodeList()) }
	m.station.OnConnected = func(ap station.AP) {
		addr := net.JoinHostPort(parentAddrFromLocal(wifi.LocalIP()), strconv.Itoa(m.port))
		if err := m.Connect(addr); err != nil && m.log != nil {
			m.log.Emit(logpkg.LevelConnection, "dial to selected parent failed: %v", err)
		}
	}
	m.station.Start()
	return nil
}

// InitAsBridge starts the mesh as the tree root with an Internet
// uplink (spec §4.L).
func (m *Mesh) InitAsBridge(uplink station.WiFi, routerSSID, routerPassword string, defaultChannel uint8) error {
	if err := m.listen(); err != nil {
		return err
	}
	return m.bridge.InitAsBridge(uplink, routerSSID, routerPassword, defaultChannel)
}

// parentAddrFromLocal derives the mesh parent's address from this
// node's own station IP, following the same last-octet-is-host
// convention the AP side of a SoftAP subnet always uses (its address
// is always the subnet's .1).
func parentAddrFromLocal(localIP string) string {
	idx := strings.LastIndexByte(localIP, '.')
	if idx < 0 {
		return localIP
	}
	return localIP[:idx+1] + "1"
}

func (m *Mesh) listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(m.port)))
	if err != nil {
		return errs.Wrap(errs.Infrastructure, "mesh: listen failed", err)
	}
	m.listener = ln
	go m.acceptLoop(ln)
	return nil
}

func (m *Mesh) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.adoptConnection(conn)
	}
}

// Connect dials addr and adopts the resulting socket as a new
// connection, used both for explicit peer-to-peer bring-up and by the
// station package once it selects a parent AP.
func (m *Mesh) Connect(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return errs.Wrap(errs.Infrastructure, "mesh: dial failed", err)
	}
	m.adoptConnection(conn)
	return nil
}

// adoptConnection is called from the accept/dial goroutines, outside
// the cooperative scheduler context; it only touches state the router
// and scheduler already guard with their own locks, plus the handle
// counter below (spec §5 concurrency model: arrival is async, all
// resulting state mutation is still safe to call from any goroutine
// because connection.New/router.AddConnection lock internally).
func (m *Mesh) adoptConnection(conn net.Conn) {
	handle := connection.Handle(atomic.AddUint64((*uint64)(&m.nextHandle), 1))
	sock := connection.NewTCPSocket(conn)
	c := connection.New(handle, sock, m.sched, m.slots, m.log)

	wasEstablished := false
	c.OnStateChange = func(cc *connection.Connection, from, to connection.State) {
		if to == connection.Established {
			wasEstablished = true
			m.metrics.Connections.Inc()
			if m.onNewConnection != nil {
				m.onNewConnection(cc.NodeId())
			}
			_ = m.timesync.InitiateSync(cc)
		}
	}
	c.OnClosed = func(cc *connection.Connection) {
		m.metrics.ConnectionDrops.Inc()
		if wasEstablished {
			m.metrics.Connections.Dec()
		}
		if m.onDroppedConnection != nil {
			m.onDroppedConnection(cc.NodeId())
		}
	}

	m.router.AddConnection(c)
	c.PumpRead()
	m.router.SendInitialNodeSync(c)
	m.router.TriggerNodeSync()
}

// Shutdown closes the listener and every connection, terminating their
// background reader goroutines. Connection deletion itself stays
// deferred through the normal scheduler path (spec §4.F), so callers
// that need OnClosed to fire for each connection should call Update
// again afterward.
func (m *Mesh) Shutdown() error {
	if m.listener != nil {
		_ = m.listener.Close()
	}
	for _, c := range m.router.Connections() {
		c.Close(true)
	}
	return nil
}

// Update drives one cooperative scheduling tick: runs any due timers,
// and flushes every connection's outbound buffer. The embedding
// application calls this from its main loop (spec §4.K, mirroring
// painlessMesh's own Update()).
func (m *Mesh) Update() {
	m.sched.Update()
	for _, c := range m.router.Connections() {
		c.PumpRead()
		if err := c.PumpWrite(); err != nil && m.log != nil {
			m.log.Emit(logpkg.LevelConnection, "pump write failed on connection %d: %v", c.Handle(), err)
		}
	}
	if n := m.queue.Flush(m.router); n > 0 {
		m.metrics.QueueDepth.Set(float64(m.queue.Stats().Len))
	}
}

// SendBroadcast floods an opaque application payload mesh-wide (spec
// §4.K, §6 type 4).
func (m *Mesh) SendBroadcast(data string, priority ids.Priority) error {
	err := m.router.SendBroadcast(ids.TypeBroadcast, priority, false, protocol.DataPayload{Data: data})
	m.recordSend(priority, err)
	return err
}

// SendSingle sends an opaque application payload to one node (spec
// §4.K, §6 type 3). If delivery fails because the node is currently
// unreachable, the message is queued for later flush instead of lost.
func (m *Mesh) SendSingle(dest ids.NodeId, data string, priority ids.Priority) error {
	err := m.router.SendSingle(dest, ids.TypeSingle, priority, protocol.DataPayload{Data: data})
	if err != nil {
		if payload, merr := json.Marshal(protocol.DataPayload{Data: data}); merr == nil {
			m.queue.Enqueue(queue.Entry{Dest: dest, Type: ids.TypeSingle, Priority: priority, Payload: payload})
		}
	}
	m.recordSend(priority, err)
	return err
}

func (m *Mesh) recordSend(priority ids.Priority, err error) {
	if err != nil {
		m.metrics.MessagesDropped.WithLabelValues(classifyDropReason(err)).Inc()
		return
	}
	m.metrics.MessagesSent.WithLabelValues(priority.String()).Inc()
}

func classifyDropReason(err error) string {
	var kindErr *errs.Error
	if as, ok := err.(*errs.Error); ok {
		kindErr = as
	}
	if kindErr == nil {
		return "unknown"
	}
	return kindErr.K.String()
}

// OnReceive registers the handler invoked for every inbound single/
// broadcast application message.
func (m *Mesh) OnReceive(fn func(from ids.NodeId, data string)) { m.onReceive = fn }

// OnNewConnection registers the handler invoked once a connection
// reaches Established.
func (m *Mesh) OnNewConnection(fn func(nodeId ids.NodeId)) { m.onNewConnection = fn }

// OnDroppedConnection registers the handler invoked once a connection
// is fully closed.
func (m *Mesh) OnDroppedConnection(fn func(nodeId ids.NodeId)) { m.onDroppedConnection = fn }

// OnChangedConnections registers the handler invoked whenever the
// local routing tree changes shape.
func (m *Mesh) OnChangedConnections(fn func()) { m.onChangedConnections = fn }

// OnNodeTimeAdjusted registers the handler invoked whenever the shared
// mesh clock offset is updated by a time-sync exchange.
func (m *Mesh) OnNodeTimeAdjusted(fn func(offset time.Duration)) { m.onNodeTimeAdjusted = fn }

// GetNodeId returns the local node's identifier.
func (m *Mesh) GetNodeId() ids.NodeId { return m.self }

// GetNodeList returns every node currently reachable through the tree.
func (m *Mesh) GetNodeList() []ids.NodeId { return m.router.NodeList() }

// GetNodeTime returns the local node's current mesh-synchronized time,
// in microseconds, mirroring painlessMesh's own getNodeTime().
func (m *Mesh) GetNodeTime() int64 { return m.sched.Now().UnixMicro() }

// AsNodeTree returns the local node's view of the full mesh tree.
func (m *Mesh) AsNodeTree() nodetree.NodeTree { return m.router.AsNodeTree() }

// GetRoutingTable returns the next-hop table used for single-message
// forwarding.
func (m *Mesh) GetRoutingTable() map[ids.NodeId]ids.NodeId { return m.router.RoutingTable() }

// GetPathTo returns the full root-relative path to target.
func (m *Mesh) GetPathTo(target ids.NodeId) []ids.NodeId { return m.router.PathToNode(target) }

// GetHopCount returns the number of hops to target.
func (m *Mesh) GetHopCount(target ids.NodeId) uint8 { return m.router.HopCount(target) }

// Plugins exposes the custom-message-type registry.
func (m *Mesh) Plugins() *plugin.Registry { return m.plugins }

// Bridge exposes the bridge role manager.
func (m *Mesh) Bridge() *bridge.Manager { return m.bridge }

// Metrics exposes the Prometheus collector set for registration by the
// embedding application.
func (m *Mesh) Metrics() *metrics.Set { return m.metrics }

// NewGatewayServer wires a bridge-side GATEWAY_DATA responder backed
// by client.
func (m *Mesh) NewGatewayServer(client gateway.HTTPDoer) *gateway.Server {
	s := gateway.NewServer(m.router, client, m.bridge.UplinkConnected, m.callbacks, m.log)
	s.OnRequestHandled = func(outcome gateway.Outcome, latency time.Duration) {
		label := "failed"
		if outcome.Success {
			label = "success"
		} else if outcome.Retryable {
			label = "retryable"
		}
		m.metrics.GatewayRequests.WithLabelValues(label).Inc()
		m.metrics.GatewayLatencyMs.Observe(float64(latency.Milliseconds()))
	}
	return s
}

// NewGatewayClient wires a Regular-node GATEWAY_DATA requester that
// resolves its bridge via the bridge manager's primary-bridge lookup.
func (m *Mesh) NewGatewayClient() *gateway.Client {
	lookup := func() (ids.NodeId, bool) {
		info, ok := m.bridge.GetPrimaryBridge()
		return info.NodeId, ok
	}
	c := gateway.NewClient(m.router, lookup, m.sched, m.callbacks, m.log)
	c.OnRequestComplete = func(outcome string, latency time.Duration) {
		m.metrics.GatewayRequests.WithLabelValues(outcome).Inc()
		m.metrics.GatewayLatencyMs.Observe(float64(latency.Milliseconds()))
	}
	return c
}
