package station_test

import (
	"testing"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
	"github.com/painlessmesh/gomesh/pkg/mesh/station"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedStationBeginConnectsToMatchingAP(t *testing.T) {
	sim := station.NewSimulated()
	sim.World = []station.AP{{SSID: "mesh", Channel: 6, RSSI: -40}}

	require.NoError(t, sim.StationBegin("mesh", "pw", 0))
	assert.Equal(t, station.StationConnected, sim.StationStatus())
	assert.Equal(t, uint8(6), sim.Channel())
	assert.Equal(t, "10.0.6.2", sim.LocalIP())
}

func TestSimulatedStationBeginFailsWithNoMatch(t *testing.T) {
	sim := station.NewSimulated()
	sim.World = []station.AP{{SSID: "other", Channel: 6}}

	err := sim.StationBegin("mesh", "pw", 0)
	assert.Error(t, err)
	assert.Equal(t, station.StationDisconnected, sim.StationStatus())
}

func TestSimulatedScanNetworksFiltersByChannelAndHidden(t *testing.T) {
	sim := station.NewSimulated()
	sim.World = []station.AP{
		{SSID: "mesh", Channel: 1, RSSI: -50},
		{SSID: "mesh", Channel: 6, RSSI: -60},
		{SSID: "secret", Channel: 1, RSSI: -70, Hidden: true},
	}

	aps, err := sim.ScanNetworks(false, false, 1)
	require.NoError(t, err)
	require.Len(t, aps, 1)
	assert.Equal(t, "mesh", aps[0].SSID)
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time     { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newMachineWithWorld(t *testing.T, world []station.AP) (*station.Machine, *station.Simulated, *scheduler.Scheduler, *testClock) {
	t.Helper()
	sim := station.NewSimulated()
	sim.World = world
	clock := &testClock{now: time.Unix(1000, 0)}
	sched := scheduler.New(clock.Now)
	m := station.NewMachine(sim, sched, nil, "mesh", "pw", 6, false)
	return m, sim, sched, clock
}

func TestRunScanConnectsToBestMatchingAP(t *testing.T) {
	m, sim, sched, clock := newMachineWithWorld(t, []station.AP{
		{SSID: "mesh", Channel: 6, RSSI: -80},
		{SSID: "mesh", Channel: 6, RSSI: -30},
	})

	var connected station.AP
	m.OnConnected = func(ap station.AP) { connected = ap }
	m.Start()

	clock.Advance(station.ScanInterval + time.Second)
	sched.Update()

	assert.Equal(t, station.Connected, m.State())
	assert.Equal(t, int8(-30), connected.RSSI)
	assert.Equal(t, station.StationConnected, sim.StationStatus())
}

func TestRunScanSkipsLoopCausingAP(t *testing.T) {
	m, _, sched, clock := newMachineWithWorld(t, []station.AP{
		{SSID: "mesh", Channel: 6, RSSI: -30, BSSID: "02:00:00:00:00:0a"},
		{SSID: "mesh", Channel: 6, RSSI: -80, BSSID: "02:00:00:00:00:0b"},
	})
	m.LoopCheck = func(ap station.AP) bool { return ap.BSSID == "02:00:00:00:00:0a" }

	var connected station.AP
	m.OnConnected = func(ap station.AP) { connected = ap }
	m.Start()

	clock.Advance(station.ScanInterval + time.Second)
	sched.Update()

	assert.Equal(t, "02:00:00:00:00:0b", connected.BSSID)
}

func TestEmptyScanAccumulatesConsecutiveCount(t *testing.T) {
	m, _, sched, clock := newMachineWithWorld(t, nil)
	m.Start()

	clock.Advance(station.ScanInterval + time.Second)
	sched.Update()

	assert.Equal(t, 1, m.ConsecutiveEmptyScans())
}

func TestScanWithOnlyNonMatchingAPsAccumulatesConsecutiveCount(t *testing.T) {
	m, _, sched, clock := newMachineWithWorld(t, []station.AP{
		{SSID: "someone-elses-wifi", Channel: 6, RSSI: -40},
	})
	m.Start()

	clock.Advance(station.ScanInterval + time.Second)
	sched.Update()

	assert.Equal(t, 1, m.ConsecutiveEmptyScans(), "a scan returning only non-matching APs must still count as empty for the mesh-parent search")
}
