// Package station implements the station/scan state machine: channel
// auto-detection, AP selection, reconnection backoff and channel
// resync when the mesh migrates (spec §4.J). The underlying WiFi
// driver is an external collaborator (spec §1, §6); this package only
// consumes the WiFi interface below.
package station

// AP describes one access point seen in a scan (spec §6).
type AP struct {
	SSID    string
	BSSID   string
	RSSI    int8
	Channel uint8
	Hidden  bool
}

// StationStatus mirrors the WiFi driver's STA association state.
type StationStatus int

const (
	StationIdle StationStatus = iota
	StationConnecting
	StationConnected
	StationDisconnected
)

// WiFi is the consumed driver interface (spec §6 WiFi interface). A
// production implementation talks to the platform's WiFi stack; the
// Simulated type below is the test double spec §9 calls for.
type WiFi interface {
	SetMode(mode Mode)
	SoftAPStart(ssid, password string, channel uint8, hidden bool, maxConn int) error
	SoftAPStop()
	StationBegin(ssid, password string, channel uint8) error
	StationStatus() StationStatus
	ScanNetworks(passive bool, hidden bool, channel uint8) ([]AP, error)
	LocalIP() string
	RSSI() int8
	Channel() uint8
	Disconnect(persist bool)
}

// Mode is the WiFi operating mode (spec §6 set_mode(AP|STA|AP+STA)).
type Mode int

const (
	ModeAP Mode = iota
	ModeSTA
	ModeAPSTA
)
