package station

import (
	"fmt"
	"sync"

	"github.com/painlessmesh/gomesh/pkg/mesh/errs"
)

// Simulated is a WiFi test double without any real radio: channel-
// selectable AP start, STA association and scans over the APs listed
// in World. ScanNetworks completes synchronously, and each AP's RSSI
// and BSSID are taken from its World entry; none are generated.
type Simulated struct {
	mu sync.Mutex

	mode    Mode
	apUp    bool
	apChan  uint8
	apSSID  string
	apHidden bool

	status     StationStatus
	staSSID    string
	staChannel uint8
	localIP    string
	rssi       int8

	// World is the set of APs visible to this simulated radio,
	// populated by the test harness to model topology.
	World []AP
}

func NewSimulated() *Simulated {
	return &Simulated{status: StationIdle}
}

func (s *Simulated) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

func (s *Simulated) SoftAPStart(ssid, password string, channel uint8, hidden bool, maxConn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apUp = true
	s.apChan = channel
	s.apSSID = ssid
	s.apHidden = hidden
	return nil
}

func (s *Simulated) SoftAPStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apUp = false
}

func (s *Simulated) StationBegin(ssid, password string, channel uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ap := range s.World {
		if ap.SSID == ssid && (channel == 0 || ap.Channel == channel) {
			s.status = StationConnected
			s.staSSID = ssid
			s.staChannel = ap.Channel
			s.rssi = ap.RSSI
			s.localIP = fmt.Sprintf("10.0.%d.2", ap.Channel)
			return nil
		}
	}
	s.status = StationDisconnected
	return errs.Wrap(errs.Infrastructure, "no matching access point", nil)
}

func (s *Simulated) StationStatus() StationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ScanNetworks round-trips every visible AP through encodeBeacon /
// decodeBeacon so the scan path exercises real 802.11 frame
// (de)serialization instead of handing back the World slice directly.
func (s *Simulated) ScanNetworks(passive bool, hidden bool, channel uint8) ([]AP, error) {
	s.mu.Lock()
	world := append([]AP(nil), s.World...)
	s.mu.Unlock()

	var out []AP
	for _, ap := range world {
		if channel != 0 && ap.Channel != channel {
			continue
		}
		if ap.Hidden && !hidden {
			continue
		}
		frame, err := encodeBeacon(ap)
		if err != nil {
			return nil, err
		}
		out = append(out, decodeBeacon(frame, ap.RSSI))
	}
	return out, nil
}

func (s *Simulated) LocalIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localIP
}

func (s *Simulated) RSSI() int8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rssi
}

func (s *Simulated) Channel() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StationConnected {
		return s.staChannel
	}
	return s.apChan
}

func (s *Simulated) Disconnect(persist bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StationDisconnected
	s.localIP = ""
}
