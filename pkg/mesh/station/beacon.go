package station

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// encodeBeacon renders a synthetic 802.11 management beacon frame for
// ap, using gopacket/layers the same way facebook-time's tooling builds
// and decodes wire-level frames elsewhere in the pack. The Simulated
// WiFi double below scans by decoding these instead of handing back
// bare structs, so the scan path exercises real frame (de)serialization.
func encodeBeacon(ap AP) ([]byte, error) {
	bssid, err := net.ParseMAC(ap.BSSID)
	if err != nil {
		bssid = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	dot11 := layers.Dot11{
		Type:     layers.Dot11TypeMgmtBeacon,
		Address1: bssid,
		Address2: bssid,
		Address3: bssid,
	}
	beacon := layers.Dot11MgmtBeacon{
		Interval: 100,
	}
	ssidBytes := []byte(ap.SSID)
	if ap.Hidden {
		ssidBytes = nil
	}
	ie := layers.Dot11InformationElement{
		ID:     layers.Dot11InformationElementIDSSID,
		Length: uint8(len(ssidBytes)),
		Info:   ssidBytes,
	}
	chanIE := layers.Dot11InformationElement{
		ID:     layers.Dot11InformationElementIDDSSet,
		Length: 1,
		Info:   []byte{ap.Channel},
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &dot11, &beacon, &ie, &chanIE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeBeacon recovers the AP fields carried in a frame built by
// encodeBeacon, plus the measured RSSI supplied out of band (RSSI is
// not part of the 802.11 frame itself; it is a radiotap/driver
// property, here simply threaded through by the caller).
func decodeBeacon(frame []byte, rssi int8) AP {
	packet := gopacket.NewPacket(frame, layers.LayerTypeDot11, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ap := AP{RSSI: rssi}

	if dot11Layer := packet.Layer(layers.LayerTypeDot11); dot11Layer != nil {
		if dot11, ok := dot11Layer.(*layers.Dot11); ok {
			ap.BSSID = dot11.Address3.String()
		}
	}
	for _, l := range packet.Layers() {
		ie, ok := l.(*layers.Dot11InformationElement)
		if !ok {
			continue
		}
		switch ie.ID {
		case layers.Dot11InformationElementIDSSID:
			ap.SSID = string(ie.Info)
			ap.Hidden = len(ie.Info) == 0
		case layers.Dot11InformationElementIDDSSet:
			if len(ie.Info) > 0 {
				ap.Channel = ie.Info[0]
			}
		}
	}
	return ap
}
