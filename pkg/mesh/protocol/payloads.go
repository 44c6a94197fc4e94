package protocol

import "github.com/painlessmesh/gomesh/pkg/mesh/ids"

// DataPayload carries an opaque application message (spec §6 types
// 3/4).
type DataPayload struct {
	Data string `json:"data"`
}

// NodeSyncPayload carries a serialized NodeTree (spec §6 types 5/6).
// Subs is left as a generic field here; nodetree.NodeTree supplies the
// concrete shape and (de)serializes through the same JSON tags.
type NodeSyncPayload struct {
	Subs    interface{} `json:"subs"`
	Version string      `json:"version,omitempty"`
}

// TimeSyncPayload is the four-message SNTP-style exchange body (spec
// §4.I, §6 type 7/9). Type2 distinguishes request(0)/response(1)/delay(2)
// legs, mirroring painlessMesh's own on-wire numbering.
type TimeSyncPayload struct {
	Type2 int       `json:"type2"`
	Times []float64 `json:"times"`
}

const (
	TimeSyncRequest  = 0
	TimeSyncResponse = 1
	TimeSyncDelay    = 2
)

// BridgeStatusPayload is the type-610 broadcast (spec §6).
type BridgeStatusPayload struct {
	InternetConnected bool    `json:"internetConnected"`
	RouterRSSI        int8    `json:"routerRSSI"`
	RouterChannel     uint8   `json:"routerChannel"`
	Uptime            uint32  `json:"uptime"`
	GatewayIP         string  `json:"gatewayIP"`
	Timestamp         float64 `json:"timestamp"`
}

// BridgeElectionPayload is the type-611 broadcast.
type BridgeElectionPayload struct {
	RouterRSSI int8       `json:"routerRSSI"`
	Uptime     uint32     `json:"uptime"`
	FreeMemory uint32     `json:"freeMemory"`
	RouterSSID string     `json:"routerSSID"`
	NodeId     ids.NodeId `json:"nodeId"`
}

// BridgeTakeoverPayload is the type-612 broadcast.
type BridgeTakeoverPayload struct {
	PreviousBridge ids.NodeId `json:"previousBridge"`
	Reason         string     `json:"reason"`
	RouterRSSI     int8       `json:"routerRSSI"`
	Timestamp      float64    `json:"timestamp"`
}

// NTPTimeSyncPayload is the type-614 broadcast.
type NTPTimeSyncPayload struct {
	NTPTime   float64 `json:"ntpTime"`
	Accuracy  float64 `json:"accuracy"`
	Source    string  `json:"source"`
	Timestamp float64 `json:"timestamp"`
}

// GatewayDataPayload is the type-700 request (spec §6, §4.M).
type GatewayDataPayload struct {
	MessageId uint32 `json:"messageId"`
	URL       string `json:"url"`
	Payload   string `json:"payload"`
	Method    string `json:"method"`
}

// GatewayAckPayload is the type-701 reply.
type GatewayAckPayload struct {
	MessageId  uint32 `json:"messageId"`
	Success    bool   `json:"success"`
	HTTPStatus uint16 `json:"httpStatus"`
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable"`
}
