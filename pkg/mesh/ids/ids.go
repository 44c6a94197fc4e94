// Package ids defines the small value types shared across the mesh:
// node identifiers, message priorities, message type tags and the
// three routing disciplines.
package ids

// NodeId uniquely identifies a node in the mesh. It is derived from
// the station's MAC address by the embedding application. Zero means
// "no node" / "unknown peer".
type NodeId uint32

// NoNodeId is the reserved "none" identifier.
const NoNodeId NodeId = 0

// ProtocolVersion is this build's NODE_SYNC wire version, compared with
// a peer's advertised version using semantic-version rules (a peer on a
// newer minor/patch release is still compatible; a newer major release
// is not) rather than bare string/integer equality.
const ProtocolVersion = "1.1.0"

// Priority orders outbound traffic. Lower numeric value is more urgent.
type Priority uint8

const (
	Critical Priority = 0
	High     Priority = 1
	Normal   Priority = 2
	Low      Priority = 3
)

// NumPriorities is the size of any array indexed by Priority.
const NumPriorities = 4

// Clamp returns p if it is one of the four defined levels, else Low.
func (p Priority) Clamp() Priority {
	if p > Low {
		return Low
	}
	return p
}

func (p Priority) String() string {
	switch p.Clamp() {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// MessageType tags the payload carried by an Envelope. Reserved ranges:
// 1-9 internal, 200-299 user domain, 600-699 bridge/time-sync,
// 700-799 gateway.
type MessageType uint16

const (
	TypeSingle           MessageType = 3
	TypeBroadcast        MessageType = 4
	TypeNodeSyncRequest  MessageType = 5
	TypeNodeSyncReply    MessageType = 6
	TypeTimeSync         MessageType = 7
	TypeTimeDelay        MessageType = 9
	TypeBridgeStatus     MessageType = 610
	TypeBridgeElection   MessageType = 611
	TypeBridgeTakeover   MessageType = 612
	TypeNTPTimeSync      MessageType = 614
	TypeGatewayData      MessageType = 700
	TypeGatewayAck       MessageType = 701
)

// IsUserType reports whether t falls in the 200-299 application range.
func (t MessageType) IsUserType() bool {
	return t >= 200 && t <= 299
}

// Routing selects how an Envelope is propagated through the tree.
type Routing uint8

const (
	RoutingSingle Routing = iota
	RoutingNeighbor
	RoutingBroadcast
)

func (r Routing) String() string {
	switch r {
	case RoutingSingle:
		return "SINGLE"
	case RoutingNeighbor:
		return "NEIGHBOR"
	case RoutingBroadcast:
		return "BROADCAST"
	default:
		return "UNKNOWN"
	}
}
