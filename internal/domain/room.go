package domain

type RoomID string

type Topology string

const (
	TopologyGroup  Topology = "group"
	TopologyDirect Topology = "direct"
)

// DirectRoomSize is the fixed member count of a direct room.
const DirectRoomSize = 2

func (t Topology) Valid() bool {
	return t == TopologyGroup || t == TopologyDirect
}

type Room struct {
	ID       RoomID   `json:"id"`
	Topology Topology `json:"topology"`
}

// RoomInfo is a read-only listing entry.
type RoomInfo struct {
	ID          RoomID   `json:"id"`
	Topology    Topology `json:"topology"`
	MemberCount int      `json:"member_count"`
}
