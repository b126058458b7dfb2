// Package protocol assigns the application packet ids shared by server and
// clients. Ids from network.ControlBase upward belong to the transport.
package protocol

import "fmt"

const (
	PacketWelcome     uint32 = 1
	PacketSnapshot    uint32 = 2
	PacketSnapshotAck uint32 = 3
	PacketDespawn     uint32 = 4
	PacketRPC         uint32 = 5
	PacketInput       uint32 = 6
	PacketObjectState uint32 = 7
)

var packetNames = map[uint32]string{
	PacketWelcome:     "welcome",
	PacketSnapshot:    "snapshot",
	PacketSnapshotAck: "snapshot_ack",
	PacketDespawn:     "despawn",
	PacketRPC:         "rpc",
	PacketInput:       "input",
	PacketObjectState: "object_state",
}

// Name returns a readable name for logs.
func Name(id uint32) string {
	if name, ok := packetNames[id]; ok {
		return name
	}
	return fmt.Sprintf("packet(%#x)", id)
}

// Known reports whether id is an application packet this version handles.
func Known(id uint32) bool {
	_, ok := packetNames[id]
	return ok
}
