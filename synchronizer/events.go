package synchronizer

import (
	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/replication"
)

// EventKind identifies what happened during a tick.
type EventKind int

const (
	EventClientConnected EventKind = iota
	EventClientDisconnected
	EventConnectionLost
	EventObjectSpawned
	EventObjectDespawned
	EventInput
	EventCorrection
)

var eventNames = map[EventKind]string{
	EventClientConnected:    "client_connected",
	EventClientDisconnected: "client_disconnected",
	EventConnectionLost:     "connection_lost",
	EventObjectSpawned:      "object_spawned",
	EventObjectDespawned:    "object_despawned",
	EventInput:              "input",
	EventCorrection:         "correction",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is queued by the synchronizer and drained by gameplay code once per
// tick. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind
	Client replication.ClientID
	Object replication.NetworkID

	// EventInput
	InputID uint32
	Payload []byte

	// EventCorrection: how far the authoritative position moved the object.
	Delta gamemath.Vec3

	// EventConnectionLost, EventClientDisconnected
	Err error
}

func (s *StateSynchronizer) emit(e Event) {
	s.events = append(s.events, e)
}

// Events returns and clears the queued events.
func (s *StateSynchronizer) Events() []Event {
	out := s.events
	s.events = nil
	return out
}
