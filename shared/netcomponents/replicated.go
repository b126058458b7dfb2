// Package netcomponents defines the donburi components the synchronizer
// stores its object arena in.
package netcomponents

import (
	"github.com/automoto/replica/shared/replication"
	"github.com/yohamta/donburi"
)

// ReplicatedData links an arena entry to its networked object.
type ReplicatedData struct {
	*replication.NetworkedObject

	// Revision counts replication rounds in which the object changed.
	Revision uint64
	// Remote is set on clients for objects spawned from snapshots.
	Remote bool
}

var Replicated = donburi.NewComponentType[ReplicatedData]()
