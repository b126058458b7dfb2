package netcomponents

import (
	"github.com/automoto/replica/shared/gamemath"
	"github.com/yohamta/donburi"
)

// InterpData stores interpolation state for smooth rendering of remote
// objects between snapshots.
type InterpData struct {
	Rendered     gamemath.Transform
	Initialized  bool
	Extrapolated bool
	Frozen       bool
}

var Interp = donburi.NewComponentType[InterpData]()
