package netcomponents

import (
	"github.com/automoto/replica/shared/gamemath"
	"github.com/tanema/gween"
	"github.com/yohamta/donburi"
)

// CorrectionData tracks a smoothed reconciliation. Residual is how far the
// displayed pose was from the corrected one when the correction began; it
// decays to zero as the tween runs.
type CorrectionData struct {
	Tween    *gween.Tween
	Residual gamemath.Vec3
	Applied  gamemath.Vec3
	Active   bool
}

// Offset returns the part of the residual still applied to the object.
func (c *CorrectionData) Offset() gamemath.Vec3 {
	if c == nil || !c.Active {
		return gamemath.Vec3{}
	}
	return c.Applied
}

var Correction = donburi.NewComponentType[CorrectionData]()
