package gamemath

// Transform is the replicated pose of an object.
type Transform struct {
	Position Vec3
	Rotation Quat
	Scale    Vec3
}

// IdentityTransform sits at the origin with no rotation and unit scale.
func IdentityTransform() Transform {
	return Transform{Rotation: IdentityQuat(), Scale: Vec3{1, 1, 1}}
}

// Lerp blends positions and scales linearly and rotations along the shortest arc.
func (t Transform) Lerp(o Transform, alpha float64) Transform {
	return Transform{
		Position: t.Position.Lerp(o.Position, alpha),
		Rotation: t.Rotation.Slerp(o.Rotation, alpha),
		Scale:    t.Scale.Lerp(o.Scale, alpha),
	}
}

// ApproxEqual reports whether every component of t is within eps of o.
// Rotations compare by the angle between them.
func (t Transform) ApproxEqual(o Transform, eps float64) bool {
	if t.Position.Distance(o.Position) > eps {
		return false
	}
	if t.Scale.Distance(o.Scale) > eps {
		return false
	}
	return t.Rotation.Angle(o.Rotation) <= eps
}
