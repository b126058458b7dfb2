package gamemath

import "math"

// Quat is a rotation quaternion.
type Quat struct {
	X, Y, Z, W float64
}

// IdentityQuat is the rotation that leaves vectors unchanged.
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// QuatFromAxisAngle builds a rotation of angle radians around axis.
func QuatFromAxisAngle(axis Vec3, angle float64) Quat {
	l := axis.Length()
	if l == 0 {
		return IdentityQuat()
	}
	s := math.Sin(angle/2) / l
	return Quat{X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s, W: math.Cos(angle / 2)}
}

func (q Quat) Dot(o Quat) float64 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

func (q Quat) scale(s float64) Quat {
	return Quat{q.X * s, q.Y * s, q.Z * s, q.W * s}
}

func (q Quat) add(o Quat) Quat {
	return Quat{q.X + o.X, q.Y + o.Y, q.Z + o.Z, q.W + o.W}
}

// Normalize returns q scaled to unit length. The zero quaternion maps to identity.
func (q Quat) Normalize() Quat {
	l := math.Sqrt(q.Dot(q))
	if l == 0 {
		return IdentityQuat()
	}
	return q.scale(1 / l)
}

// Slerp interpolates along the shortest arc from q to o.
func (q Quat) Slerp(o Quat, t float64) Quat {
	cos := q.Dot(o)
	if cos < 0 {
		o = o.scale(-1)
		cos = -cos
	}
	// nearly parallel: fall back to nlerp
	if cos > 0.9995 {
		return q.add(o.add(q.scale(-1)).scale(t)).Normalize()
	}
	theta := math.Acos(Clamp(cos, -1, 1))
	sin := math.Sin(theta)
	a := math.Sin((1-t)*theta) / sin
	b := math.Sin(t*theta) / sin
	return q.scale(a).add(o.scale(b)).Normalize()
}

// Angle returns the angle in radians between two rotations.
func (q Quat) Angle(o Quat) float64 {
	d := math.Abs(q.Normalize().Dot(o.Normalize()))
	return 2 * math.Acos(Clamp(d, -1, 1))
}
