package gamemath

// CatmullRom evaluates the uniform Catmull-Rom spline
// through p1 and p2 with neighbours p0 and p3 at t in [0,1].
func CatmullRom(p0, p1, p2, p3 Vec3, t float64) Vec3 {
	t2 := t * t
	t3 := t2 * t
	a := p1.Scale(2)
	b := p2.Sub(p0).Scale(t)
	c := p0.Scale(2).Sub(p1.Scale(5)).Add(p2.Scale(4)).Sub(p3).Scale(t2)
	d := p1.Scale(3).Sub(p0).Sub(p2.Scale(3)).Add(p3).Scale(t3)
	return a.Add(b).Add(c).Add(d).Scale(0.5)
}

// Hermite evaluates a cubic Hermite segment from p0 to p1 with tangents m0
// and m1, both already scaled to the segment duration.
func Hermite(p0, m0, p1, m1 Vec3, t float64) Vec3 {
	t2 := t * t
	t3 := t2 * t
	h00 := 2*t3 - 3*t2 + 1
	h10 := t3 - 2*t2 + t
	h01 := -2*t3 + 3*t2
	h11 := t3 - t2
	return p0.Scale(h00).Add(m0.Scale(h10)).Add(p1.Scale(h01)).Add(m1.Scale(h11))
}
