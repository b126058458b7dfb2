package gamemath

import (
	"math"
	"testing"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestVec3Lerp(t *testing.T) {
	a := V3(0, 0, 0)
	b := V3(10, -4, 2)
	mid := a.Lerp(b, 0.5)
	if mid != V3(5, -2, 1) {
		t.Fatalf("expected (5,-2,1), got %+v", mid)
	}
	if !near(a.Distance(b), math.Sqrt(120)) {
		t.Fatalf("expected distance sqrt(120), got %v", a.Distance(b))
	}
}

func TestQuatSlerpEndpoints(t *testing.T) {
	q0 := IdentityQuat()
	q1 := QuatFromAxisAngle(V3(0, 1, 0), math.Pi/2)

	if got := q0.Slerp(q1, 0); got.Angle(q0) > 1e-6 {
		t.Fatalf("expected slerp(0) to equal start, got %+v", got)
	}
	if got := q0.Slerp(q1, 1); got.Angle(q1) > 1e-6 {
		t.Fatalf("expected slerp(1) to equal end, got %+v", got)
	}
	half := q0.Slerp(q1, 0.5)
	if !near(half.Angle(q0), math.Pi/4) {
		t.Fatalf("expected half-way angle pi/4, got %v", half.Angle(q0))
	}
}

func TestCatmullRomPassesThroughControlPoints(t *testing.T) {
	p0, p1, p2, p3 := V3(0, 0, 0), V3(1, 0, 0), V3(2, 1, 0), V3(3, 1, 0)
	if got := CatmullRom(p0, p1, p2, p3, 0); got.Distance(p1) > 1e-9 {
		t.Fatalf("expected p1 at t=0, got %+v", got)
	}
	if got := CatmullRom(p0, p1, p2, p3, 1); got.Distance(p2) > 1e-9 {
		t.Fatalf("expected p2 at t=1, got %+v", got)
	}
}

func TestHermiteWithLinearTangentsIsLinear(t *testing.T) {
	p0, p1 := V3(0, 0, 0), V3(4, 0, 0)
	m := p1.Sub(p0)
	got := Hermite(p0, m, p1, m, 0.25)
	if got.Distance(V3(1, 0, 0)) > 1e-9 {
		t.Fatalf("expected (1,0,0), got %+v", got)
	}
}

func TestTransformApproxEqual(t *testing.T) {
	a := IdentityTransform()
	b := a
	b.Position = V3(0.0005, 0, 0)
	if !a.ApproxEqual(b, 0.001) {
		t.Fatalf("expected transforms within epsilon to be equal")
	}
	b.Position = V3(2, 0, 0)
	if a.ApproxEqual(b, 0.001) {
		t.Fatalf("expected transforms 2 units apart to differ")
	}
}
