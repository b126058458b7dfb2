package replication

import (
	"bytes"
	"fmt"
	"math"

	"github.com/automoto/replica/shared/gamemath"
)

// Kind tags the closed set of replicable value types.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindVec3
	KindQuat
	KindString
	KindBytes
)

var kindNames = map[Kind]string{
	KindInt:    "int",
	KindFloat:  "float",
	KindVec3:   "vec3",
	KindQuat:   "quat",
	KindString: "string",
	KindBytes:  "bytes",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged variant over the replicable types. The zero Value has
// KindInvalid.
type Value struct {
	kind Kind
	i    int64
	f    float64
	v    gamemath.Vec3
	q    gamemath.Quat
	s    string
	b    []byte
}

func Int(v int64) Value {
	return Value{kind: KindInt, i: v}
}

func Float(v float64) Value {
	return Value{kind: KindFloat, f: v}
}

func Vec3(v gamemath.Vec3) Value {
	return Value{kind: KindVec3, v: v}
}

func Quat(q gamemath.Quat) Value {
	return Value{kind: KindQuat, q: q}
}

func String(s string) Value {
	return Value{kind: KindString, s: s}
}

// Bytes copies b into a new Value.
func Bytes(b []byte) Value {
	return Value{kind: KindBytes, b: append([]byte(nil), b...)}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) Int() int64 {
	return v.i
}

func (v Value) Float() float64 {
	return v.f
}

func (v Value) Vec3() gamemath.Vec3 {
	return v.v
}

func (v Value) Quat() gamemath.Quat {
	return v.q
}

func (v Value) Str() string {
	return v.s
}

// Bytes returns a copy of the byte payload.
func (v Value) Bytes() []byte {
	return append([]byte(nil), v.b...)
}

// Equal compares kind and payload. NaN equals NaN, so a var holding NaN
// does not stay dirty.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return sameFloat(v.f, o.f)
	case KindVec3:
		return sameFloat(v.v.X, o.v.X) && sameFloat(v.v.Y, o.v.Y) && sameFloat(v.v.Z, o.v.Z)
	case KindQuat:
		return sameFloat(v.q.X, o.q.X) && sameFloat(v.q.Y, o.q.Y) &&
			sameFloat(v.q.Z, o.q.Z) && sameFloat(v.q.W, o.q.W)
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.b, o.b)
	}
	return true
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindVec3:
		return fmt.Sprintf("(%g,%g,%g)", v.v.X, v.v.Y, v.v.Z)
	case KindQuat:
		return fmt.Sprintf("(%g,%g,%g,%g)", v.q.X, v.q.Y, v.q.Z, v.q.W)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("%x", v.b)
	}
	return "<invalid>"
}
