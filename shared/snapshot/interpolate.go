package snapshot

import (
	"sort"

	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/netconfig"
)

// Keyframe is an object's transform at a snapshot timestamp.
type Keyframe struct {
	Time      float64
	Transform gamemath.Transform
}

// SampleOptions controls how a transform is reconstructed.
type SampleOptions struct {
	Mode netconfig.InterpolationMode
	// MaxExtrapolation caps how far past the newest keyframe positions are
	// projected, in seconds. Zero freezes at the newest keyframe.
	MaxExtrapolation float64
}

// Sample is the result of one interpolation query.
type Sample struct {
	Transform    gamemath.Transform
	Extrapolated bool
	Frozen       bool
}

// Interpolate reconstructs a transform at t from keyframes sorted by time.
// Before the first keyframe it freezes at the first; after the last it
// extrapolates linearly for at most opts.MaxExtrapolation, then freezes.
func Interpolate(keys []Keyframe, t float64, opts SampleOptions) (Sample, bool) {
	n := len(keys)
	if n == 0 {
		return Sample{}, false
	}
	if t <= keys[0].Time {
		return Sample{Transform: keys[0].Transform, Frozen: t < keys[0].Time}, true
	}
	last := keys[n-1]
	if t >= last.Time {
		if t == last.Time {
			return Sample{Transform: last.Transform}, true
		}
		return extrapolate(keys, t, opts.MaxExtrapolation), true
	}

	j := sort.Search(n, func(i int) bool { return keys[i].Time > t })
	i := j - 1
	a, b := keys[i], keys[i+1]
	alpha := 0.0
	if span := b.Time - a.Time; span > 0 {
		alpha = (t - a.Time) / span
	}

	switch opts.Mode {
	case netconfig.InterpCubic:
		if i > 0 && i+2 < n {
			return Sample{Transform: cubic(keys[i-1], a, b, keys[i+2], alpha)}, true
		}
	case netconfig.InterpHermite:
		return Sample{Transform: hermite(keys, i, alpha)}, true
	}
	return Sample{Transform: a.Transform.Lerp(b.Transform, alpha)}, true
}

func cubic(k0, k1, k2, k3 Keyframe, alpha float64) gamemath.Transform {
	return gamemath.Transform{
		Position: gamemath.CatmullRom(k0.Transform.Position, k1.Transform.Position, k2.Transform.Position, k3.Transform.Position, alpha),
		Rotation: k1.Transform.Rotation.Slerp(k2.Transform.Rotation, alpha),
		Scale:    gamemath.CatmullRom(k0.Transform.Scale, k1.Transform.Scale, k2.Transform.Scale, k3.Transform.Scale, alpha),
	}
}

// hermite uses central-difference velocities at each end of the segment as
// tangents, falling back to the segment slope at the edges of the buffer.
func hermite(keys []Keyframe, i int, alpha float64) gamemath.Transform {
	a, b := keys[i], keys[i+1]
	span := b.Time - a.Time
	m0 := velocity(keys, i).Scale(span)
	m1 := velocity(keys, i+1).Scale(span)
	return gamemath.Transform{
		Position: gamemath.Hermite(a.Transform.Position, m0, b.Transform.Position, m1, alpha),
		Rotation: a.Transform.Rotation.Slerp(b.Transform.Rotation, alpha),
		Scale:    a.Transform.Scale.Lerp(b.Transform.Scale, alpha),
	}
}

// velocity estimates the position derivative at keys[i].
func velocity(keys []Keyframe, i int) gamemath.Vec3 {
	lo, hi := i-1, i+1
	if lo < 0 {
		lo = i
	}
	if hi >= len(keys) {
		hi = i
	}
	dt := keys[hi].Time - keys[lo].Time
	if dt <= 0 {
		return gamemath.Vec3{}
	}
	return keys[hi].Transform.Position.Sub(keys[lo].Transform.Position).Scale(1 / dt)
}

func extrapolate(keys []Keyframe, t, limit float64) Sample {
	n := len(keys)
	last := keys[n-1]
	if n < 2 || limit <= 0 {
		return Sample{Transform: last.Transform, Frozen: true}
	}
	ahead := t - last.Time
	frozen := false
	if ahead > limit {
		ahead = limit
		frozen = true
	}
	v := velocity(keys, n-1)
	out := last.Transform
	out.Position = out.Position.Add(v.Scale(ahead))
	return Sample{Transform: out, Extrapolated: true, Frozen: frozen}
}
