package snapshot

import (
	"sort"

	"github.com/automoto/replica/shared/replication"
)

// DefaultMaxSnapshots is used when a Buffer is created with a non-positive size.
const DefaultMaxSnapshots = 32

// Buffer keeps the most recent snapshots ordered by timestamp. It has a
// single writer and a single reader, both on the client tick.
type Buffer struct {
	snaps []*StateSnapshot
	max   int
}

func NewBuffer(maxSnapshots int) *Buffer {
	if maxSnapshots <= 0 {
		maxSnapshots = DefaultMaxSnapshots
	}
	return &Buffer{max: maxSnapshots}
}

// Add inserts s in timestamp order and evicts the oldest snapshots once the
// buffer is over capacity. A snapshot with the timestamp of one already
// buffered replaces it.
func (b *Buffer) Add(s *StateSnapshot) {
	i := sort.Search(len(b.snaps), func(i int) bool {
		return b.snaps[i].Timestamp >= s.Timestamp
	})
	if i < len(b.snaps) && b.snaps[i].Timestamp == s.Timestamp {
		b.snaps[i] = s
		return
	}
	b.snaps = append(b.snaps, nil)
	copy(b.snaps[i+1:], b.snaps[i:])
	b.snaps[i] = s
	if over := len(b.snaps) - b.max; over > 0 {
		clear(b.snaps[:over])
		b.snaps = b.snaps[over:]
	}
}

func (b *Buffer) Len() int {
	return len(b.snaps)
}

func (b *Buffer) Oldest() *StateSnapshot {
	if len(b.snaps) == 0 {
		return nil
	}
	return b.snaps[0]
}

func (b *Buffer) Newest() *StateSnapshot {
	if len(b.snaps) == 0 {
		return nil
	}
	return b.snaps[len(b.snaps)-1]
}

// Timestamps lists buffered timestamps, oldest first.
func (b *Buffer) Timestamps() []float64 {
	out := make([]float64, len(b.snaps))
	for i, s := range b.snaps {
		out[i] = s.Timestamp
	}
	return out
}

func (b *Buffer) Clear() {
	clear(b.snaps)
	b.snaps = b.snaps[:0]
}

// SnapshotsForInterpolation returns the pair with
// older.Timestamp <= t <= newer.Timestamp. It fails when t lies outside the
// buffered range; callers then freeze or extrapolate.
func (b *Buffer) SnapshotsForInterpolation(t float64) (older, newer *StateSnapshot, ok bool) {
	i, ok := b.bracket(t)
	if !ok {
		return nil, nil, false
	}
	return b.snaps[i], b.snaps[i+1], true
}

// bracket finds i with snaps[i].Timestamp <= t <= snaps[i+1].Timestamp.
func (b *Buffer) bracket(t float64) (int, bool) {
	n := len(b.snaps)
	if n < 2 || t < b.snaps[0].Timestamp || t > b.snaps[n-1].Timestamp {
		return 0, false
	}
	j := sort.Search(n, func(i int) bool { return b.snaps[i].Timestamp > t })
	i := j - 1
	if i >= n-1 {
		i = n - 2
	}
	return i, true
}

// Keyframes extracts the transform of one object from every buffered
// snapshot that carries it, oldest first.
func (b *Buffer) Keyframes(id replication.NetworkID) []Keyframe {
	var keys []Keyframe
	for _, s := range b.snaps {
		payload, ok := s.Get(id)
		if !ok {
			continue
		}
		tr, ok := replication.PeekTransform(payload)
		if !ok {
			continue
		}
		keys = append(keys, Keyframe{Time: s.Timestamp, Transform: tr})
	}
	return keys
}

// Sample interpolates an object's transform at renderTime.
func (b *Buffer) Sample(id replication.NetworkID, renderTime float64, opts SampleOptions) (Sample, bool) {
	return Interpolate(b.Keyframes(id), renderTime, opts)
}
