// Package delta encodes a byte buffer as the ranges that changed relative to
// a baseline of the same length.
//
// Patch layout: u32 length | u16 runCount | {u32 offset, u32 len, bytes}*.
package delta

import (
	"errors"
	"fmt"

	"github.com/automoto/replica/shared/wire"
)

var (
	// ErrShapeMismatch is returned when current and baseline differ in length.
	ErrShapeMismatch = errors.New("delta: buffers differ in length")
	// ErrCorruptPatch is returned when a patch does not fit its baseline.
	ErrCorruptPatch = errors.New("delta: corrupt patch")
)

const (
	patchHeaderSize = 4 + 2
	runHeaderSize   = 8
	maxRuns         = 1<<16 - 1
)

type run struct {
	off, end int
}

// Compress returns a patch turning baseline into current. Runs separated by
// fewer unchanged bytes than a run header are merged.
func Compress(current, baseline []byte) ([]byte, error) {
	if len(current) != len(baseline) {
		return nil, fmt.Errorf("%w: %d != %d", ErrShapeMismatch, len(current), len(baseline))
	}
	runs := diff(current, baseline)
	if len(runs) > maxRuns {
		runs = []run{{off: runs[0].off, end: runs[len(runs)-1].end}}
	}

	p := wire.NewPacket(0)
	p.WriteUint32(uint32(len(current)))
	p.WriteUint16(uint16(len(runs)))
	for _, r := range runs {
		p.WriteUint32(uint32(r.off))
		p.WriteUint32(uint32(r.end - r.off))
		p.WriteRaw(current[r.off:r.end])
	}
	return p.Payload(), nil
}

func diff(current, baseline []byte) []run {
	var runs []run
	for i := 0; i < len(current); {
		if current[i] == baseline[i] {
			i++
			continue
		}
		start := i
		for i < len(current) && current[i] != baseline[i] {
			i++
		}
		if n := len(runs); n > 0 && start-runs[n-1].end < runHeaderSize {
			runs[n-1].end = i
			continue
		}
		runs = append(runs, run{off: start, end: i})
	}
	return runs
}

// Decompress applies patch to a copy of baseline.
func Decompress(baseline, patch []byte) ([]byte, error) {
	p := wire.NewPacketFromBytes(0, patch)
	off := 0
	size := int(p.ReadUint32(&off))
	count := int(p.ReadUint16(&off))
	if err := p.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPatch, err)
	}
	if size != len(baseline) {
		return nil, fmt.Errorf("%w: patch for %d bytes, baseline has %d", ErrShapeMismatch, size, len(baseline))
	}
	out := append([]byte(nil), baseline...)
	for i := 0; i < count; i++ {
		at := int(p.ReadUint32(&off))
		n := int(p.ReadUint32(&off))
		if p.Err() != nil || n < 0 || at < 0 || at > size-n || n > p.Remaining(off) {
			return nil, fmt.Errorf("%w: run %d", ErrCorruptPatch, i)
		}
		copy(out[at:at+n], p.Payload()[off:off+n])
		off += n
	}
	if off != p.Len() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptPatch, p.Len()-off)
	}
	return out, nil
}

// CalculateSimilarity returns the fraction of positions holding equal bytes,
// measured against the longer buffer. Two empty buffers are identical.
func CalculateSimilarity(a, b []byte) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	same := 0
	for i := 0; i < min(len(a), len(b)); i++ {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(longest)
}

// Worthwhile reports whether patch is smaller than sending current in full.
func Worthwhile(current, patch []byte) bool {
	return len(patch) < len(current)
}
