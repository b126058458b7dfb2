// Package lagcomp keeps a short transform history per object so hit checks
// can be evaluated against where a remote player saw things.
package lagcomp

import (
	"sort"

	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/replication"
)

// Sample is an object's transform at a point in time. Samples are never
// mutated after they are recorded.
type Sample struct {
	Timestamp float64
	Transform gamemath.Transform
}

// Compensator records transform history and answers rewind queries.
type Compensator struct {
	now     func() float64
	history map[replication.NetworkID][]Sample
}

// New returns a compensator reading the current time from now.
func New(now func() float64) *Compensator {
	return &Compensator{now: now, history: make(map[replication.NetworkID][]Sample)}
}

// RecordState stores a sample. Samples normally arrive in time order; a late
// one is inserted in place and one with an existing timestamp replaces it.
func (c *Compensator) RecordState(id replication.NetworkID, timestamp float64, t gamemath.Transform) {
	h := c.history[id]
	s := Sample{Timestamp: timestamp, Transform: t}
	if n := len(h); n == 0 || h[n-1].Timestamp < timestamp {
		c.history[id] = append(h, s)
		return
	}
	i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp >= timestamp })
	if i < len(h) && h[i].Timestamp == timestamp {
		h[i] = s
		return
	}
	h = append(h, Sample{})
	copy(h[i+1:], h[i:])
	h[i] = s
	c.history[id] = h
}

// Rewind returns the latest sample taken at or before timestamp.
func (c *Compensator) Rewind(id replication.NetworkID, timestamp float64) (Sample, bool) {
	h := c.history[id]
	i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp > timestamp })
	if i == 0 {
		return Sample{}, false
	}
	return h[i-1], true
}

// Compensate rewinds to now minus the client's latency in seconds.
func (c *Compensator) Compensate(id replication.NetworkID, latency float64) (Sample, bool) {
	return c.Rewind(id, c.now()-latency)
}

// ClearOldHistory drops samples older than the cutoff. The newest sample of
// each object is kept so objects that stopped moving can still be rewound.
func (c *Compensator) ClearOldHistory(olderThan float64) int {
	dropped := 0
	for id, h := range c.history {
		i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp >= olderThan })
		if i >= len(h) {
			i = len(h) - 1
		}
		if i <= 0 {
			continue
		}
		dropped += i
		c.history[id] = append(h[:0:0], h[i:]...)
	}
	return dropped
}

// Forget drops all history for an object.
func (c *Compensator) Forget(id replication.NetworkID) {
	delete(c.history, id)
}

// SampleCount returns the number of samples held for id.
func (c *Compensator) SampleCount(id replication.NetworkID) int {
	return len(c.history[id])
}

// Objects returns the number of objects with history.
func (c *Compensator) Objects() int {
	return len(c.history)
}
