package network

import (
	"errors"
	"time"
)

// ErrSocketClosed is returned by sockets used after Close.
var ErrSocketClosed = errors.New("network: socket closed")

// Socket is the byte transport under a Connection. Send and Receive never
// block: Receive returns (nil, nil) when nothing is waiting.
type Socket interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Clock is a monotonic time source in seconds.
type Clock interface {
	Now() float64
}

// SystemClock reports seconds elapsed since it was created.
type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// ManualClock only moves when told to. Tests drive it tick by tick.
type ManualClock struct {
	t float64
}

func NewManualClock(start float64) *ManualClock {
	return &ManualClock{t: start}
}

func (c *ManualClock) Now() float64 {
	return c.t
}

// Advance moves the clock forward by d seconds.
func (c *ManualClock) Advance(d float64) {
	c.t += d
}

func (c *ManualClock) Set(t float64) {
	c.t = t
}
