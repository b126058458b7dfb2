// Package netlog provides the leveled logger used across the replication
// layer. Components accept the Logger interface so tests and embedders can
// swap the sink.
package netlog

import "github.com/JoshuaDoes/logger"

// Logger is the subset of *logger.Logger the replication layer uses.
type Logger interface {
	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

const (
	PrefixNet    = "replica:net"
	PrefixSync   = "replica:sync"
	PrefixServer = "replica:srv"
)

// New returns a logger writing with the given prefix. Higher verbosity
// prints more detail; 0 keeps only warnings and errors.
func New(prefix string, verbosity int) Logger {
	return logger.NewLogger(prefix, verbosity)
}

// Or returns l, or a default logger for prefix when l is nil.
func Or(l Logger, prefix string) Logger {
	if l != nil {
		return l
	}
	return New(prefix, 1)
}

// Discard drops everything. Useful in tests and benchmarks.
type Discard struct{}

func (Discard) Trace(...interface{}) {}
func (Discard) Debug(...interface{}) {}
func (Discard) Info(...interface{})  {}
func (Discard) Warn(...interface{})  {}
func (Discard) Error(...interface{}) {}
