package network

import (
	"math/rand"
	"sync"
)

// PipeOptions shapes the link between two pipe sockets.
type PipeOptions struct {
	// Loss is the probability in [0,1] that a Send is dropped entirely.
	Loss float64
	// FragmentSize splits each Send into chunks of at most this many bytes
	// to exercise partial-frame buffering. Zero delivers whole sends.
	FragmentSize int
	Seed         int64
}

type pipeLink struct {
	mu   sync.Mutex
	rng  *rand.Rand
	opts PipeOptions
}

// PipeSocket is one end of an in-memory link.
type PipeSocket struct {
	link   *pipeLink
	peer   *PipeSocket
	mu     sync.Mutex
	inbox  [][]byte
	closed bool
	sent   int
	lost   int
}

// NewPipe returns two connected sockets.
func NewPipe(opts PipeOptions) (*PipeSocket, *PipeSocket) {
	link := &pipeLink{rng: rand.New(rand.NewSource(opts.Seed)), opts: opts}
	a := &PipeSocket{link: link}
	b := &PipeSocket{link: link}
	a.peer, b.peer = b, a
	return a, b
}

// SetLoss changes the drop probability of the whole link.
func (s *PipeSocket) SetLoss(loss float64) {
	s.link.mu.Lock()
	s.link.opts.Loss = loss
	s.link.mu.Unlock()
}

func (s *PipeSocket) Send(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.sent++
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}

	s.link.mu.Lock()
	drop := s.link.opts.Loss > 0 && s.link.rng.Float64() < s.link.opts.Loss
	frag := s.link.opts.FragmentSize
	s.link.mu.Unlock()
	if drop {
		s.mu.Lock()
		s.lost++
		s.mu.Unlock()
		return nil
	}

	buf := append([]byte(nil), data...)
	s.peer.mu.Lock()
	defer s.peer.mu.Unlock()
	if s.peer.closed {
		return nil
	}
	if frag <= 0 {
		s.peer.inbox = append(s.peer.inbox, buf)
		return nil
	}
	for len(buf) > 0 {
		n := min(frag, len(buf))
		s.peer.inbox = append(s.peer.inbox, buf[:n])
		buf = buf[n:]
	}
	return nil
}

func (s *PipeSocket) Receive() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		if s.closed {
			return nil, ErrSocketClosed
		}
		return nil, nil
	}
	data := s.inbox[0]
	s.inbox[0] = nil
	s.inbox = s.inbox[1:]
	return data, nil
}

func (s *PipeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.inbox = nil
	s.mu.Unlock()
	return nil
}

// Lost returns how many sends from this end were dropped.
func (s *PipeSocket) Lost() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}
