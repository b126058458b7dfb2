package network

import (
	"errors"
	"testing"

	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/shared/wire"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = netlog.Discard{}
	return opts
}

func connPair(t *testing.T, pipe PipeOptions, opts Options) (*Connection, *Connection, *PipeSocket, *ManualClock) {
	t.Helper()
	clock := NewManualClock(0)
	a, b := NewPipe(pipe)
	return NewConnection(a, clock, opts), NewConnection(b, clock, opts), a, clock
}

func numbered(id uint32, n uint32) *wire.Packet {
	p := wire.NewPacket(id)
	p.WriteUint32(n)
	return p
}

func drain(c *Connection) []uint32 {
	var out []uint32
	for {
		p, ok := c.Receive()
		if !ok {
			return out
		}
		off := 0
		out = append(out, p.ReadUint32(&off))
	}
}

func TestConnectionDeliversFragmentedFrames(t *testing.T) {
	opts := testOptions()
	opts.Reliable = false
	a, b, _, _ := connPair(t, PipeOptions{FragmentSize: 3}, opts)

	for i := uint32(0); i < 5; i++ {
		if err := a.Send(numbered(7, i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	got := drain(b)
	if len(got) != 5 {
		t.Fatalf("expected 5 packets, got %v", got)
	}
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("expected %d at %d, got %d", i, i, v)
		}
	}
}

func TestConnectionRejectsReservedIDs(t *testing.T) {
	a, _, _, _ := connPair(t, PipeOptions{}, testOptions())
	if err := a.Send(wire.NewPacket(PacketPing)); !errors.Is(err, ErrReservedID) {
		t.Fatalf("expected ErrReservedID, got %v", err)
	}
}

func runLossy(t *testing.T, mode netconfig.SyncMode) []uint32 {
	t.Helper()
	opts := testOptions()
	opts.MaxRetries = 100
	opts.Timeout = 0
	a, b, _, clock := connPair(t, PipeOptions{Loss: 0.4, Seed: 3}, opts)

	const total = 50
	for i := uint32(0); i < total; i++ {
		if err := a.SendMode(numbered(9, i), mode); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	var got []uint32
	for step := 0; step < 500 && (len(got) < total || a.Pending() > 0); step++ {
		clock.Advance(0.25)
		a.Update()
		b.Update()
		got = append(got, drain(b)...)
	}
	if a.Status() != StatusConnected {
		t.Fatalf("expected connection to survive, got %s: %v", a.Status(), a.Err())
	}
	if len(got) != total {
		t.Fatalf("expected %d packets exactly once, got %d", total, len(got))
	}
	if a.Stats().Retransmits == 0 {
		t.Fatal("expected lossy link to force retransmits")
	}
	return got
}

func TestReliableDeliversOnceUnderLoss(t *testing.T) {
	got := runLossy(t, netconfig.Reliable)
	seen := make(map[uint32]bool)
	for _, v := range got {
		if seen[v] {
			t.Fatalf("packet %d delivered twice", v)
		}
		seen[v] = true
	}
}

func TestReliableOrderedDeliversInOrderUnderLoss(t *testing.T) {
	got := runLossy(t, netconfig.ReliableOrdered)
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("expected packet %d at position %d, got %d", i, i, v)
		}
	}
}

func TestUnreliableConnectionNeverRetransmits(t *testing.T) {
	opts := testOptions()
	opts.Reliable = false
	a, _, sock, clock := connPair(t, PipeOptions{Loss: 1}, opts)

	a.SendMode(numbered(1, 1), netconfig.ReliableOrdered)
	for i := 0; i < 20; i++ {
		clock.Advance(1)
		a.Update()
	}
	if a.Pending() != 0 || a.Stats().Retransmits != 0 {
		t.Fatalf("expected no retransmissions, got pending=%d retransmits=%d", a.Pending(), a.Stats().Retransmits)
	}
	if sock.Lost() == 0 {
		t.Fatal("expected the send to be dropped by the link")
	}
}

func TestReliableFailsAfterMaxRetries(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 0
	opts.MaxRetries = 3
	a, _, _, clock := connPair(t, PipeOptions{Loss: 1}, opts)

	a.Send(numbered(1, 1))
	for i := 0; i < 10; i++ {
		clock.Advance(1)
		a.Update()
	}
	if a.Status() != StatusFailed || !errors.Is(a.Err(), ErrTooManyRetries) {
		t.Fatalf("expected failure after retries, got %s: %v", a.Status(), a.Err())
	}
	if err := a.Send(numbered(1, 2)); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestConnectionTimesOut(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 2
	a, _, _, clock := connPair(t, PipeOptions{}, opts)

	clock.Advance(1)
	a.Update()
	if a.Status() != StatusConnected {
		t.Fatalf("expected connected before timeout, got %s", a.Status())
	}
	clock.Advance(1.5)
	a.Update()
	if a.Status() != StatusFailed || !errors.Is(a.Err(), ErrTimeout) {
		t.Fatalf("expected timeout, got %s: %v", a.Status(), a.Err())
	}
}

func TestPingMeasuresRoundTrip(t *testing.T) {
	a, b, _, clock := connPair(t, PipeOptions{}, testOptions())

	a.Update()
	b.Update()
	clock.Advance(0.1)
	a.Update()
	if got := a.Ping(); got < 0.099 || got > 0.101 {
		t.Fatalf("expected ping of 0.1s, got %v", got)
	}
}

func TestMalformedFrameFailsConnection(t *testing.T) {
	clock := NewManualClock(0)
	raw, other := NewPipe(PipeOptions{})
	opts := testOptions()
	opts.MaxPayload = 64
	c := NewConnection(other, clock, opts)

	h := wire.NewPacket(0)
	h.WriteUint32(1)
	h.WriteUint32(1 << 20)
	raw.Send(h.Payload())

	if _, ok := c.Receive(); ok {
		t.Fatal("expected no packet from a malformed frame")
	}
	if c.Status() != StatusFailed || !errors.Is(c.Err(), wire.ErrFrameTooLarge) {
		t.Fatalf("expected failure on oversized frame, got %s: %v", c.Status(), c.Err())
	}
}

func TestCloseNotifiesPeer(t *testing.T) {
	a, b, _, _ := connPair(t, PipeOptions{}, testOptions())
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b.Update()
	if b.Status() != StatusDisconnected || !errors.Is(b.Err(), ErrPeerClosed) {
		t.Fatalf("expected peer to see disconnect, got %s: %v", b.Status(), b.Err())
	}
	if err := a.Send(numbered(1, 1)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after close, got %v", err)
	}
}
