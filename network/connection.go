// Package network moves framed packets between peers. A Connection wraps a
// Socket with framing, optional reliability, RTT estimation and liveness
// tracking. Nothing here blocks: the owner calls Update and Receive from its
// tick.
package network

import (
	"errors"
	"fmt"

	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/shared/wire"
)

// Packet ids at or above ControlBase carry connection control traffic and
// are never handed to the application.
const (
	ControlBase      uint32 = 0xFFFFFF00
	PacketReliable          = ControlBase + 0
	PacketAck               = ControlBase + 1
	PacketPing              = ControlBase + 2
	PacketPong              = ControlBase + 3
	PacketDisconnect        = ControlBase + 4
)

const (
	channelReliable uint8 = 0
	channelOrdered  uint8 = 1
	numChannels           = 2
)

// reliableHeaderSize is u8 channel + u32 seq + u32 inner id.
const reliableHeaderSize = 9

var (
	ErrConnectionFailed = errors.New("network: connection failed")
	ErrNotConnected     = errors.New("network: not connected")
	ErrReservedID       = errors.New("network: packet id reserved for control traffic")
	ErrTimeout          = errors.New("network: connection timed out")
	ErrTooManyRetries   = errors.New("network: reliable packet not acknowledged")
	ErrPeerClosed       = errors.New("network: peer closed the connection")
)

// Status is the lifecycle state of a Connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

var statusNames = map[Status]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusFailed:       "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Options tunes a Connection. Durations are in seconds.
type Options struct {
	// Reliable enables acknowledgement and retransmission. When false every
	// send is fire-and-forget regardless of the requested mode.
	Reliable bool
	// Timeout is how long the peer may stay silent before the connection
	// fails. Zero disables the check.
	Timeout      float64
	PingInterval float64
	MinRTO       float64
	MaxRetries   int
	MaxPayload   int
	// MaxHeld bounds how many out-of-order packets the ordered channel
	// buffers while waiting for a gap to fill.
	MaxHeld int
	Logger  netlog.Logger
}

func DefaultOptions() Options {
	return Options{
		Reliable:     true,
		Timeout:      10,
		PingInterval: 1,
		MinRTO:       0.2,
		MaxRetries:   10,
		MaxPayload:   wire.DefaultMaxPayload,
		MaxHeld:      1024,
	}
}

// ConnStats counts traffic on one connection.
type ConnStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Retransmits     uint64
	Duplicates      uint64
	Dropped         uint64
}

type pendingPacket struct {
	channel uint8
	seq     uint32
	frame   []byte
	sentAt  float64
	retries int
}

// Connection is one peer-to-peer channel over a Socket.
type Connection struct {
	sock  Socket
	clock Clock
	opts  Options
	log   netlog.Logger

	status Status
	err    error

	reader   *wire.FrameReader
	incoming []*wire.Packet

	ping     float64
	hasPing  bool
	lastRecv float64
	lastPing float64

	nextSeq [numChannels]uint32
	pending []*pendingPacket

	unorderedLow  uint32
	unorderedSeen map[uint32]struct{}
	orderedNext   uint32
	orderedHeld   map[uint32]*wire.Packet

	stats ConnStats
}

// NewConnection wraps an established socket.
func NewConnection(sock Socket, clock Clock, opts Options) *Connection {
	def := DefaultOptions()
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = def.MaxPayload
	}
	if opts.MinRTO <= 0 {
		opts.MinRTO = def.MinRTO
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.MaxHeld <= 0 {
		opts.MaxHeld = def.MaxHeld
	}
	now := clock.Now()
	c := &Connection{
		sock:          sock,
		clock:         clock,
		opts:          opts,
		log:           netlog.Or(opts.Logger, netlog.PrefixNet),
		status:        StatusConnected,
		reader:        wire.NewFrameReader(opts.MaxPayload),
		lastRecv:      now,
		lastPing:      now - opts.PingInterval,
		unorderedSeen: make(map[uint32]struct{}),
		orderedNext:   1,
		orderedHeld:   make(map[uint32]*wire.Packet),
	}
	c.nextSeq[channelReliable] = 1
	c.nextSeq[channelOrdered] = 1
	return c
}

func (c *Connection) Status() Status {
	return c.status
}

// Err returns the reason the connection failed or closed.
func (c *Connection) Err() error {
	return c.err
}

// Reliable reports whether the connection retransmits.
func (c *Connection) Reliable() bool {
	return c.opts.Reliable
}

// Ping returns the smoothed round-trip time in seconds.
func (c *Connection) Ping() float64 {
	return c.ping
}

func (c *Connection) Stats() ConnStats {
	return c.stats
}

// Pending returns the number of reliable packets awaiting acknowledgement.
func (c *Connection) Pending() int {
	return len(c.pending)
}

func (c *Connection) fail(err error) {
	if c.status == StatusFailed {
		return
	}
	c.status = StatusFailed
	c.err = err
	c.pending = nil
	c.log.Warn("connection failed: ", err)
}

func (c *Connection) usable() error {
	switch c.status {
	case StatusConnected:
		return nil
	case StatusFailed:
		return fmt.Errorf("%w: %v", ErrConnectionFailed, c.err)
	}
	return ErrNotConnected
}

// Send queues p with the connection's default guarantee: reliable when the
// connection is reliable, fire-and-forget otherwise.
func (c *Connection) Send(p *wire.Packet) error {
	if c.opts.Reliable {
		return c.SendMode(p, netconfig.Reliable)
	}
	return c.SendMode(p, netconfig.Unreliable)
}

// SendMode frames p and writes it with the requested delivery guarantee.
func (c *Connection) SendMode(p *wire.Packet, mode netconfig.SyncMode) error {
	if err := c.usable(); err != nil {
		return err
	}
	if p.ID() >= ControlBase {
		return fmt.Errorf("%w: %#x", ErrReservedID, p.ID())
	}
	if !c.opts.Reliable || mode == netconfig.Unreliable {
		return c.writeFrame(wire.EncodeFrame(p))
	}

	ch := channelReliable
	if mode == netconfig.ReliableOrdered {
		ch = channelOrdered
	}
	seq := c.nextSeq[ch]
	c.nextSeq[ch]++

	env := wire.NewPacket(PacketReliable)
	env.WriteUint8(ch)
	env.WriteUint32(seq)
	env.WriteUint32(p.ID())
	env.WriteRaw(p.Payload())
	frame := wire.EncodeFrame(env)
	c.pending = append(c.pending, &pendingPacket{channel: ch, seq: seq, frame: frame, sentAt: c.clock.Now()})
	return c.writeFrame(frame)
}

func (c *Connection) writeFrame(frame []byte) error {
	if err := c.sock.Send(frame); err != nil {
		c.fail(fmt.Errorf("send: %w", err))
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(frame))
	return nil
}

func (c *Connection) sendControl(p *wire.Packet) {
	if c.status != StatusConnected {
		return
	}
	_ = c.writeFrame(wire.EncodeFrame(p))
}

// Update reads pending input, retransmits overdue reliable packets, sends
// keepalive pings and enforces the silence timeout.
func (c *Connection) Update() {
	if c.status != StatusConnected {
		return
	}
	c.poll()
	if c.status != StatusConnected {
		return
	}
	now := c.clock.Now()
	if c.opts.Timeout > 0 && now-c.lastRecv > c.opts.Timeout {
		c.fail(fmt.Errorf("%w after %.1fs", ErrTimeout, now-c.lastRecv))
		return
	}

	rto := max(c.opts.MinRTO, 2*c.ping)
	for _, pp := range c.pending {
		if now-pp.sentAt < rto {
			continue
		}
		if pp.retries >= c.opts.MaxRetries {
			c.fail(fmt.Errorf("%w: channel %d seq %d", ErrTooManyRetries, pp.channel, pp.seq))
			return
		}
		pp.retries++
		pp.sentAt = now
		c.stats.Retransmits++
		if c.writeFrame(pp.frame) != nil {
			return
		}
	}

	if c.opts.PingInterval > 0 && now-c.lastPing >= c.opts.PingInterval {
		c.lastPing = now
		ping := wire.NewPacket(PacketPing)
		ping.WriteDouble(now)
		c.sendControl(ping)
	}
}

// Receive returns the next application packet, if a complete one has
// arrived. Partial frames stay buffered across calls.
func (c *Connection) Receive() (*wire.Packet, bool) {
	if c.status == StatusConnected {
		c.poll()
	}
	if len(c.incoming) == 0 {
		return nil, false
	}
	p := c.incoming[0]
	c.incoming[0] = nil
	c.incoming = c.incoming[1:]
	return p, true
}

func (c *Connection) poll() {
	for c.status == StatusConnected {
		data, err := c.sock.Receive()
		if err != nil {
			if errors.Is(err, ErrSocketClosed) {
				c.status = StatusDisconnected
				c.err = err
				c.pending = nil
				return
			}
			c.fail(fmt.Errorf("receive: %w", err))
			return
		}
		if data == nil {
			return
		}
		c.stats.BytesReceived += uint64(len(data))
		c.reader.Push(data)
		for c.status == StatusConnected {
			p, err := c.reader.Next()
			if err != nil {
				c.fail(fmt.Errorf("malformed frame: %w", err))
				return
			}
			if p == nil {
				break
			}
			c.handle(p)
		}
	}
}

func (c *Connection) handle(p *wire.Packet) {
	now := c.clock.Now()
	c.lastRecv = now
	c.stats.PacketsReceived++

	off := 0
	switch p.ID() {
	case PacketReliable:
		c.handleReliable(p)
	case PacketAck:
		ch := p.ReadUint8(&off)
		seq := p.ReadUint32(&off)
		if p.Err() != nil {
			c.stats.Dropped++
			return
		}
		for i, pp := range c.pending {
			if pp.channel == ch && pp.seq == seq {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				break
			}
		}
	case PacketPing:
		sentAt := p.ReadDouble(&off)
		if p.Err() != nil {
			c.stats.Dropped++
			return
		}
		pong := wire.NewPacket(PacketPong)
		pong.WriteDouble(sentAt)
		c.sendControl(pong)
	case PacketPong:
		sentAt := p.ReadDouble(&off)
		if p.Err() != nil || sentAt > now {
			c.stats.Dropped++
			return
		}
		c.observeRTT(now - sentAt)
	case PacketDisconnect:
		c.status = StatusDisconnected
		c.err = ErrPeerClosed
		c.pending = nil
	default:
		if p.ID() >= ControlBase {
			c.stats.Dropped++
			return
		}
		c.incoming = append(c.incoming, p)
	}
}

func (c *Connection) observeRTT(rtt float64) {
	if !c.hasPing {
		c.ping = rtt
		c.hasPing = true
		return
	}
	c.ping = 0.875*c.ping + 0.125*rtt
}

func (c *Connection) handleReliable(env *wire.Packet) {
	off := 0
	ch := env.ReadUint8(&off)
	seq := env.ReadUint32(&off)
	id := env.ReadUint32(&off)
	if env.Err() != nil || ch >= numChannels || id >= ControlBase {
		c.stats.Dropped++
		return
	}
	inner := wire.NewPacketFromBytes(id, env.Payload()[reliableHeaderSize:])

	var accepted bool
	if ch == channelOrdered {
		accepted = c.acceptOrdered(seq, inner)
	} else {
		accepted = c.acceptUnordered(seq, inner)
	}
	if !accepted {
		return
	}
	ack := wire.NewPacket(PacketAck)
	ack.WriteUint8(ch)
	ack.WriteUint32(seq)
	c.sendControl(ack)
}

func (c *Connection) acceptUnordered(seq uint32, p *wire.Packet) bool {
	if _, dup := c.unorderedSeen[seq]; dup || seq <= c.unorderedLow {
		c.stats.Duplicates++
		return true
	}
	c.unorderedSeen[seq] = struct{}{}
	for {
		if _, ok := c.unorderedSeen[c.unorderedLow+1]; !ok {
			break
		}
		c.unorderedLow++
		delete(c.unorderedSeen, c.unorderedLow)
	}
	c.incoming = append(c.incoming, p)
	return true
}

func (c *Connection) acceptOrdered(seq uint32, p *wire.Packet) bool {
	switch {
	case seq < c.orderedNext:
		c.stats.Duplicates++
		return true
	case seq == c.orderedNext:
		c.incoming = append(c.incoming, p)
		c.orderedNext++
		for {
			next, ok := c.orderedHeld[c.orderedNext]
			if !ok {
				break
			}
			delete(c.orderedHeld, c.orderedNext)
			c.incoming = append(c.incoming, next)
			c.orderedNext++
		}
		return true
	}
	if _, held := c.orderedHeld[seq]; held {
		c.stats.Duplicates++
		return true
	}
	if len(c.orderedHeld) >= c.opts.MaxHeld {
		c.stats.Dropped++
		return false
	}
	c.orderedHeld[seq] = p
	return true
}

// Close tells the peer and releases the socket.
func (c *Connection) Close() error {
	if c.status == StatusConnected {
		c.sendControl(wire.NewPacket(PacketDisconnect))
	}
	if c.status != StatusFailed {
		c.status = StatusDisconnected
	}
	c.pending = nil
	c.incoming = nil
	return c.sock.Close()
}
