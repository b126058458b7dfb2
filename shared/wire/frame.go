package wire

import (
	"errors"
	"fmt"
)

// HeaderSize is the size of the frame header: u32 packet id + u32 payload size.
const HeaderSize = 8

// DefaultMaxPayload bounds the payload size a FrameReader accepts.
const DefaultMaxPayload = 1 << 20

// ErrFrameTooLarge is returned when a frame header declares a payload larger
// than the reader accepts. The stream cannot be resynchronised after this.
var ErrFrameTooLarge = errors.New("wire: frame payload too large")

// EncodeFrame returns [packetId:u32][payloadSize:u32][payload].
func EncodeFrame(p *Packet) []byte {
	h := NewPacket(0)
	h.WriteUint32(p.ID())
	h.WriteUint32(uint32(p.Len()))
	out := make([]byte, 0, HeaderSize+p.Len())
	out = append(out, h.Payload()...)
	return append(out, p.Payload()...)
}

// FrameReader reassembles frames from a byte stream. Bytes are pushed as they
// arrive; partial frames stay buffered until the rest shows up.
type FrameReader struct {
	buf        []byte
	maxPayload int
}

// NewFrameReader returns a reader that rejects payloads over maxPayload bytes.
// A non-positive maxPayload selects DefaultMaxPayload.
func NewFrameReader(maxPayload int) *FrameReader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &FrameReader{maxPayload: maxPayload}
}

// Push appends received bytes.
func (r *FrameReader) Push(data []byte) {
	r.buf = append(r.buf, data...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}

// Next pops the next complete frame. It returns (nil, nil) when no complete
// frame is buffered yet.
func (r *FrameReader) Next() (*Packet, error) {
	if len(r.buf) < HeaderSize {
		return nil, nil
	}
	h := NewPacketFromBytes(0, r.buf[:HeaderSize])
	off := 0
	id := h.ReadUint32(&off)
	size := h.ReadUint32(&off)
	if uint64(size) > uint64(r.maxPayload) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, r.maxPayload)
	}
	total := HeaderSize + int(size)
	if len(r.buf) < total {
		return nil, nil
	}
	p := NewPacketFromBytes(id, r.buf[HeaderSize:total])
	r.buf = r.buf[total:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return p, nil
}
