// Package wire implements the framed packet format shared by every peer.
//
// A Packet owns a growable little-endian buffer. Writes append to the end of
// the buffer; reads take an explicit cursor that the caller threads through
// consecutive calls. A read that would run past the end of the buffer returns
// the zero value, leaves the cursor untouched and records a decode error on
// the packet, so decoders check Err once after a sequence of reads instead of
// after every field.
package wire

import (
	"errors"
	"fmt"
	"math"

	crunch "github.com/superwhiskers/crunch/v3"
)

var (
	// ErrShortBuffer is recorded when a read needs more bytes than remain.
	ErrShortBuffer = errors.New("wire: read past end of buffer")
	// ErrBadLength is recorded when a length prefix is negative or exceeds
	// the bytes remaining in the buffer.
	ErrBadLength = errors.New("wire: declared length exceeds buffer")
)

// Packet is a unit of bytes tagged with a 32-bit id.
type Packet struct {
	*crunch.Buffer

	id     uint32
	err    error
	errors int
}

// NewPacket returns an empty packet with the given id.
func NewPacket(id uint32) *Packet {
	return &Packet{Buffer: crunch.NewBuffer(make([]byte, 0)), id: id}
}

// NewPacketFromBytes wraps a copy of data for reading.
func NewPacketFromBytes(id uint32, data []byte) *Packet {
	p := NewPacket(id)
	p.WriteRaw(data)
	return p
}

// ID returns the packet id.
func (p *Packet) ID() uint32 {
	return p.id
}

// Len returns the payload size in bytes.
func (p *Packet) Len() int {
	return int(p.ByteCapacity())
}

// Payload returns the payload bytes. The slice aliases the packet buffer.
func (p *Packet) Payload() []byte {
	return p.Bytes()[:p.Len()]
}

// Remaining reports how many bytes are left after off.
func (p *Packet) Remaining(off int) int {
	if off < 0 || off > p.Len() {
		return 0
	}
	return p.Len() - off
}

// Err returns the first decode error seen by this packet, if any.
func (p *Packet) Err() error {
	return p.err
}

// ErrorCount returns the number of failed reads on this packet.
func (p *Packet) ErrorCount() int {
	return p.errors
}

// Reset drops the payload and any recorded decode error.
func (p *Packet) Reset() {
	p.Buffer = crunch.NewBuffer(make([]byte, 0))
	p.err = nil
	p.errors = 0
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet(id=%d, len=%d)", p.id, p.Len())
}

func (p *Packet) fail(err error) {
	p.errors++
	if p.err == nil {
		p.err = err
	}
}

// reserve grows the buffer by n bytes and returns the offset of the new space.
func (p *Packet) reserve(n int) int64 {
	off := p.ByteCapacity()
	p.Grow(int64(n))
	return off
}

// need checks that n bytes can be read at *off.
func (p *Packet) need(off *int, n int) bool {
	if off == nil || *off < 0 || n < 0 || p.Remaining(*off) < n {
		p.fail(ErrShortBuffer)
		return false
	}
	return true
}

func (p *Packet) WriteInt8(v int8) {
	p.WriteBytes(p.reserve(1), []byte{byte(v)})
}

func (p *Packet) WriteUint8(v uint8) {
	p.WriteBytes(p.reserve(1), []byte{v})
}

func (p *Packet) WriteInt16(v int16) {
	p.WriteI16LE(p.reserve(2), []int16{v})
}

func (p *Packet) WriteUint16(v uint16) {
	p.WriteU16LE(p.reserve(2), []uint16{v})
}

func (p *Packet) WriteInt32(v int32) {
	p.WriteI32LE(p.reserve(4), []int32{v})
}

func (p *Packet) WriteUint32(v uint32) {
	p.WriteU32LE(p.reserve(4), []uint32{v})
}

func (p *Packet) WriteInt64(v int64) {
	p.WriteI64LE(p.reserve(8), []int64{v})
}

func (p *Packet) WriteUint64(v uint64) {
	p.WriteU64LE(p.reserve(8), []uint64{v})
}

// WriteFloat writes a 32-bit IEEE 754 value.
func (p *Packet) WriteFloat(v float32) {
	p.WriteU32LE(p.reserve(4), []uint32{math.Float32bits(v)})
}

// WriteDouble writes a 64-bit IEEE 754 value.
func (p *Packet) WriteDouble(v float64) {
	p.WriteU64LE(p.reserve(8), []uint64{math.Float64bits(v)})
}

// WriteString writes an i32 byte length followed by the raw UTF-8 bytes.
func (p *Packet) WriteString(s string) {
	p.WriteBlob([]byte(s))
}

// WriteBlob writes an i32 length prefix followed by data.
func (p *Packet) WriteBlob(data []byte) {
	p.WriteInt32(int32(len(data)))
	p.WriteRaw(data)
}

// WriteRaw appends data without a length prefix.
func (p *Packet) WriteRaw(data []byte) {
	if len(data) == 0 {
		return
	}
	p.WriteBytes(p.reserve(len(data)), data)
}

func (p *Packet) ReadInt8(off *int) int8 {
	return int8(p.ReadUint8(off))
}

func (p *Packet) ReadUint8(off *int) uint8 {
	if !p.need(off, 1) {
		return 0
	}
	v := p.Bytes()[*off]
	*off++
	return v
}

func (p *Packet) ReadInt16(off *int) int16 {
	if !p.need(off, 2) {
		return 0
	}
	v := p.ReadI16LE(int64(*off), 1)[0]
	*off += 2
	return v
}

func (p *Packet) ReadUint16(off *int) uint16 {
	if !p.need(off, 2) {
		return 0
	}
	v := p.ReadU16LE(int64(*off), 1)[0]
	*off += 2
	return v
}

func (p *Packet) ReadInt32(off *int) int32 {
	if !p.need(off, 4) {
		return 0
	}
	v := p.ReadI32LE(int64(*off), 1)[0]
	*off += 4
	return v
}

func (p *Packet) ReadUint32(off *int) uint32 {
	if !p.need(off, 4) {
		return 0
	}
	v := p.ReadU32LE(int64(*off), 1)[0]
	*off += 4
	return v
}

func (p *Packet) ReadInt64(off *int) int64 {
	if !p.need(off, 8) {
		return 0
	}
	v := p.ReadI64LE(int64(*off), 1)[0]
	*off += 8
	return v
}

func (p *Packet) ReadUint64(off *int) uint64 {
	if !p.need(off, 8) {
		return 0
	}
	v := p.ReadU64LE(int64(*off), 1)[0]
	*off += 8
	return v
}

func (p *Packet) ReadFloat(off *int) float32 {
	if !p.need(off, 4) {
		return 0
	}
	return math.Float32frombits(p.ReadUint32(off))
}

func (p *Packet) ReadDouble(off *int) float64 {
	if !p.need(off, 8) {
		return 0
	}
	return math.Float64frombits(p.ReadUint64(off))
}

// ReadString reads a length-prefixed string. A declared length larger than
// the remaining bytes is rejected without touching the buffer past its end.
func (p *Packet) ReadString(off *int) string {
	return string(p.ReadBlob(off))
}

// ReadBlob reads a length-prefixed byte range and returns a copy.
func (p *Packet) ReadBlob(off *int) []byte {
	if !p.need(off, 4) {
		return nil
	}
	start := *off
	n := int(p.ReadInt32(off))
	if n < 0 || p.Remaining(*off) < n {
		*off = start
		p.fail(ErrBadLength)
		return nil
	}
	return p.ReadRaw(off, n)
}

// ReadRaw reads n bytes and returns a copy.
func (p *Packet) ReadRaw(off *int, n int) []byte {
	if !p.need(off, n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, p.Bytes()[*off:*off+n])
	*off += n
	return out
}
