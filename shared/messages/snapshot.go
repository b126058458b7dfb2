package messages

import (
	"errors"
	"fmt"

	"github.com/automoto/replica/shared/protocol"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/shared/snapshot"
	"github.com/automoto/replica/shared/wire"
)

// ErrBadEntry is returned for an object entry with an unknown encoding.
var ErrBadEntry = errors.New("messages: bad snapshot entry")

const (
	entryFull  uint8 = 0
	entryDelta uint8 = 1
)

// Entry is a decoded object entry of a snapshot message. A full entry holds
// the object payload; a delta entry holds a patch against the payload the
// client applied from snapshot BaselineID.
type Entry struct {
	Delta      bool
	BaselineID uint32
	Data       []byte
}

// FullEntry encodes a complete object payload.
func FullEntry(payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, entryFull)
	return append(out, payload...)
}

// DeltaEntry encodes a patch against a baseline snapshot.
func DeltaEntry(baselineID uint32, patch []byte) []byte {
	p := wire.NewPacket(0)
	p.WriteUint8(entryDelta)
	p.WriteUint32(baselineID)
	p.WriteRaw(patch)
	return p.Payload()
}

// DecodeEntry parses an entry encoding.
func DecodeEntry(b []byte) (Entry, error) {
	if len(b) == 0 {
		return Entry{}, fmt.Errorf("%w: empty", ErrBadEntry)
	}
	switch b[0] {
	case entryFull:
		return Entry{Data: b[1:]}, nil
	case entryDelta:
		if len(b) < 5 {
			return Entry{}, fmt.Errorf("%w: short delta header", ErrBadEntry)
		}
		p := wire.NewPacketFromBytes(0, b[1:5])
		off := 0
		return Entry{Delta: true, BaselineID: p.ReadUint32(&off), Data: b[5:]}, nil
	}
	return Entry{}, fmt.Errorf("%w: tag %d", ErrBadEntry, b[0])
}

// InputAck tells a client the server has processed an input.
type InputAck struct {
	ObjectID replication.NetworkID
	InputID  uint32
}

// Snapshot is a StateSnapshot whose payloads are entry encodings, followed
// by the input acknowledgements for the recipient.
type Snapshot struct {
	State *snapshot.StateSnapshot
	Acks  []InputAck
}

// AckSize is the encoded size of one input acknowledgement.
const AckSize = 8

func (m Snapshot) Packet() *wire.Packet {
	p := wire.NewPacket(protocol.PacketSnapshot)
	m.State.Encode(p)
	p.WriteUint32(uint32(len(m.Acks)))
	for _, a := range m.Acks {
		p.WriteUint32(uint32(a.ObjectID))
		p.WriteUint32(a.InputID)
	}
	return p
}

// EncodedSize is the size of the message payload.
func (m Snapshot) EncodedSize() int {
	return m.State.EncodedSize() + 4 + AckSize*len(m.Acks)
}

func DecodeSnapshot(p *wire.Packet) (Snapshot, error) {
	if err := expect(p, protocol.PacketSnapshot); err != nil {
		return Snapshot{}, err
	}
	off := 0
	s, err := snapshot.Decode(p, &off)
	if err != nil {
		return Snapshot{}, err
	}
	n := int(p.ReadUint32(&off))
	if p.Err() == nil && n > p.Remaining(off)/AckSize {
		return Snapshot{}, fmt.Errorf("decode snapshot acks: %d in %d bytes: %w", n, p.Remaining(off), wire.ErrBadLength)
	}
	m := Snapshot{State: s}
	for i := 0; i < n && p.Err() == nil; i++ {
		m.Acks = append(m.Acks, InputAck{
			ObjectID: replication.NetworkID(p.ReadUint32(&off)),
			InputID:  p.ReadUint32(&off),
		})
	}
	if err := finish(p, off, "snapshot"); err != nil {
		return Snapshot{}, err
	}
	return m, nil
}
