// Package snapshot holds timestamped captures of object state, the bounded
// buffer clients interpolate from, and the interpolation curves themselves.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/shared/wire"
)

var (
	ErrDuplicateObject = errors.New("snapshot: object appears twice")
	ErrTrailingBytes   = errors.New("snapshot: trailing bytes")
)

// entryHeaderSize is the per-object overhead: u32 networkId + u32 payloadLen.
const entryHeaderSize = 8

// HeaderSize is the fixed prefix: u32 snapshotId + f64 timestamp + u32 count.
const HeaderSize = 16

// Entry is one object's payload within a snapshot.
type Entry struct {
	ID      replication.NetworkID
	Payload []byte
}

// StateSnapshot is a point-in-time capture of several objects. Treat it as
// immutable once it has been handed to a Buffer or sent.
type StateSnapshot struct {
	ID        uint32
	Timestamp float64

	entries []Entry
	index   map[replication.NetworkID]int
}

func New(id uint32, timestamp float64) *StateSnapshot {
	return &StateSnapshot{ID: id, Timestamp: timestamp, index: make(map[replication.NetworkID]int)}
}

// Add appends an object payload. Each network id may appear only once.
func (s *StateSnapshot) Add(id replication.NetworkID, payload []byte) error {
	if _, ok := s.index[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateObject, id)
	}
	s.index[id] = len(s.entries)
	s.entries = append(s.entries, Entry{ID: id, Payload: payload})
	return nil
}

// Get returns the payload of an object, if present.
func (s *StateSnapshot) Get(id replication.NetworkID) ([]byte, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.entries[i].Payload, true
}

// Has reports whether id is in the snapshot.
func (s *StateSnapshot) Has(id replication.NetworkID) bool {
	_, ok := s.index[id]
	return ok
}

// Entries returns the objects in encoding order.
func (s *StateSnapshot) Entries() []Entry {
	return s.entries
}

// Len returns the number of objects.
func (s *StateSnapshot) Len() int {
	return len(s.entries)
}

// IDs returns the network ids in encoding order.
func (s *StateSnapshot) IDs() []replication.NetworkID {
	ids := make([]replication.NetworkID, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.ID
	}
	return ids
}

// EncodedSize is the number of bytes Encode writes.
func (s *StateSnapshot) EncodedSize() int {
	n := HeaderSize
	for _, e := range s.entries {
		n += EntrySize(len(e.Payload))
	}
	return n
}

// EntrySize is the encoded cost of one object with a payload of n bytes.
func EntrySize(n int) int {
	return entryHeaderSize + n
}

// Encode writes u32 snapshotId | f64 timestamp | u32 objectCount |
// {u32 networkId, u32 payloadLen, payload}*.
func (s *StateSnapshot) Encode(p *wire.Packet) {
	p.WriteUint32(s.ID)
	p.WriteDouble(s.Timestamp)
	p.WriteUint32(uint32(len(s.entries)))
	for _, e := range s.entries {
		p.WriteUint32(uint32(e.ID))
		p.WriteUint32(uint32(len(e.Payload)))
		p.WriteRaw(e.Payload)
	}
}

// Marshal returns the encoded snapshot.
func (s *StateSnapshot) Marshal() []byte {
	p := wire.NewPacket(0)
	s.Encode(p)
	return p.Payload()
}

// Decode reads a snapshot starting at *off and advances the cursor. Every
// declared count and length is checked against the bytes remaining before
// anything is allocated.
func Decode(p *wire.Packet, off *int) (*StateSnapshot, error) {
	start := *off
	id := p.ReadUint32(off)
	ts := p.ReadDouble(off)
	count := int(p.ReadUint32(off))
	if err := p.Err(); err != nil {
		*off = start
		return nil, fmt.Errorf("decode snapshot header: %w", err)
	}
	if count < 0 || count > p.Remaining(*off)/entryHeaderSize {
		*off = start
		return nil, fmt.Errorf("decode snapshot: %d objects in %d bytes: %w", count, p.Remaining(*off), wire.ErrBadLength)
	}
	s := New(id, ts)
	s.entries = make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		oid := replication.NetworkID(p.ReadUint32(off))
		n := int(p.ReadUint32(off))
		if err := p.Err(); err != nil {
			*off = start
			return nil, fmt.Errorf("decode snapshot entry %d: %w", i, err)
		}
		if n < 0 || n > p.Remaining(*off) {
			*off = start
			return nil, fmt.Errorf("decode snapshot entry %d: payload %d: %w", i, n, wire.ErrBadLength)
		}
		payload := p.ReadRaw(off, n)
		if err := s.Add(oid, payload); err != nil {
			*off = start
			return nil, err
		}
	}
	return s, nil
}

// Unmarshal decodes a snapshot that must span all of data.
func Unmarshal(data []byte) (*StateSnapshot, error) {
	p := wire.NewPacketFromBytes(0, data)
	off := 0
	s, err := Decode(p, &off)
	if err != nil {
		return nil, err
	}
	if off != p.Len() {
		return nil, fmt.Errorf("%w: %d", ErrTrailingBytes, p.Len()-off)
	}
	return s, nil
}
