// Package messages encodes the application messages exchanged between the
// server and its clients on top of wire packets.
package messages

import (
	"errors"
	"fmt"

	"github.com/automoto/replica/shared/protocol"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/shared/wire"
)

var (
	ErrWrongPacket   = errors.New("messages: unexpected packet id")
	ErrTrailingBytes = errors.New("messages: trailing bytes")
)

func expect(p *wire.Packet, id uint32) error {
	if p.ID() != id {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongPacket, protocol.Name(p.ID()), protocol.Name(id))
	}
	return nil
}

func finish(p *wire.Packet, off int, what string) error {
	if err := p.Err(); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	if off != p.Len() {
		return fmt.Errorf("decode %s: %w: %d", what, ErrTrailingBytes, p.Len()-off)
	}
	return nil
}

// Welcome is the first message a client receives.
type Welcome struct {
	ClientID   replication.ClientID
	ServerTime float64
	TickRate   uint32
}

func (m Welcome) Packet() *wire.Packet {
	p := wire.NewPacket(protocol.PacketWelcome)
	p.WriteUint32(uint32(m.ClientID))
	p.WriteDouble(m.ServerTime)
	p.WriteUint32(m.TickRate)
	return p
}

func DecodeWelcome(p *wire.Packet) (Welcome, error) {
	if err := expect(p, protocol.PacketWelcome); err != nil {
		return Welcome{}, err
	}
	off := 0
	m := Welcome{
		ClientID:   replication.ClientID(p.ReadUint32(&off)),
		ServerTime: p.ReadDouble(&off),
		TickRate:   p.ReadUint32(&off),
	}
	if err := finish(p, off, "welcome"); err != nil {
		return Welcome{}, err
	}
	return m, nil
}

// SnapshotAck confirms a snapshot was applied.
type SnapshotAck struct {
	SnapshotID uint32
}

func (m SnapshotAck) Packet() *wire.Packet {
	p := wire.NewPacket(protocol.PacketSnapshotAck)
	p.WriteUint32(m.SnapshotID)
	return p
}

func DecodeSnapshotAck(p *wire.Packet) (SnapshotAck, error) {
	if err := expect(p, protocol.PacketSnapshotAck); err != nil {
		return SnapshotAck{}, err
	}
	off := 0
	m := SnapshotAck{SnapshotID: p.ReadUint32(&off)}
	if err := finish(p, off, "snapshot ack"); err != nil {
		return SnapshotAck{}, err
	}
	return m, nil
}

// Despawn retires a network id on the client. Snapshot entries for the id
// from snapshots up to and including SnapshotID were sent before the
// despawn and must not respawn the object.
type Despawn struct {
	NetworkID  replication.NetworkID
	SnapshotID uint32
}

func (m Despawn) Packet() *wire.Packet {
	p := wire.NewPacket(protocol.PacketDespawn)
	p.WriteUint32(uint32(m.NetworkID))
	p.WriteUint32(m.SnapshotID)
	return p
}

func DecodeDespawn(p *wire.Packet) (Despawn, error) {
	if err := expect(p, protocol.PacketDespawn); err != nil {
		return Despawn{}, err
	}
	off := 0
	m := Despawn{
		NetworkID:  replication.NetworkID(p.ReadUint32(&off)),
		SnapshotID: p.ReadUint32(&off),
	}
	if err := finish(p, off, "despawn"); err != nil {
		return Despawn{}, err
	}
	return m, nil
}

// RPC invokes a named handler on an object at the peer.
type RPC struct {
	ObjectID replication.NetworkID
	Name     string
	Params   []byte
}

func (m RPC) Packet() *wire.Packet {
	p := wire.NewPacket(protocol.PacketRPC)
	p.WriteUint32(uint32(m.ObjectID))
	p.WriteString(m.Name)
	p.WriteBlob(m.Params)
	return p
}

func DecodeRPC(p *wire.Packet) (RPC, error) {
	if err := expect(p, protocol.PacketRPC); err != nil {
		return RPC{}, err
	}
	off := 0
	m := RPC{
		ObjectID: replication.NetworkID(p.ReadUint32(&off)),
		Name:     p.ReadString(&off),
		Params:   p.ReadBlob(&off),
	}
	if err := finish(p, off, "rpc"); err != nil {
		return RPC{}, err
	}
	return m, nil
}

// Input carries one client input for a predicted object.
type Input struct {
	ObjectID replication.NetworkID
	InputID  uint32
	Payload  []byte
}

func (m Input) Packet() *wire.Packet {
	p := wire.NewPacket(protocol.PacketInput)
	p.WriteUint32(uint32(m.ObjectID))
	p.WriteUint32(m.InputID)
	p.WriteBlob(m.Payload)
	return p
}

func DecodeInput(p *wire.Packet) (Input, error) {
	if err := expect(p, protocol.PacketInput); err != nil {
		return Input{}, err
	}
	off := 0
	m := Input{
		ObjectID: replication.NetworkID(p.ReadUint32(&off)),
		InputID:  p.ReadUint32(&off),
		Payload:  p.ReadBlob(&off),
	}
	if err := finish(p, off, "input"); err != nil {
		return Input{}, err
	}
	return m, nil
}

// ObjectState carries a client's writes to an object it has authority over.
type ObjectState struct {
	NetworkID replication.NetworkID
	Payload   []byte
}

func (m ObjectState) Packet() *wire.Packet {
	p := wire.NewPacket(protocol.PacketObjectState)
	p.WriteUint32(uint32(m.NetworkID))
	p.WriteBlob(m.Payload)
	return p
}

func DecodeObjectState(p *wire.Packet) (ObjectState, error) {
	if err := expect(p, protocol.PacketObjectState); err != nil {
		return ObjectState{}, err
	}
	off := 0
	m := ObjectState{
		NetworkID: replication.NetworkID(p.ReadUint32(&off)),
		Payload:   p.ReadBlob(&off),
	}
	if err := finish(p, off, "object state"); err != nil {
		return ObjectState{}, err
	}
	return m, nil
}
