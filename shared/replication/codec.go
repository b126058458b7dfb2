package replication

import (
	"fmt"

	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/wire"
)

const flagTransform = 1 << 0

// minVarSize is the smallest encoding of a sync var: empty name, kind tag
// and an empty string value.
const minVarSize = 4 + 1 + 4

// VarState is one named value inside an object payload.
type VarState struct {
	Name  string
	Value Value
}

// State is the decoded form of an object payload.
//
// Layout: u32 owner | u8 authority | u8 flags | f32 updateRate |
// [transform: 10 x f32] | u16 varCount | varCount x (string name, u8 kind, value).
type State struct {
	Owner        ClientID
	Authority    netconfig.Authority
	UpdateRate   float64
	HasTransform bool
	Transform    gamemath.Transform
	Vars         []VarState
}

// Lookup returns the value of a named var in s.
func (s State) Lookup(name string) (Value, bool) {
	for _, v := range s.Vars {
		if v.Name == name {
			return v.Value, true
		}
	}
	return Value{}, false
}

// State captures the object's current replicated fields.
func (o *NetworkedObject) State() State {
	s := State{
		Owner:        o.owner,
		Authority:    o.authority,
		UpdateRate:   o.updateRate,
		HasTransform: o.syncTransform,
		Transform:    o.transform,
		Vars:         make([]VarState, len(o.vars)),
	}
	for i := range o.vars {
		s.Vars[i] = VarState{Name: o.vars[i].name, Value: o.vars[i].value}
	}
	return s
}

// Serialize writes the object's full state to p.
func (o *NetworkedObject) Serialize(p *wire.Packet) {
	o.State().Encode(p)
}

// Payload returns the object's full state as a standalone byte slice.
func (o *NetworkedObject) Payload() []byte {
	p := wire.NewPacket(0)
	o.Serialize(p)
	return p.Payload()
}

// Encode writes s to p.
func (s State) Encode(p *wire.Packet) {
	p.WriteUint32(uint32(s.Owner))
	p.WriteUint8(uint8(s.Authority))
	var flags uint8
	if s.HasTransform {
		flags |= flagTransform
	}
	p.WriteUint8(flags)
	p.WriteFloat(float32(s.UpdateRate))
	if s.HasTransform {
		writeTransform(p, s.Transform)
	}
	p.WriteUint16(uint16(len(s.Vars)))
	for _, v := range s.Vars {
		p.WriteString(v.Name)
		writeValue(p, v.Value)
	}
}

// DecodeState parses an object payload. It is all-or-nothing: a truncated,
// oversized or otherwise malformed payload yields an error and no state.
func DecodeState(payload []byte) (State, error) {
	p := wire.NewPacketFromBytes(0, payload)
	off := 0
	var s State
	s.Owner = ClientID(p.ReadUint32(&off))
	s.Authority = netconfig.Authority(p.ReadUint8(&off))
	flags := p.ReadUint8(&off)
	s.UpdateRate = float64(p.ReadFloat(&off))
	if err := p.Err(); err != nil {
		return State{}, fmt.Errorf("decode object header: %w", err)
	}
	if !s.Authority.Valid() {
		return State{}, fmt.Errorf("%w: %d", ErrBadAuthority, s.Authority)
	}
	if flags&flagTransform != 0 {
		s.HasTransform = true
		s.Transform = readTransform(p, &off)
	}
	count := int(p.ReadUint16(&off))
	if err := p.Err(); err != nil {
		return State{}, fmt.Errorf("decode object header: %w", err)
	}
	if count*minVarSize > p.Remaining(off) {
		return State{}, fmt.Errorf("decode object: %d vars in %d bytes: %w", count, p.Remaining(off), wire.ErrBadLength)
	}
	seen := make(map[string]struct{}, count)
	s.Vars = make([]VarState, 0, count)
	for i := 0; i < count; i++ {
		name := p.ReadString(&off)
		v, err := readValue(p, &off)
		if err != nil {
			return State{}, fmt.Errorf("decode var %d: %w", i, err)
		}
		if err := p.Err(); err != nil {
			return State{}, fmt.Errorf("decode var %d: %w", i, err)
		}
		if _, dup := seen[name]; dup {
			return State{}, fmt.Errorf("decode var %d: %w: %q", i, ErrDuplicateVar, name)
		}
		seen[name] = struct{}{}
		s.Vars = append(s.Vars, VarState{Name: name, Value: v})
	}
	if off != p.Len() {
		return State{}, fmt.Errorf("%w: %d", ErrTrailingBytes, p.Len()-off)
	}
	return s, nil
}

// PeekTransform extracts only the transform from a payload.
func PeekTransform(payload []byte) (gamemath.Transform, bool) {
	p := wire.NewPacketFromBytes(0, payload)
	off := 5
	flags := p.ReadUint8(&off)
	off += 4
	if flags&flagTransform == 0 || p.Err() != nil {
		return gamemath.Transform{}, false
	}
	t := readTransform(p, &off)
	return t, p.Err() == nil
}

// ApplyOptions narrows what ApplyState touches.
type ApplyOptions struct {
	// SkipTransform leaves the local transform alone, for objects whose
	// pose is driven by prediction or interpolation.
	SkipTransform bool
}

// ApplyState installs authoritative state received from the server.
// Unknown vars are registered in payload order; the object stays clean.
// Applying the same state twice leaves the object unchanged.
func (o *NetworkedObject) ApplyState(s State, opts ApplyOptions) {
	o.owner = s.Owner
	o.authority = s.Authority
	o.updateRate = s.UpdateRate
	for _, vs := range s.Vars {
		id, ok := o.index[vs.Name]
		if !ok {
			id = VarID(len(o.vars))
			o.vars = append(o.vars, NewSyncVar(vs.Name, vs.Value))
			o.index[vs.Name] = id
			continue
		}
		o.vars[id].applyRemote(vs.Value)
	}
	if s.HasTransform {
		o.syncTransform = true
		if !opts.SkipTransform {
			o.SetRemoteTransform(s.Transform)
		}
	}
}

// ApplyUpstream installs state written by a client. Only vars the server
// already declared are updated, with their declared kind, and they become
// dirty so the change fans out to other clients.
func (o *NetworkedObject) ApplyUpstream(s State) int {
	changed := 0
	for _, vs := range s.Vars {
		id, ok := o.index[vs.Name]
		if !ok {
			continue
		}
		if o.vars[id].Set(vs.Value) {
			changed++
		}
	}
	if s.HasTransform && o.syncTransform && o.transform != s.Transform {
		o.transform = s.Transform
		changed++
	}
	return changed
}

// NewObjectFromState builds a client-side replica for a freshly seen id.
func NewObjectFromState(id NetworkID, s State) *NetworkedObject {
	o := NewNetworkedObject(s.Authority)
	o.id = id
	o.assigned = true
	o.ApplyState(s, ApplyOptions{})
	return o
}

func writeTransform(p *wire.Packet, t gamemath.Transform) {
	writeVec3(p, t.Position)
	writeQuat(p, t.Rotation)
	writeVec3(p, t.Scale)
}

func readTransform(p *wire.Packet, off *int) gamemath.Transform {
	return gamemath.Transform{
		Position: readVec3(p, off),
		Rotation: readQuat(p, off),
		Scale:    readVec3(p, off),
	}
}

func writeVec3(p *wire.Packet, v gamemath.Vec3) {
	p.WriteFloat(float32(v.X))
	p.WriteFloat(float32(v.Y))
	p.WriteFloat(float32(v.Z))
}

func readVec3(p *wire.Packet, off *int) gamemath.Vec3 {
	x := p.ReadFloat(off)
	y := p.ReadFloat(off)
	z := p.ReadFloat(off)
	return gamemath.V3(float64(x), float64(y), float64(z))
}

func writeQuat(p *wire.Packet, q gamemath.Quat) {
	p.WriteFloat(float32(q.X))
	p.WriteFloat(float32(q.Y))
	p.WriteFloat(float32(q.Z))
	p.WriteFloat(float32(q.W))
}

func readQuat(p *wire.Packet, off *int) gamemath.Quat {
	x := p.ReadFloat(off)
	y := p.ReadFloat(off)
	z := p.ReadFloat(off)
	w := p.ReadFloat(off)
	return gamemath.Quat{X: float64(x), Y: float64(y), Z: float64(z), W: float64(w)}
}

func writeValue(p *wire.Packet, v Value) {
	p.WriteUint8(uint8(v.kind))
	switch v.kind {
	case KindInt:
		p.WriteInt64(v.i)
	case KindFloat:
		p.WriteDouble(v.f)
	case KindVec3:
		writeVec3(p, v.v)
	case KindQuat:
		writeQuat(p, v.q)
	case KindString:
		p.WriteString(v.s)
	case KindBytes:
		p.WriteBlob(v.b)
	}
}

func readValue(p *wire.Packet, off *int) (Value, error) {
	kind := Kind(p.ReadUint8(off))
	switch kind {
	case KindInt:
		return Int(p.ReadInt64(off)), nil
	case KindFloat:
		return Float(p.ReadDouble(off)), nil
	case KindVec3:
		return Vec3(readVec3(p, off)), nil
	case KindQuat:
		return Quat(readQuat(p, off)), nil
	case KindString:
		return String(p.ReadString(off)), nil
	case KindBytes:
		return Value{kind: KindBytes, b: p.ReadBlob(off)}, nil
	}
	if err := p.Err(); err != nil {
		return Value{}, err
	}
	return Value{}, fmt.Errorf("%w: %d", ErrInvalidKind, kind)
}
