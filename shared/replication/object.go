// Package replication models replicated entities: typed sync vars grouped
// into networked objects, plus the self-describing payload each object
// serializes to.
package replication

import (
	"errors"
	"fmt"

	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/leap-fish/necs/esync"
)

// NetworkID identifies an object across every peer for its whole lifetime.
type NetworkID = esync.NetworkId

// ClientID identifies a connected client. Zero means "no client".
type ClientID uint32

// NoClient is the owner of objects nobody owns.
const NoClient ClientID = 0

// VarID indexes a sync var in registration order.
type VarID int

var (
	ErrDuplicateVar  = errors.New("replication: sync var already registered")
	ErrInvalidKind   = errors.New("replication: invalid sync var kind")
	ErrUnknownVar    = errors.New("replication: unknown sync var")
	ErrIDAssigned    = errors.New("replication: network id already assigned")
	ErrBadAuthority  = errors.New("replication: invalid authority")
	ErrTrailingBytes = errors.New("replication: trailing bytes after object state")
)

// NetworkedObject is a replicated entity. Its sync vars live inline in the
// object and keep registration order, which is also their wire order.
type NetworkedObject struct {
	id        NetworkID
	assigned  bool
	authority netconfig.Authority
	owner     ClientID

	vars  []SyncVar
	index map[string]VarID

	syncTransform  bool
	transform      gamemath.Transform
	cleanTransform gamemath.Transform

	updateRate float64
	priority   int
}

// NewNetworkedObject returns an unregistered object with the given authority.
func NewNetworkedObject(authority netconfig.Authority) *NetworkedObject {
	t := gamemath.IdentityTransform()
	return &NetworkedObject{
		authority:      authority,
		index:          make(map[string]VarID),
		transform:      t,
		cleanTransform: t,
	}
}

// ID returns the network id, or zero before registration.
func (o *NetworkedObject) ID() NetworkID {
	return o.id
}

// AssignID binds the network id. It may only happen once.
func (o *NetworkedObject) AssignID(id NetworkID) error {
	if o.assigned {
		return fmt.Errorf("%w: %d", ErrIDAssigned, o.id)
	}
	o.id = id
	o.assigned = true
	return nil
}

// HasID reports whether a network id has been assigned.
func (o *NetworkedObject) HasID() bool {
	return o.assigned
}

func (o *NetworkedObject) Authority() netconfig.Authority {
	return o.authority
}

func (o *NetworkedObject) Owner() ClientID {
	return o.owner
}

// SetOwner records which client controls a client-authority object.
func (o *NetworkedObject) SetOwner(id ClientID) {
	o.owner = id
}

// UpdateRate is the maximum send rate in Hz. Zero sends every tick.
func (o *NetworkedObject) UpdateRate() float64 {
	return o.updateRate
}

func (o *NetworkedObject) SetUpdateRate(hz float64) {
	if hz < 0 {
		hz = 0
	}
	o.updateRate = hz
}

// Priority overrides distance ordering; higher goes first.
func (o *NetworkedObject) Priority() int {
	return o.priority
}

func (o *NetworkedObject) SetPriority(p int) {
	o.priority = p
}

// RegisterSyncVar declares a field. Names are unique per object.
func (o *NetworkedObject) RegisterSyncVar(name string, initial Value) (VarID, error) {
	if _, ok := o.index[name]; ok {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateVar, name)
	}
	if _, ok := kindNames[initial.kind]; !ok {
		return 0, fmt.Errorf("%w: %q has %s", ErrInvalidKind, name, initial.kind)
	}
	id := VarID(len(o.vars))
	o.vars = append(o.vars, NewSyncVar(name, initial))
	o.index[name] = id
	return id, nil
}

// Lookup finds a sync var by name.
func (o *NetworkedObject) Lookup(name string) (VarID, bool) {
	id, ok := o.index[name]
	return id, ok
}

// Var returns the sync var for id. The pointer is only valid until the next
// RegisterSyncVar call on this object.
func (o *NetworkedObject) Var(id VarID) *SyncVar {
	if id < 0 || int(id) >= len(o.vars) {
		return nil
	}
	return &o.vars[id]
}

// VarCount returns the number of registered sync vars.
func (o *NetworkedObject) VarCount() int {
	return len(o.vars)
}

// Get returns the value of a sync var, or the zero Value for an unknown id.
func (o *NetworkedObject) Get(id VarID) Value {
	if sv := o.Var(id); sv != nil {
		return sv.Get()
	}
	return Value{}
}

// Set writes a sync var and reports whether it changed.
func (o *NetworkedObject) Set(id VarID, v Value) bool {
	if sv := o.Var(id); sv != nil {
		return sv.Set(v)
	}
	return false
}

// SetByName writes a sync var by name.
func (o *NetworkedObject) SetByName(name string, v Value) (bool, error) {
	id, ok := o.index[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownVar, name)
	}
	return o.Set(id, v), nil
}

// OnChange installs a change callback on a sync var.
func (o *NetworkedObject) OnChange(id VarID, fn ChangeFunc) {
	if sv := o.Var(id); sv != nil {
		sv.OnChange(fn)
	}
}

// EnableTransformSync turns transform replication on or off.
func (o *NetworkedObject) EnableTransformSync(on bool) {
	o.syncTransform = on
}

// TransformSynced reports whether the transform is replicated.
func (o *NetworkedObject) TransformSynced() bool {
	return o.syncTransform
}

func (o *NetworkedObject) Transform() gamemath.Transform {
	return o.transform
}

func (o *NetworkedObject) SetTransform(t gamemath.Transform) {
	o.transform = t
}

// SetPosition moves the object, keeping rotation and scale.
func (o *NetworkedObject) SetPosition(p gamemath.Vec3) {
	o.transform.Position = p
}

// HasDirtyState reports whether any sync var is dirty, or the synced
// transform changed since the last ClearDirtyState.
func (o *NetworkedObject) HasDirtyState() bool {
	for i := range o.vars {
		if o.vars[i].IsDirty() {
			return true
		}
	}
	return o.syncTransform && !sameTransform(o.transform, o.cleanTransform)
}

func sameTransform(a, b gamemath.Transform) bool {
	return Vec3(a.Position).Equal(Vec3(b.Position)) &&
		Quat(a.Rotation).Equal(Quat(b.Rotation)) &&
		Vec3(a.Scale).Equal(Vec3(b.Scale))
}

// ClearDirtyState marks every field as replicated.
func (o *NetworkedObject) ClearDirtyState() {
	for i := range o.vars {
		o.vars[i].ClearDirty()
	}
	o.cleanTransform = o.transform
}

// SetRemoteTransform stores a transform received from the network without
// marking the object dirty.
func (o *NetworkedObject) SetRemoteTransform(t gamemath.Transform) {
	o.transform = t
	o.cleanTransform = t
}
