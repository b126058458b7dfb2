package replication

// ChangeFunc is invoked synchronously whenever a sync var's value changes.
type ChangeFunc func(name string, old, new Value)

// SyncVar is a single replicated field. Its kind is fixed by the initial
// value; Set with a different kind is ignored.
//
// Dirty tracking compares against the value at the last ClearDirty, so a
// field that is changed and then changed back is clean again.
type SyncVar struct {
	name     string
	value    Value
	clean    Value
	onChange ChangeFunc
}

// NewSyncVar returns a clean sync var holding initial.
func NewSyncVar(name string, initial Value) SyncVar {
	return SyncVar{name: name, value: initial, clean: initial}
}

func (sv *SyncVar) Name() string {
	return sv.name
}

func (sv *SyncVar) Kind() Kind {
	return sv.value.kind
}

func (sv *SyncVar) Get() Value {
	return sv.value
}

// Set stores v and reports whether the value changed. Setting an equal
// value is a no-op and does not fire the change callback.
func (sv *SyncVar) Set(v Value) bool {
	if v.kind != sv.value.kind || v.Equal(sv.value) {
		return false
	}
	old := sv.value
	sv.value = v
	if sv.onChange != nil {
		sv.onChange(sv.name, old, v)
	}
	return true
}

// IsDirty reports whether the value differs from the one at the last ClearDirty.
func (sv *SyncVar) IsDirty() bool {
	return !sv.value.Equal(sv.clean)
}

// ClearDirty marks the current value as replicated.
func (sv *SyncVar) ClearDirty() {
	sv.clean = sv.value
}

// OnChange replaces the change callback. A nil fn removes it.
func (sv *SyncVar) OnChange(fn ChangeFunc) {
	sv.onChange = fn
}

// applyRemote stores a value received from the network. The callback fires
// on change but the var stays clean: remote state is not replicated back.
func (sv *SyncVar) applyRemote(v Value) {
	old := sv.value
	sv.value = v
	sv.clean = v
	if sv.onChange != nil && !old.Equal(v) {
		sv.onChange(sv.name, old, v)
	}
}
