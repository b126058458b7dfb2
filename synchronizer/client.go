package synchronizer

import (
	"fmt"
	"sort"

	"github.com/automoto/replica/network"
	"github.com/automoto/replica/shared/delta"
	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/messages"
	"github.com/automoto/replica/shared/netcomponents"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/protocol"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/shared/snapshot"
	"github.com/automoto/replica/shared/wire"
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
	"github.com/yohamta/donburi"
)

// payloadHistorySize is the number of applied payloads kept per object as
// delta baselines. BaselineWindow never exceeds it.
const payloadHistorySize = 64

// serverTimeSmoothing weighs each new server clock sample.
const serverTimeSmoothing = 0.1

type historyEntry struct {
	snapshotID uint32
	payload    []byte
	valid      bool
}

// payloadHistory remembers the payloads applied for one object, keyed by
// the snapshot that carried them.
type payloadHistory [payloadHistorySize]historyEntry

func (h *payloadHistory) put(snapshotID uint32, payload []byte) {
	h[snapshotID%payloadHistorySize] = historyEntry{snapshotID: snapshotID, payload: payload, valid: true}
}

func (h *payloadHistory) get(snapshotID uint32) ([]byte, bool) {
	e := h[snapshotID%payloadHistorySize]
	if !e.valid || e.snapshotID != snapshotID {
		return nil, false
	}
	return e.payload, true
}

type clientState struct {
	conn     *network.Connection
	clientID replication.ClientID
	welcomed bool
	lost     bool
	tickRate uint32

	buffer      *snapshot.Buffer
	lastApplied uint32
	applied     bool

	history   map[replication.NetworkID]*payloadHistory
	despawned map[replication.NetworkID]uint32
	lastAuth  map[replication.NetworkID]gamemath.Transform

	predictions map[replication.NetworkID]*network.PredictionBuffer
	reconciled  map[replication.NetworkID]uint32
	inputSeq    map[replication.NetworkID]uint32

	timeOffset float64
	hasOffset  bool
	lastUpdate float64
	hasUpdated bool
}

func newClientState(maxSnapshots int) *clientState {
	return &clientState{
		buffer:      snapshot.NewBuffer(maxSnapshots),
		history:     make(map[replication.NetworkID]*payloadHistory),
		despawned:   make(map[replication.NetworkID]uint32),
		lastAuth:    make(map[replication.NetworkID]gamemath.Transform),
		predictions: make(map[replication.NetworkID]*network.PredictionBuffer),
		reconciled:  make(map[replication.NetworkID]uint32),
		inputSeq:    make(map[replication.NetworkID]uint32),
	}
}

func (cs *clientState) forget(id replication.NetworkID) {
	delete(cs.history, id)
	delete(cs.lastAuth, id)
	delete(cs.predictions, id)
	delete(cs.reconciled, id)
	delete(cs.inputSeq, id)
}

// resetPredictions drops every outstanding prediction without reconciling.
func (cs *clientState) resetPredictions() {
	for _, pb := range cs.predictions {
		pb.Reset()
	}
	cs.reconciled = make(map[replication.NetworkID]uint32)
	cs.inputSeq = make(map[replication.NetworkID]uint32)
}

// resetSession forgets what depends on the previous connection's snapshot
// numbering and clock. Objects are kept until the new server replaces or
// despawns them.
func (cs *clientState) resetSession() {
	cs.buffer.Clear()
	cs.applied = false
	cs.lastApplied = 0
	cs.history = make(map[replication.NetworkID]*payloadHistory)
	cs.despawned = make(map[replication.NetworkID]uint32)
	cs.hasOffset = false
	cs.resetPredictions()
}

// Connect attaches the connection to the server. The client stays idle
// until the server's Welcome arrives. Reconnecting starts a new snapshot
// sequence.
func (s *StateSynchronizer) Connect(conn *network.Connection) error {
	if s.client == nil {
		return ErrWrongRole
	}
	if conn == nil {
		return ErrNotConnected
	}
	if s.client.conn != nil {
		s.client.resetSession()
	}
	s.client.conn = conn
	s.client.lost = false
	s.client.welcomed = false
	return nil
}

// Connection returns the client's server connection, if any.
func (s *StateSynchronizer) Connection() *network.Connection {
	if s.client == nil {
		return nil
	}
	return s.client.conn
}

// Welcomed reports whether the server has assigned this client an id.
func (s *StateSynchronizer) Welcomed() bool {
	return s.client != nil && s.client.welcomed
}

// ClientID returns the id the server assigned to this client.
func (s *StateSynchronizer) ClientID() replication.ClientID {
	if s.client == nil {
		return replication.NoClient
	}
	return s.client.clientID
}

// SetClientID sets the local client id for callers that apply snapshots
// without a connection.
func (s *StateSynchronizer) SetClientID(id replication.ClientID) {
	if s.client != nil {
		s.client.clientID = id
	}
}

// ServerTime estimates the server clock.
func (s *StateSynchronizer) ServerTime() float64 {
	if s.client == nil {
		return s.clock.Now()
	}
	return s.clock.Now() + s.client.timeOffset
}

func (s *StateSynchronizer) observeServerTime(serverTime float64) {
	cs := s.client
	sample := serverTime - s.clock.Now()
	if !cs.hasOffset {
		cs.timeOffset = sample
		cs.hasOffset = true
		return
	}
	cs.timeOffset += serverTimeSmoothing * (sample - cs.timeOffset)
}

func (s *StateSynchronizer) owns(obj *replication.NetworkedObject) bool {
	id := s.client.clientID
	return id != replication.NoClient && obj.Owner() == id
}

func (s *StateSynchronizer) predicting(obj *replication.NetworkedObject) bool {
	return s.cfg.Sync.PredictionEnabled && obj.TransformSynced() && s.owns(obj)
}

// locallyDriven reports whether this client, not the snapshot stream,
// decides the object's pose.
func (s *StateSynchronizer) locallyDriven(obj *replication.NetworkedObject) bool {
	return s.owns(obj) && (obj.Authority() == netconfig.AuthorityClient || s.predicting(obj))
}

func (s *StateSynchronizer) updateClient() error {
	cs := s.client
	now := s.clock.Now()
	dt := 0.0
	if cs.hasUpdated {
		dt = now - cs.lastUpdate
	}
	cs.lastUpdate = now
	cs.hasUpdated = true

	if cs.conn != nil && !cs.lost {
		cs.conn.Update()
		for {
			p, ok := cs.conn.Receive()
			if !ok {
				break
			}
			s.handleServerPacket(p)
		}
		if st := cs.conn.Status(); st == network.StatusFailed || st == network.StatusDisconnected {
			s.connectionLost(cs.conn.Err())
		} else {
			s.sendDirtyUpstream()
		}
	}

	s.interpolateRemote()
	s.advanceCorrections(dt)
	return nil
}

func (s *StateSynchronizer) connectionLost(err error) {
	cs := s.client
	cs.lost = true
	cs.resetPredictions()
	if err == nil {
		err = network.ErrNotConnected
	}
	s.log.Warn("connection to server lost: ", err)
	s.emit(Event{Kind: EventConnectionLost, Err: err})
}

func (s *StateSynchronizer) handleServerPacket(p *wire.Packet) {
	cs := s.client
	s.stats.BytesDownstream += uint64(wire.HeaderSize + p.Len())
	switch p.ID() {
	case protocol.PacketWelcome:
		m, err := messages.DecodeWelcome(p)
		if err != nil {
			s.stats.DecodeErrors++
			s.log.Warn(err)
			return
		}
		cs.clientID = m.ClientID
		cs.tickRate = m.TickRate
		cs.welcomed = true
		if !cs.hasOffset {
			s.observeServerTime(m.ServerTime)
		}
		s.log.Info("joined as client ", m.ClientID)
	case protocol.PacketSnapshot:
		if !cs.welcomed {
			return
		}
		m, err := messages.DecodeSnapshot(p)
		if err != nil {
			s.stats.DecodeErrors++
			s.stats.CorruptSnapshots++
			s.log.Warn(err)
			return
		}
		s.receiveSnapshot(m, p.Len())
	case protocol.PacketDespawn:
		m, err := messages.DecodeDespawn(p)
		if err != nil {
			s.stats.DecodeErrors++
			s.log.Warn(err)
			return
		}
		s.despawnLocal(m.NetworkID, m.SnapshotID)
	case protocol.PacketRPC:
		m, err := messages.DecodeRPC(p)
		if err != nil {
			s.stats.DecodeErrors++
			s.log.Warn(err)
			return
		}
		s.ReceiveRPC(RPCCall{Object: m.ObjectID, Name: m.Name, Params: m.Params})
	default:
		s.stats.DecodeErrors++
		s.log.Warn("server sent unexpected ", protocol.Name(p.ID()))
	}
}

func (s *StateSynchronizer) despawnLocal(id replication.NetworkID, snapshotID uint32) {
	cs := s.client
	if guard, ok := cs.despawned[id]; !ok || snapshotID > guard {
		cs.despawned[id] = snapshotID
	}
	if !s.has(id) {
		return
	}
	s.remove(id)
	cs.forget(id)
	s.emit(Event{Kind: EventObjectDespawned, Object: id})
}

type decodedEntry struct {
	id      replication.NetworkID
	payload []byte
	state   replication.State
}

// receiveSnapshot applies a snapshot from the server, acknowledges it and
// reconciles the inputs it acknowledges.
func (s *StateSynchronizer) receiveSnapshot(m messages.Snapshot, size int) {
	cs := s.client
	st := m.State
	if cs.applied && st.ID <= cs.lastApplied {
		s.stats.StaleSnapshots++
		return
	}
	entries, err := s.decodeEntries(st)
	if err != nil {
		s.stats.CorruptSnapshots++
		s.log.Warn("discarding snapshot ", st.ID, ": ", err)
		return
	}
	s.applyEntries(st.ID, st.Timestamp, entries)
	s.stats.SnapshotsReceived++
	s.stats.recordSnapshotSize(size, s.stats.SnapshotsReceived)
	if err := s.sendUpstream(messages.SnapshotAck{SnapshotID: st.ID}.Packet(), netconfig.Unreliable); err != nil {
		s.log.Debug("ack snapshot ", st.ID, ": ", err)
	}
	for _, a := range m.Acks {
		if _, err := s.ReconcileState(a.ObjectID, a.InputID); err != nil {
			s.log.Debug("reconcile ", a.ObjectID, ": ", err)
		}
	}
}

// decodeEntries resolves every entry of a network snapshot before anything
// is applied, so a bad entry discards the whole snapshot.
func (s *StateSynchronizer) decodeEntries(st *snapshot.StateSnapshot) ([]decodedEntry, error) {
	cs := s.client
	out := make([]decodedEntry, 0, st.Len())
	for _, e := range st.Entries() {
		if guard, ok := cs.despawned[e.ID]; ok && st.ID <= guard {
			continue
		}
		entry, err := messages.DecodeEntry(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: object %d: %v", ErrCorruptSnapshot, e.ID, err)
		}
		payload := entry.Data
		if entry.Delta {
			h, ok := cs.history[e.ID]
			if !ok {
				return nil, fmt.Errorf("%w: object %d has no baselines", ErrCorruptSnapshot, e.ID)
			}
			base, ok := h.get(entry.BaselineID)
			if !ok {
				return nil, fmt.Errorf("%w: object %d missing baseline %d", ErrCorruptSnapshot, e.ID, entry.BaselineID)
			}
			payload, err = delta.Decompress(base, entry.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: object %d: %v", ErrCorruptSnapshot, e.ID, err)
			}
		}
		state, err := replication.DecodeState(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: object %d: %v", ErrCorruptSnapshot, e.ID, err)
		}
		out = append(out, decodedEntry{id: e.ID, payload: payload, state: state})
	}
	return out, nil
}

// ApplySnapshot installs a snapshot of full object payloads, as produced by
// GenerateSnapshot. Snapshots older than the last applied one are ignored.
// Applying the same snapshot twice leaves the objects unchanged.
func (s *StateSynchronizer) ApplySnapshot(st *snapshot.StateSnapshot) error {
	if s.client == nil {
		return ErrWrongRole
	}
	cs := s.client
	if cs.applied && st.ID < cs.lastApplied {
		s.stats.StaleSnapshots++
		return nil
	}
	entries := make([]decodedEntry, 0, st.Len())
	for _, e := range st.Entries() {
		if guard, ok := cs.despawned[e.ID]; ok && st.ID <= guard {
			continue
		}
		state, err := replication.DecodeState(e.Payload)
		if err != nil {
			s.stats.CorruptSnapshots++
			return fmt.Errorf("%w: object %d: %v", ErrCorruptSnapshot, e.ID, err)
		}
		entries = append(entries, decodedEntry{id: e.ID, payload: e.Payload, state: state})
	}
	s.applyEntries(st.ID, st.Timestamp, entries)
	s.stats.SnapshotsReceived++
	s.stats.recordSnapshotSize(st.EncodedSize(), s.stats.SnapshotsReceived)
	return nil
}

// applyEntries installs decoded entries and buffers them for
// interpolation. The buffered snapshot holds only what this snapshot
// carried, so each object's keyframes sit at the times the server actually
// sampled it.
func (s *StateSynchronizer) applyEntries(snapID uint32, timestamp float64, entries []decodedEntry) {
	cs := s.client
	received := snapshot.New(snapID, timestamp)
	for _, de := range entries {
		delete(cs.despawned, de.id)
		if d, ok := s.data(de.id); ok {
			s.applyIncoming(d.NetworkedObject, de.state)
		} else {
			obj := replication.NewObjectFromState(de.id, de.state)
			s.insert(obj, true)
			s.emit(Event{Kind: EventObjectSpawned, Object: de.id})
		}
		if de.state.HasTransform {
			cs.lastAuth[de.id] = de.state.Transform
		}
		h, ok := cs.history[de.id]
		if !ok {
			h = new(payloadHistory)
			cs.history[de.id] = h
		}
		h.put(snapID, de.payload)
		_ = received.Add(de.id, de.payload)
	}
	cs.lastApplied = snapID
	cs.applied = true
	s.observeServerTime(timestamp)
	if received.Len() > 0 {
		cs.buffer.Add(received)
	}
}

func (s *StateSynchronizer) applyIncoming(obj *replication.NetworkedObject, state replication.State) {
	switch {
	case s.owns(obj) && obj.Authority() == netconfig.AuthorityClient:
		// The local copy is authoritative; only its pose is reconciled.
	case s.predicting(obj):
		obj.ApplyState(state, replication.ApplyOptions{SkipTransform: true})
	default:
		obj.ApplyState(state, replication.ApplyOptions{})
	}
}

func (s *StateSynchronizer) sendUpstream(p *wire.Packet, mode netconfig.SyncMode) error {
	cs := s.client
	if cs == nil {
		return ErrWrongRole
	}
	if cs.conn == nil || cs.lost {
		return ErrNotConnected
	}
	if err := cs.conn.SendMode(p, mode); err != nil {
		return err
	}
	s.stats.BytesUpstream += uint64(wire.HeaderSize + p.Len())
	return nil
}

// sendDirtyUpstream sends changed objects this client may write. Predicted
// objects send only their vars; their pose is driven by inputs.
func (s *StateSynchronizer) sendDirtyUpstream() {
	if !s.client.welcomed {
		return
	}
	for _, id := range s.ObjectIDs() {
		obj, _ := s.Object(id)
		if !s.owns(obj) || obj.Authority() == netconfig.AuthorityServer || !obj.HasDirtyState() {
			continue
		}
		state := obj.State()
		if s.predicting(obj) {
			state.HasTransform = false
		}
		p := wire.NewPacket(0)
		state.Encode(p)
		msg := messages.ObjectState{NetworkID: id, Payload: p.Payload()}
		if err := s.sendUpstream(msg.Packet(), netconfig.Reliable); err != nil {
			s.log.Debug("upstream ", id, ": ", err)
			return
		}
		obj.ClearDirtyState()
	}
}

// interpolateRemote places every snapshot-driven object at the render time,
// interpolationDelay behind the estimated server clock.
func (s *StateSynchronizer) interpolateRemote() {
	cs := s.client
	if cs.buffer.Len() == 0 {
		return
	}
	renderTime := s.ServerTime() - s.cfg.Sync.InterpolationDelay
	netcomponents.Replicated.Each(s.world, func(e *donburi.Entry) {
		d := netcomponents.Replicated.Get(e)
		obj := d.NetworkedObject
		if !d.Remote || !obj.TransformSynced() || s.locallyDriven(obj) {
			return
		}
		rate := obj.UpdateRate()
		if rate <= 0 {
			rate = float64(s.cfg.Sync.TickRate)
		}
		sample, ok := cs.buffer.Sample(obj.ID(), renderTime, snapshot.SampleOptions{
			Mode:             s.interpMode,
			MaxExtrapolation: 1 / rate,
		})
		if !ok {
			// Every keyframe aged out: hold the last authoritative pose.
			auth, known := cs.lastAuth[obj.ID()]
			if !known {
				return
			}
			sample = snapshot.Sample{Transform: auth, Frozen: true}
		}
		obj.SetRemoteTransform(sample.Transform)
		netcomponents.Interp.SetValue(e, netcomponents.InterpData{
			Rendered:     sample.Transform,
			Initialized:  true,
			Extrapolated: sample.Extrapolated,
			Frozen:       sample.Frozen,
		})
	})
}

func (s *StateSynchronizer) prediction(id replication.NetworkID) *network.PredictionBuffer {
	pb, ok := s.client.predictions[id]
	if !ok {
		pb = &network.PredictionBuffer{}
		s.client.predictions[id] = pb
	}
	return pb
}

// Predictions returns the outstanding predictions of an object.
func (s *StateSynchronizer) Predictions(id replication.NetworkID) []network.InputRecord {
	if s.client == nil {
		return nil
	}
	pb, ok := s.client.predictions[id]
	if !ok {
		return nil
	}
	return pb.GetUnacknowledged(s.client.reconciled[id])
}

// PredictTransform moves an owned object immediately and remembers the
// predicted pose for inputID until the server acknowledges that input.
func (s *StateSynchronizer) PredictTransform(id replication.NetworkID, inputID uint32, payload []byte, t gamemath.Transform) error {
	if s.client == nil {
		return ErrWrongRole
	}
	e, ok := s.entry(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	obj := netcomponents.Replicated.Get(e).NetworkedObject
	logical := t
	logical.Position = t.Position.Sub(netcomponents.Correction.Get(e).Offset())
	s.prediction(id).Store(inputID, payload, logical)
	obj.SetRemoteTransform(t)
	return nil
}

// SendInput sends an input for an owned object and, with prediction on,
// applies the predicted pose right away. It returns the input id the
// server will acknowledge.
func (s *StateSynchronizer) SendInput(id replication.NetworkID, payload []byte, predicted gamemath.Transform) (uint32, error) {
	if s.client == nil {
		return 0, ErrWrongRole
	}
	obj, ok := s.Object(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	if !s.owns(obj) {
		return 0, fmt.Errorf("%w: %d", ErrNotOwner, id)
	}
	inputID := s.client.inputSeq[id] + 1
	msg := messages.Input{ObjectID: id, InputID: inputID, Payload: payload}
	if err := s.sendUpstream(msg.Packet(), netconfig.ReliableOrdered); err != nil {
		return 0, err
	}
	s.client.inputSeq[id] = inputID
	if s.predicting(obj) {
		if err := s.PredictTransform(id, inputID, payload, predicted); err != nil {
			return inputID, err
		}
	}
	return inputID, nil
}

// ReconcileState checks the prediction stored for inputID against the
// latest authoritative pose and corrects the object when they differ by
// more than the reconcile epsilon. Predictions up to inputID are dropped.
// When inputID is no longer buffered the newest prediction is checked
// instead and every outstanding prediction is dropped with it.
// It reports whether a correction was applied.
func (s *StateSynchronizer) ReconcileState(id replication.NetworkID, inputID uint32) (bool, error) {
	if s.client == nil {
		return false, ErrWrongRole
	}
	cs := s.client
	e, ok := s.entry(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	if last, ok := cs.reconciled[id]; ok && inputID <= last {
		return false, nil
	}
	cs.reconciled[id] = inputID
	auth, ok := cs.lastAuth[id]
	if !ok {
		return false, nil
	}

	obj := netcomponents.Replicated.Get(e).NetworkedObject
	current := obj.Transform()
	logical := current
	logical.Position = current.Position.Sub(netcomponents.Correction.Get(e).Offset())

	pb := cs.predictions[id]
	predicted := logical
	resync := false
	if pb != nil {
		if record, found := pb.Get(inputID); found {
			predicted = record.Predicted
			pb.Discard(inputID)
		} else if latest, ok := pb.Latest(); ok && latest.InputID > inputID {
			// The acknowledged input fell out of the ring. Measure the newest
			// prediction against the server and restart from its pose; acks
			// for inputs sent before now describe a history we dropped.
			predicted = latest.Predicted
			pb.Discard(latest.InputID)
			cs.reconciled[id] = latest.InputID
			resync = true
		} else {
			pb.Discard(inputID)
		}
	}
	if predicted.ApproxEqual(auth, s.cfg.Sync.ReconcileEpsilon) {
		return false, nil
	}
	if resync {
		s.log.Debug("prediction ring overrun on object ", id, ", resyncing at input ", inputID)
	}

	shift := auth.Position.Sub(predicted.Position)
	corrected := logical
	corrected.Position = logical.Position.Add(shift)
	corrected.Rotation = auth.Rotation
	corrected.Scale = auth.Scale
	if pb != nil {
		pb.Rebase(shift)
	}
	s.applyCorrection(e, current, corrected)
	s.stats.Corrections++
	s.emit(Event{Kind: EventCorrection, Object: id, InputID: inputID, Delta: shift})
	return true, nil
}

// applyCorrection moves the object to its corrected pose. In smooth mode
// the visible gap is kept as an offset that decays over the correction
// duration.
func (s *StateSynchronizer) applyCorrection(e *donburi.Entry, displayed, corrected gamemath.Transform) {
	obj := netcomponents.Replicated.Get(e).NetworkedObject
	dur := s.cfg.Sync.CorrectionDuration
	if s.correctionMode == netconfig.CorrectionSnap || dur <= 0 {
		netcomponents.Correction.SetValue(e, netcomponents.CorrectionData{})
		obj.SetRemoteTransform(corrected)
		return
	}
	residual := displayed.Position.Sub(corrected.Position)
	netcomponents.Correction.SetValue(e, netcomponents.CorrectionData{
		Tween:    gween.New(1, 0, float32(dur), ease.OutQuad),
		Residual: residual,
		Applied:  residual,
		Active:   true,
	})
	shown := corrected
	shown.Position = corrected.Position.Add(residual)
	obj.SetRemoteTransform(shown)
}

// advanceCorrections decays active smooth corrections by dt seconds.
func (s *StateSynchronizer) advanceCorrections(dt float64) {
	if dt <= 0 {
		return
	}
	netcomponents.Correction.Each(s.world, func(e *donburi.Entry) {
		c := netcomponents.Correction.Get(e)
		if !c.Active {
			return
		}
		v, done := c.Tween.Update(float32(dt))
		next := c.Residual.Scale(float64(v))
		if done {
			next = gamemath.Vec3{}
		}
		obj := netcomponents.Replicated.Get(e).NetworkedObject
		t := obj.Transform()
		t.Position = t.Position.Add(next.Sub(c.Applied))
		obj.SetRemoteTransform(t)
		c.Applied = next
		if done {
			*c = netcomponents.CorrectionData{}
		}
	})
}

// RemoteObjects lists objects spawned from snapshots, in id order.
func (s *StateSynchronizer) RemoteObjects() []replication.NetworkID {
	var out []replication.NetworkID
	netcomponents.Replicated.Each(s.world, func(e *donburi.Entry) {
		if d := netcomponents.Replicated.Get(e); d.Remote {
			out = append(out, d.ID())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
