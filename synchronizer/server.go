package synchronizer

import (
	"fmt"
	"sort"

	"github.com/automoto/replica/network"
	"github.com/automoto/replica/shared/delta"
	"github.com/automoto/replica/shared/interest"
	"github.com/automoto/replica/shared/lagcomp"
	"github.com/automoto/replica/shared/messages"
	"github.com/automoto/replica/shared/netcomponents"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/protocol"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/shared/snapshot"
	"github.com/automoto/replica/shared/wire"
	"github.com/yohamta/donburi"
)

// maxPendingSnapshots bounds the unacknowledged snapshots remembered per
// client. Older ones are assumed lost.
const maxPendingSnapshots = 128

// rateSlack absorbs float error when comparing send intervals.
const rateSlack = 1e-6

type serverState struct {
	clients    map[replication.ClientID]*clientConn
	nextClient replication.ClientID
	interest   *interest.Manager
	lagcomp    *lagcomp.Compensator
	latest     *snapshot.StateSnapshot
}

// ackedState is the newest object state a client confirmed receiving.
type ackedState struct {
	revision   uint64
	snapshotID uint32
	payload    []byte
}

type sentEntry struct {
	revision uint64
	payload  []byte
}

type sentSnapshot struct {
	entries map[replication.NetworkID]sentEntry
	acks    []messages.InputAck
}

// clientConn is the server's bookkeeping for one client.
type clientConn struct {
	id       replication.ClientID
	conn     *network.Connection
	nextSnap uint32

	known     map[replication.NetworkID]bool
	acked     map[replication.NetworkID]ackedState
	pending   map[uint32]*sentSnapshot
	lastSent  map[replication.NetworkID]float64
	inputAcks map[replication.NetworkID]uint32
}

func (ss *serverState) sortedClients() []*clientConn {
	out := make([]*clientConn, 0, len(ss.clients))
	for _, cc := range ss.clients {
		out = append(out, cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AddClient attaches a connected client and sends it a Welcome. The client
// sees nothing until SetRegion gives it an area of interest.
func (s *StateSynchronizer) AddClient(conn *network.Connection) (replication.ClientID, error) {
	if s.server == nil {
		return replication.NoClient, ErrWrongRole
	}
	if conn == nil {
		return replication.NoClient, fmt.Errorf("%w: nil connection", ErrNotConnected)
	}
	return s.addClient(conn), nil
}

// RegisterClient adds a client without a transport. Update skips it; the
// caller pulls its snapshots with GenerateSnapshot and delivers them itself.
// Despawns are not reported to such clients: an object missing from their
// snapshots is simply no longer updated.
func (s *StateSynchronizer) RegisterClient() (replication.ClientID, error) {
	if s.server == nil {
		return replication.NoClient, ErrWrongRole
	}
	return s.addClient(nil), nil
}

func (s *StateSynchronizer) addClient(conn *network.Connection) replication.ClientID {
	ss := s.server
	id := ss.nextClient
	ss.nextClient++
	cc := &clientConn{
		id:        id,
		conn:      conn,
		nextSnap:  1,
		known:     make(map[replication.NetworkID]bool),
		acked:     make(map[replication.NetworkID]ackedState),
		pending:   make(map[uint32]*sentSnapshot),
		lastSent:  make(map[replication.NetworkID]float64),
		inputAcks: make(map[replication.NetworkID]uint32),
	}
	ss.clients[id] = cc
	if conn != nil {
		welcome := messages.Welcome{
			ClientID:   id,
			ServerTime: s.clock.Now(),
			TickRate:   uint32(s.cfg.Sync.TickRate),
		}
		s.sendTo(cc, welcome.Packet(), netconfig.ReliableOrdered)
	}
	s.stats.Clients = len(ss.clients)
	s.log.Info("client ", id, " connected")
	s.emit(Event{Kind: EventClientConnected, Client: id})
	return id
}

// RemoveClient disconnects a client and forgets its state.
func (s *StateSynchronizer) RemoveClient(id replication.ClientID) error {
	if s.server == nil {
		return ErrWrongRole
	}
	cc, ok := s.server.clients[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	if cc.conn != nil {
		_ = cc.conn.Close()
	}
	s.dropClient(cc, nil)
	return nil
}

func (s *StateSynchronizer) dropClient(cc *clientConn, err error) {
	delete(s.server.clients, cc.id)
	s.server.interest.RemoveRegion(cc.id)
	s.stats.Clients = len(s.server.clients)
	if err != nil {
		s.log.Info("client ", cc.id, " disconnected: ", err)
	} else {
		s.log.Info("client ", cc.id, " disconnected")
	}
	s.emit(Event{Kind: EventClientDisconnected, Client: cc.id, Err: err})
}

// Clients lists connected client ids in ascending order.
func (s *StateSynchronizer) Clients() []replication.ClientID {
	if s.server == nil {
		return nil
	}
	out := make([]replication.ClientID, 0, len(s.server.clients))
	for _, cc := range s.server.sortedClients() {
		out = append(out, cc.id)
	}
	return out
}

// ClientPing returns the smoothed round-trip time to a client in seconds.
func (s *StateSynchronizer) ClientPing(id replication.ClientID) (float64, bool) {
	if s.server == nil {
		return 0, false
	}
	cc, ok := s.server.clients[id]
	if !ok || cc.conn == nil {
		return 0, false
	}
	return cc.conn.Ping(), true
}

// SetRegion sets a client's area of interest.
func (s *StateSynchronizer) SetRegion(id replication.ClientID, r interest.Region) error {
	if s.server == nil {
		return ErrWrongRole
	}
	if _, ok := s.server.clients[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	s.server.interest.SetRegion(id, r)
	return nil
}

// SetAlwaysRelevant makes an object visible to every client with a region.
func (s *StateSynchronizer) SetAlwaysRelevant(id replication.NetworkID, on bool) error {
	if s.server == nil {
		return ErrWrongRole
	}
	s.server.interest.SetAlwaysRelevant(id, on)
	return nil
}

// IsRelevant reports whether an object is inside a client's region.
func (s *StateSynchronizer) IsRelevant(client replication.ClientID, id replication.NetworkID) bool {
	if s.server == nil {
		return false
	}
	obj, ok := s.Object(id)
	if !ok {
		return false
	}
	return s.server.interest.IsRelevant(client, id, obj.Transform().Position)
}

// LagCompensator exposes the server's transform history for hit detection.
func (s *StateSynchronizer) LagCompensator() *lagcomp.Compensator {
	if s.server == nil {
		return nil
	}
	return s.server.lagcomp
}

// Compensate rewinds an object to where the client saw it: one round trip
// plus the interpolation delay the client renders behind the server.
func (s *StateSynchronizer) Compensate(client replication.ClientID, id replication.NetworkID) (lagcomp.Sample, bool) {
	ping, ok := s.ClientPing(client)
	if !ok {
		return lagcomp.Sample{}, false
	}
	return s.server.lagcomp.Compensate(id, ping+s.cfg.Sync.InterpolationDelay)
}

// AckInput tells the owning client that an input has been applied. The
// acknowledgement travels with the next snapshot carrying the object.
func (s *StateSynchronizer) AckInput(client replication.ClientID, id replication.NetworkID, inputID uint32) error {
	if s.server == nil {
		return ErrWrongRole
	}
	cc, ok := s.server.clients[client]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, client)
	}
	if cur, ok := cc.inputAcks[id]; !ok || inputID > cur {
		cc.inputAcks[id] = inputID
	}
	return nil
}

// GenerateSnapshot builds the next snapshot for a client registered with
// RegisterClient, with the same interest filter, update rates and bandwidth
// limit Update applies to connected clients. Entries are full payloads for
// ApplySnapshot. The caller delivers the snapshot, so its objects count as
// received by that client; other clients keep their own pending changes.
func (s *StateSynchronizer) GenerateSnapshot(client replication.ClientID) (*snapshot.StateSnapshot, error) {
	if s.server == nil {
		return nil, ErrWrongRole
	}
	cc, ok := s.server.clients[client]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClient, client)
	}
	if cc.conn != nil {
		return nil, fmt.Errorf("%w: %d", ErrHasTransport, client)
	}
	now := s.clock.Now()
	s.collectDirty(now)
	msg, sent := s.buildSnapshot(cc, now)
	st := snapshot.New(msg.State.ID, now)
	for _, e := range msg.State.Entries() {
		entry, err := messages.DecodeEntry(e.Payload)
		if err != nil {
			return nil, err
		}
		if err := st.Add(e.ID, entry.Data); err != nil {
			return nil, err
		}
	}
	cc.pending[st.ID] = sent
	s.ackSnapshot(cc, st.ID)
	s.server.latest = st
	return st, nil
}

func (s *StateSynchronizer) updateServer() error {
	now := s.clock.Now()
	for _, cc := range s.server.sortedClients() {
		if cc.conn == nil {
			continue
		}
		cc.conn.Update()
		for {
			p, ok := cc.conn.Receive()
			if !ok {
				break
			}
			s.handleClientPacket(cc, p)
		}
		if st := cc.conn.Status(); st == network.StatusFailed || st == network.StatusDisconnected {
			s.dropClient(cc, cc.conn.Err())
		}
	}

	s.collectDirty(now)

	for _, cc := range s.server.sortedClients() {
		if cc.conn == nil {
			continue
		}
		s.sendSnapshot(cc, now)
	}
	return nil
}

// collectDirty advances the revision of every changed object and clears its
// dirty flags. It also feeds the interest grid and the lag compensator.
func (s *StateSynchronizer) collectDirty(now float64) []replication.NetworkID {
	var changed []replication.NetworkID
	netcomponents.Replicated.Each(s.world, func(e *donburi.Entry) {
		d := netcomponents.Replicated.Get(e)
		obj := d.NetworkedObject
		if obj.HasDirtyState() {
			d.Revision++
			obj.ClearDirtyState()
			changed = append(changed, obj.ID())
		}
		t := obj.Transform()
		s.server.interest.UpdateObject(obj.ID(), t.Position)
		if obj.TransformSynced() {
			s.server.lagcomp.RecordState(obj.ID(), now, t)
		}
	})
	if s.tick%uint64(s.cfg.Sync.HistoryCleanupTicks) == 0 {
		s.server.lagcomp.ClearOldHistory(now - s.cfg.Sync.HistoryDuration)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}

func (s *StateSynchronizer) handleClientPacket(cc *clientConn, p *wire.Packet) {
	s.stats.BytesUpstream += uint64(wire.HeaderSize + p.Len())
	switch p.ID() {
	case protocol.PacketSnapshotAck:
		m, err := messages.DecodeSnapshotAck(p)
		if err != nil {
			s.decodeError(cc.id, err)
			return
		}
		s.ackSnapshot(cc, m.SnapshotID)
	case protocol.PacketInput:
		m, err := messages.DecodeInput(p)
		if err != nil {
			s.decodeError(cc.id, err)
			return
		}
		obj, ok := s.Object(m.ObjectID)
		if !ok || obj.Owner() != cc.id {
			s.log.Warn("client ", cc.id, " sent input for object ", m.ObjectID, " it does not own")
			return
		}
		s.emit(Event{Kind: EventInput, Client: cc.id, Object: m.ObjectID, InputID: m.InputID, Payload: m.Payload})
	case protocol.PacketObjectState:
		m, err := messages.DecodeObjectState(p)
		if err != nil {
			s.decodeError(cc.id, err)
			return
		}
		s.applyUpstream(cc, m)
	case protocol.PacketRPC:
		m, err := messages.DecodeRPC(p)
		if err != nil {
			s.decodeError(cc.id, err)
			return
		}
		s.ReceiveRPC(RPCCall{Object: m.ObjectID, Name: m.Name, Params: m.Params, From: cc.id})
	default:
		s.stats.DecodeErrors++
		s.log.Warn("client ", cc.id, " sent unexpected ", protocol.Name(p.ID()))
	}
}

func (s *StateSynchronizer) decodeError(client replication.ClientID, err error) {
	s.stats.DecodeErrors++
	s.log.Warn("client ", client, ": ", err)
}

// applyUpstream installs state written by a client, if the object's
// authority lets that client write it.
func (s *StateSynchronizer) applyUpstream(cc *clientConn, m messages.ObjectState) {
	obj, ok := s.Object(m.NetworkID)
	if !ok {
		s.log.Debug("upstream state for unknown object ", m.NetworkID)
		return
	}
	switch obj.Authority() {
	case netconfig.AuthorityServer:
		s.log.Warn("client ", cc.id, " wrote server-authority object ", m.NetworkID)
		return
	case netconfig.AuthorityClient:
		if obj.Owner() != cc.id {
			s.log.Warn("client ", cc.id, " wrote object ", m.NetworkID, " owned by ", obj.Owner())
			return
		}
	}
	state, err := replication.DecodeState(m.Payload)
	if err != nil {
		s.decodeError(cc.id, err)
		return
	}
	obj.ApplyUpstream(state)
}

func (s *StateSynchronizer) sendTo(cc *clientConn, p *wire.Packet, mode netconfig.SyncMode) {
	if cc.conn == nil {
		return
	}
	if err := cc.conn.SendMode(p, mode); err != nil {
		s.log.Debug("send ", protocol.Name(p.ID()), " to client ", cc.id, ": ", err)
		return
	}
	s.stats.BytesDownstream += uint64(wire.HeaderSize + p.Len())
}

type candidate struct {
	id       replication.NetworkID
	obj      *replication.NetworkedObject
	revision uint64
	distSq   float64
}

// sendSnapshot builds and sends the next snapshot for one client.
func (s *StateSynchronizer) sendSnapshot(cc *clientConn, now float64) {
	msg, sent := s.buildSnapshot(cc, now)
	id := msg.State.ID
	cc.pending[id] = sent
	for old := range cc.pending {
		if id-old >= maxPendingSnapshots {
			delete(cc.pending, old)
		}
	}

	p := msg.Packet()
	if err := cc.conn.SendMode(p, netconfig.Unreliable); err != nil {
		s.log.Debug("send snapshot ", id, " to client ", cc.id, ": ", err)
		return
	}
	size := wire.HeaderSize + p.Len()
	s.stats.SnapshotsSent++
	s.stats.BytesDownstream += uint64(size)
	s.stats.recordSnapshotSize(p.Len(), s.stats.SnapshotsSent)
}

// buildSnapshot selects the objects a client should receive this tick.
// Objects are ordered by priority, then by distance to the client's region
// center, and the snapshot stops at the first object that would exceed the
// bandwidth limit.
func (s *StateSynchronizer) buildSnapshot(cc *clientConn, now float64) (messages.Snapshot, *sentSnapshot) {
	ss := s.server
	relevant := ss.interest.RelevantObjects(cc.id)
	relevantSet := make(map[replication.NetworkID]bool, len(relevant))
	for _, id := range relevant {
		relevantSet[id] = true
	}
	var gone []replication.NetworkID
	for id := range cc.known {
		if !relevantSet[id] {
			gone = append(gone, id)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, id := range gone {
		s.despawn(cc, id)
	}

	region, _ := ss.interest.Region(cc.id)
	var cands []candidate
	for _, id := range relevant {
		d, ok := s.data(id)
		if !ok || d.Revision <= cc.acked[id].revision {
			continue
		}
		if !rateAllows(cc, d.NetworkedObject, now) {
			continue
		}
		cands = append(cands, candidate{
			id:       id,
			obj:      d.NetworkedObject,
			revision: d.Revision,
			distSq:   d.Transform().Position.DistanceSq(region.Center),
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.obj.Priority() != b.obj.Priority() {
			return a.obj.Priority() > b.obj.Priority()
		}
		if a.distSq != b.distSq {
			return a.distSq < b.distSq
		}
		return a.id < b.id
	})

	snapID := cc.nextSnap
	cc.nextSnap++
	st := snapshot.New(snapID, now)
	msg := messages.Snapshot{State: st}
	sent := &sentSnapshot{entries: make(map[replication.NetworkID]sentEntry)}
	limit := s.cfg.Sync.BandwidthLimit
	used := msg.EncodedSize()

	pendingChange := make(map[replication.NetworkID]bool)
	for _, id := range relevant {
		if d, ok := s.data(id); ok && d.Revision > cc.acked[id].revision {
			pendingChange[id] = true
		}
	}

	// Acks for objects whose current state the client already holds go
	// first, within half the budget.
	ackIDs := make([]replication.NetworkID, 0, len(cc.inputAcks))
	for id := range cc.inputAcks {
		ackIDs = append(ackIDs, id)
	}
	sort.Slice(ackIDs, func(i, j int) bool { return ackIDs[i] < ackIDs[j] })
	for _, id := range ackIDs {
		if pendingChange[id] {
			continue
		}
		if limit > 0 && used+messages.AckSize > limit/2 {
			break
		}
		a := messages.InputAck{ObjectID: id, InputID: cc.inputAcks[id]}
		msg.Acks = append(msg.Acks, a)
		sent.acks = append(sent.acks, a)
		used += messages.AckSize
	}

	for _, c := range cands {
		payload := c.obj.Payload()
		entry, isDelta := s.encodeEntry(cc, c.id, payload, snapID)
		cost := snapshot.EntrySize(len(entry))
		inputID, hasAck := cc.inputAcks[c.id]
		if hasAck {
			cost += messages.AckSize
		}
		if limit > 0 && used+cost > limit {
			s.stats.TruncatedSnapshots++
			break
		}
		if err := st.Add(c.id, entry); err != nil {
			continue
		}
		used += cost
		if hasAck {
			a := messages.InputAck{ObjectID: c.id, InputID: inputID}
			msg.Acks = append(msg.Acks, a)
			sent.acks = append(sent.acks, a)
		}
		sent.entries[c.id] = sentEntry{revision: c.revision, payload: payload}
		cc.known[c.id] = true
		cc.lastSent[c.id] = now
		if isDelta {
			s.stats.DeltaEntries++
		} else {
			s.stats.FullEntries++
		}
	}
	return msg, sent
}

func rateAllows(cc *clientConn, obj *replication.NetworkedObject, now float64) bool {
	rate := obj.UpdateRate()
	if rate <= 0 {
		return true
	}
	last, ok := cc.lastSent[obj.ID()]
	return !ok || now-last >= 1/rate-rateSlack
}

// encodeEntry returns the delta entry against the client's acknowledged
// baseline when that is usable and smaller, and the full entry otherwise.
// Clients without a transport always get full entries.
func (s *StateSynchronizer) encodeEntry(cc *clientConn, id replication.NetworkID, payload []byte, snapID uint32) ([]byte, bool) {
	full := messages.FullEntry(payload)
	if !s.cfg.Sync.DeltaCompression || cc.conn == nil {
		return full, false
	}
	base, ok := cc.acked[id]
	if !ok || base.payload == nil || snapID-base.snapshotID > uint32(s.cfg.Sync.BaselineWindow) {
		return full, false
	}
	if len(base.payload) != len(payload) || delta.CalculateSimilarity(payload, base.payload) < s.cfg.Sync.DeltaMinSimilarity {
		return full, false
	}
	patch, err := delta.Compress(payload, base.payload)
	if err != nil {
		return full, false
	}
	entry := messages.DeltaEntry(base.snapshotID, patch)
	if !delta.Worthwhile(full, entry) {
		return full, false
	}
	return entry, true
}

// ackSnapshot records that a client applied snapshot id.
func (s *StateSynchronizer) ackSnapshot(cc *clientConn, id uint32) {
	sent, ok := cc.pending[id]
	if !ok {
		return
	}
	for objID, e := range sent.entries {
		if !s.has(objID) {
			continue
		}
		a := cc.acked[objID]
		if e.revision > a.revision || (e.revision == a.revision && id > a.snapshotID) {
			cc.acked[objID] = ackedState{revision: e.revision, snapshotID: id, payload: e.payload}
		}
	}
	for _, a := range sent.acks {
		if cur, ok := cc.inputAcks[a.ObjectID]; ok && cur <= a.InputID {
			delete(cc.inputAcks, a.ObjectID)
		}
	}
	for old := range cc.pending {
		if old <= id {
			delete(cc.pending, old)
		}
	}
}

// despawn tells a client to drop an object and forgets what it was sent, so
// a later respawn starts from a full payload.
func (s *StateSynchronizer) despawn(cc *clientConn, id replication.NetworkID) {
	s.sendTo(cc, messages.Despawn{NetworkID: id, SnapshotID: cc.nextSnap - 1}.Packet(), netconfig.ReliableOrdered)
	delete(cc.known, id)
	delete(cc.acked, id)
	delete(cc.lastSent, id)
	for _, sent := range cc.pending {
		delete(sent.entries, id)
	}
}

// retire removes an unregistered object from every client.
func (s *StateSynchronizer) retire(id replication.NetworkID) {
	ss := s.server
	for _, cc := range ss.sortedClients() {
		if cc.known[id] {
			s.despawn(cc, id)
		}
		delete(cc.inputAcks, id)
	}
	ss.interest.RemoveObject(id)
	ss.lagcomp.Forget(id)
}
