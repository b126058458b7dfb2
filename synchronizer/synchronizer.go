// Package synchronizer replicates networked objects between one server and
// its clients. A StateSynchronizer runs in either role and is driven by a
// single Update call per network tick; every other method must be called
// from the same goroutine as Update.
package synchronizer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/automoto/replica/config"
	"github.com/automoto/replica/network"
	"github.com/automoto/replica/shared/interest"
	"github.com/automoto/replica/shared/lagcomp"
	"github.com/automoto/replica/shared/netcomponents"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/shared/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yohamta/donburi"
)

var (
	ErrAlreadyRegistered = errors.New("synchronizer: object already registered")
	ErrUnknownObject     = errors.New("synchronizer: unknown object")
	ErrUnknownClient     = errors.New("synchronizer: unknown client")
	ErrWrongRole         = errors.New("synchronizer: operation not available in this role")
	ErrNotConnected      = errors.New("synchronizer: no server connection")
	ErrCorruptSnapshot   = errors.New("synchronizer: corrupt snapshot")
	ErrNotOwner          = errors.New("synchronizer: client does not own object")
	ErrHasTransport      = errors.New("synchronizer: client is served over its connection")
)

// Role selects which side of the replication a synchronizer plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Options carries the collaborators of a synchronizer.
type Options struct {
	Role   Role
	Clock  network.Clock
	Logger netlog.Logger
	// Registerer receives Prometheus metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// StateSynchronizer owns the object arena and drives replication.
type StateSynchronizer struct {
	role  Role
	cfg   config.Config
	clock network.Clock
	log   netlog.Logger

	interpMode     netconfig.InterpolationMode
	correctionMode netconfig.CorrectionMode

	world    donburi.World
	entities map[replication.NetworkID]donburi.Entity
	nextID   replication.NetworkID

	rpcs     map[rpcKey]RPCHandler
	rpcQueue []RPCCall
	events   []Event

	stats   Stats
	metrics *metrics
	tick    uint64

	server *serverState
	client *clientState
}

// New builds a synchronizer from validated configuration.
func New(cfg config.Config, opts Options) (*StateSynchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = network.NewSystemClock()
	}
	s := &StateSynchronizer{
		role:           opts.Role,
		cfg:            cfg,
		clock:          opts.Clock,
		log:            netlog.Or(opts.Logger, netlog.PrefixSync),
		interpMode:     cfg.Sync.InterpolationMode(),
		correctionMode: cfg.Sync.CorrectionMode(),
		world:          donburi.NewWorld(),
		entities:       make(map[replication.NetworkID]donburi.Entity),
		nextID:         1,
		rpcs:           make(map[rpcKey]RPCHandler),
	}
	if opts.Registerer != nil {
		s.metrics = newMetrics(opts.Registerer, opts.Role)
	}
	switch opts.Role {
	case RoleServer:
		s.server = &serverState{
			clients:    make(map[replication.ClientID]*clientConn),
			nextClient: 1,
			interest:   interest.NewManager(interest.Config{WorldSize: cfg.Interest.WorldSize, CellSize: cfg.Interest.CellSize}),
			lagcomp:    lagcomp.New(opts.Clock.Now),
		}
	case RoleClient:
		s.client = newClientState(cfg.Sync.MaxSnapshots)
	default:
		return nil, fmt.Errorf("synchronizer: unknown role %d", opts.Role)
	}
	return s, nil
}

func (s *StateSynchronizer) Role() Role {
	return s.role
}

func (s *StateSynchronizer) Config() config.Config {
	return s.cfg
}

// Clock returns the synchronizer's time source.
func (s *StateSynchronizer) Clock() network.Clock {
	return s.clock
}

// Update runs one network tick. Errors are returned only for failures the
// caller cannot recover from; transport and decode problems are logged,
// counted and surfaced as events.
func (s *StateSynchronizer) Update() error {
	s.tick++
	var err error
	if s.role == RoleServer {
		err = s.updateServer()
	} else {
		err = s.updateClient()
	}
	s.dispatchRPCs()
	s.stats.ObjectCount = len(s.entities)
	s.metrics.observe(s.stats)
	return err
}

// Tick returns the number of completed Update calls.
func (s *StateSynchronizer) Tick() uint64 {
	return s.tick
}

// RegisterObject adds obj to the arena. On the server the object receives
// the next network id; on a client it must already carry one.
func (s *StateSynchronizer) RegisterObject(obj *replication.NetworkedObject) (replication.NetworkID, error) {
	if obj == nil {
		return 0, fmt.Errorf("%w: nil object", ErrUnknownObject)
	}
	if !obj.HasID() {
		if s.role == RoleClient {
			return 0, fmt.Errorf("%w: client objects need a server-assigned id", ErrWrongRole)
		}
		for s.has(s.nextID) {
			s.nextID++
		}
		if err := obj.AssignID(s.nextID); err != nil {
			return 0, err
		}
		s.nextID++
	}
	id := obj.ID()
	if s.has(id) {
		s.log.Warn("object ", id, " registered twice")
		return id, fmt.Errorf("%w: %d", ErrAlreadyRegistered, id)
	}
	s.insert(obj, false)
	if s.server != nil {
		s.server.interest.UpdateObject(id, obj.Transform().Position)
	}
	return id, nil
}

// insert stores obj in the arena. Server objects start at revision 1 so
// every client receives them once.
func (s *StateSynchronizer) insert(obj *replication.NetworkedObject, remote bool) *donburi.Entry {
	entity := s.world.Create(netcomponents.Replicated, netcomponents.Interp, netcomponents.Correction)
	entry := s.world.Entry(entity)
	netcomponents.Replicated.SetValue(entry, netcomponents.ReplicatedData{
		NetworkedObject: obj,
		Revision:        1,
		Remote:          remote,
	})
	netcomponents.Interp.SetValue(entry, netcomponents.InterpData{Rendered: obj.Transform()})
	s.entities[obj.ID()] = entity
	return entry
}

// UnregisterObject removes an object and retires its id. The server tells
// every client that knew about it.
func (s *StateSynchronizer) UnregisterObject(id replication.NetworkID) error {
	if !s.has(id) {
		s.log.Warn("unregister of unknown object ", id)
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	s.remove(id)
	if s.server != nil {
		s.retire(id)
	}
	if s.client != nil {
		s.client.forget(id)
	}
	for key := range s.rpcs {
		if key.object == id {
			delete(s.rpcs, key)
		}
	}
	return nil
}

func (s *StateSynchronizer) remove(id replication.NetworkID) {
	if entity, ok := s.entities[id]; ok {
		if s.world.Valid(entity) {
			s.world.Remove(entity)
		}
		delete(s.entities, id)
	}
}

func (s *StateSynchronizer) has(id replication.NetworkID) bool {
	_, ok := s.entities[id]
	return ok
}

func (s *StateSynchronizer) entry(id replication.NetworkID) (*donburi.Entry, bool) {
	entity, ok := s.entities[id]
	if !ok || !s.world.Valid(entity) {
		return nil, false
	}
	return s.world.Entry(entity), true
}

func (s *StateSynchronizer) data(id replication.NetworkID) (*netcomponents.ReplicatedData, bool) {
	e, ok := s.entry(id)
	if !ok {
		return nil, false
	}
	return netcomponents.Replicated.Get(e), true
}

// Object returns a registered object.
func (s *StateSynchronizer) Object(id replication.NetworkID) (*replication.NetworkedObject, bool) {
	d, ok := s.data(id)
	if !ok {
		return nil, false
	}
	return d.NetworkedObject, true
}

// ObjectIDs lists registered ids in ascending order.
func (s *StateSynchronizer) ObjectIDs() []replication.NetworkID {
	ids := make([]replication.NetworkID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ObjectCount returns the number of registered objects.
func (s *StateSynchronizer) ObjectCount() int {
	return len(s.entities)
}

// RenderedTransform returns the interpolated transform of a remote object.
func (s *StateSynchronizer) RenderedTransform(id replication.NetworkID) (netcomponents.InterpData, bool) {
	e, ok := s.entry(id)
	if !ok {
		return netcomponents.InterpData{}, false
	}
	return *netcomponents.Interp.Get(e), true
}

// GetLatestSnapshot returns the most recent snapshot: the last one generated
// on a server, or the newest buffered snapshot on a client.
func (s *StateSynchronizer) GetLatestSnapshot() *snapshot.StateSnapshot {
	if s.server != nil {
		return s.server.latest
	}
	return s.client.buffer.Newest()
}

// SnapshotBuffer exposes the client's interpolation buffer.
func (s *StateSynchronizer) SnapshotBuffer() *snapshot.Buffer {
	if s.client == nil {
		return nil
	}
	return s.client.buffer
}

func (s *StateSynchronizer) Stats() Stats {
	return s.stats
}
