package synchronizer

import (
	"math"
	"testing"

	"github.com/automoto/replica/config"
	"github.com/automoto/replica/network"
	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/interest"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/shared/snapshot"
)

const tickDt = 0.05

func newSync(t *testing.T, role Role, cfg config.Config, clock network.Clock) *StateSynchronizer {
	t.Helper()
	s, err := New(cfg, Options{Role: role, Clock: clock, Logger: netlog.Discard{}})
	if err != nil {
		t.Fatalf("new %s synchronizer: %v", role, err)
	}
	return s
}

func connOptions() network.Options {
	opts := network.DefaultOptions()
	opts.Logger = netlog.Discard{}
	opts.MaxRetries = 1000
	opts.Timeout = 0
	return opts
}

// harness wires one server and one client through an in-memory pipe.
type harness struct {
	clock      *network.ManualClock
	server     *StateSynchronizer
	client     *StateSynchronizer
	clientID   replication.ClientID
	serverSock *network.PipeSocket
	clientSock *network.PipeSocket
}

func newHarness(t *testing.T, cfg config.Config, pipe network.PipeOptions) *harness {
	t.Helper()
	clock := network.NewManualClock(0)
	h := &harness{
		clock:  clock,
		server: newSync(t, RoleServer, cfg, clock),
		client: newSync(t, RoleClient, cfg, clock),
	}
	h.serverSock, h.clientSock = network.NewPipe(pipe)
	id, err := h.server.AddClient(network.NewConnection(h.serverSock, clock, connOptions()))
	if err != nil {
		t.Fatalf("add client: %v", err)
	}
	h.clientID = id
	if err := h.client.Connect(network.NewConnection(h.clientSock, clock, connOptions())); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := h.server.SetRegion(id, interest.Region{Radius: 1000}); err != nil {
		t.Fatalf("set region: %v", err)
	}
	return h
}

func (h *harness) step(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.clock.Advance(tickDt)
		if err := h.server.Update(); err != nil {
			t.Fatalf("server update: %v", err)
		}
		if err := h.client.Update(); err != nil {
			t.Fatalf("client update: %v", err)
		}
	}
}

func newObject(t *testing.T, auth netconfig.Authority, health int64) (*replication.NetworkedObject, replication.VarID) {
	t.Helper()
	obj := replication.NewNetworkedObject(auth)
	obj.EnableTransformSync(true)
	hp, err := obj.RegisterSyncVar("health", replication.Int(health))
	if err != nil {
		t.Fatalf("register sync var: %v", err)
	}
	return obj, hp
}

func at(x, y, z float64) gamemath.Transform {
	tr := gamemath.IdentityTransform()
	tr.Position = gamemath.V3(x, y, z)
	return tr
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func healthOf(t *testing.T, s *StateSynchronizer, id replication.NetworkID) int64 {
	t.Helper()
	obj, ok := s.Object(id)
	if !ok {
		t.Fatalf("expected object %d to exist", id)
	}
	v, ok := obj.Lookup("health")
	if !ok {
		t.Fatalf("expected object %d to have health", id)
	}
	return obj.Get(v).Int()
}

func eventsOf(events []Event, kind EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// snapshotOf builds a one-object snapshot of full payloads.
func snapshotOf(t *testing.T, snapID uint32, ts float64, obj *replication.NetworkedObject) *snapshot.StateSnapshot {
	t.Helper()
	st := snapshot.New(snapID, ts)
	if err := st.Add(obj.ID(), obj.Payload()); err != nil {
		t.Fatalf("add: %v", err)
	}
	return st
}
