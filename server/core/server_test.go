package core

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/automoto/replica/config"
	"github.com/automoto/replica/network"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/synchronizer"
)

const tickDt = 0.05

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.DemoObjects = 3
	cfg.Network.Timeout = 0
	cfg.Network.MaxRetries = 1000
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *network.ManualClock) {
	t.Helper()
	clock := network.NewManualClock(0)
	srv, err := NewServer(cfg, Options{Clock: clock, Logger: netlog.Discard{}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, clock
}

// connect attaches a client synchronizer to srv over an in-memory pipe.
func connect(t *testing.T, srv *Server, clock network.Clock) *synchronizer.StateSynchronizer {
	t.Helper()
	serverSock, clientSock := network.NewPipe(network.PipeOptions{})
	if err := srv.Accept(serverSock); err != nil {
		t.Fatalf("accept: %v", err)
	}
	cs, err := synchronizer.New(srv.cfg, synchronizer.Options{
		Role:   synchronizer.RoleClient,
		Clock:  clock,
		Logger: netlog.Discard{},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	conn := network.NewConnection(clientSock, clock, ConnectionOptions(srv.cfg.Network, netlog.Discard{}))
	if err := cs.Connect(conn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return cs
}

func step(t *testing.T, srv *Server, clock *network.ManualClock, clients []*synchronizer.StateSynchronizer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		clock.Advance(tickDt)
		if err := srv.Tick(); err != nil {
			t.Fatalf("server tick: %v", err)
		}
		for _, cs := range clients {
			if err := cs.Update(); err != nil {
				t.Fatalf("client update: %v", err)
			}
		}
	}
}

func avatarOf(t *testing.T, srv *Server, cs *synchronizer.StateSynchronizer) replication.NetworkID {
	t.Helper()
	id, ok := srv.Simulation().Avatar(cs.ClientID())
	if !ok {
		t.Fatalf("expected client %d to have an avatar", cs.ClientID())
	}
	return id
}

func TestNewServerSpawnsDrifters(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	st := srv.Status()
	if st.Objects != 3 || st.Clients != 0 {
		t.Fatalf("expected 3 objects and no clients, got %d objects, %d clients", st.Objects, st.Clients)
	}
	if st.Name != "replica" {
		t.Fatalf("expected name replica, got %q", st.Name)
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.TickRate = 0
	if _, err := NewServer(cfg, Options{Logger: netlog.Discard{}}); err == nil {
		t.Fatal("expected an error for a zero tick rate")
	}
}

func TestDriftersMove(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	id := srv.Simulation().Drifters()[0]
	obj, _ := srv.Synchronizer().Object(id)
	before := obj.Transform().Position

	step(t, srv, clock, nil, 5)

	if obj.Transform().Position.Distance(before) == 0 {
		t.Fatal("expected drifter to move")
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	step(t, srv, clock, nil, 2)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Tick != 2 || st.Objects != 3 {
		t.Fatalf("expected tick 2 with 3 objects, got tick %d with %d objects", st.Tick, st.Objects)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	step(t, srv, clock, nil, 1)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "replica_sync_objects") {
		t.Fatalf("expected replica_sync_objects in metrics output")
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Metrics = false
	srv, _ := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClientJoinReceivesAvatarAndWorld(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	cs := connect(t, srv, clock)
	step(t, srv, clock, []*synchronizer.StateSynchronizer{cs}, 10)

	if !cs.Welcomed() {
		t.Fatal("expected client to be welcomed")
	}
	avatar := avatarOf(t, srv, cs)
	obj, ok := cs.Object(avatar)
	if !ok {
		t.Fatalf("expected client to know its avatar %d", avatar)
	}
	if obj.Owner() != cs.ClientID() {
		t.Fatalf("expected avatar owned by %d, got %d", cs.ClientID(), obj.Owner())
	}
	if cs.ObjectCount() != 4 {
		t.Fatalf("expected 3 drifters and 1 avatar, got %d objects", cs.ObjectCount())
	}
	st := srv.Status()
	if st.Clients != 1 || len(st.Avatars) != 1 || st.Avatars[0] != uint32(avatar) {
		t.Fatalf("expected one client with avatar %d, got %+v", avatar, st)
	}
}

func TestInputMovesAvatarWithoutCorrection(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	cs := connect(t, srv, clock)
	clients := []*synchronizer.StateSynchronizer{cs}
	step(t, srv, clock, clients, 10)
	avatar := avatarOf(t, srv, cs)
	obj, _ := cs.Object(avatar)

	in := Input{MoveX: 1}
	payload, err := synchronizer.EncodeParams(in)
	if err != nil {
		t.Fatalf("encode input: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := cs.SendInput(avatar, payload, ApplyInput(obj.Transform(), in)); err != nil {
			t.Fatalf("send input: %v", err)
		}
	}
	if x := obj.Transform().Position.X; math.Abs(x-3) > 1e-9 {
		t.Fatalf("expected predicted x=3, got %v", x)
	}
	step(t, srv, clock, clients, 10)

	serverObj, _ := srv.Synchronizer().Object(avatar)
	if x := serverObj.Transform().Position.X; math.Abs(x-3) > 1e-9 {
		t.Fatalf("expected server x=3, got %v", x)
	}
	if n := len(cs.Predictions(avatar)); n != 0 {
		t.Fatalf("expected every prediction acknowledged, got %d left", n)
	}
	if c := cs.Stats().Corrections; c != 0 {
		t.Fatalf("expected no corrections, got %d", c)
	}
	if x := obj.Transform().Position.X; math.Abs(x-3) > 1e-9 {
		t.Fatalf("expected client x=3, got %v", x)
	}
}

func TestFireHitsCompensatedTarget(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	target := srv.Simulation().drifters[0]
	target.speed = 0

	cs := connect(t, srv, clock)
	clients := []*synchronizer.StateSynchronizer{cs}
	step(t, srv, clock, clients, 10)
	avatar := avatarOf(t, srv, cs)

	var hits []HitParams
	cs.RegisterRPC(avatar, RPCHit, func(call synchronizer.RPCCall) {
		var p HitParams
		if err := synchronizer.DecodeParams(call.Params, &p); err != nil {
			t.Errorf("decode hit: %v", err)
			return
		}
		hits = append(hits, p)
	})

	pos := target.obj.Transform().Position
	fire := func(aim [3]float64) {
		params, err := synchronizer.EncodeParams(FireParams{Target: uint32(target.id), Aim: aim})
		if err != nil {
			t.Fatalf("encode fire: %v", err)
		}
		if err := cs.CallRPC(avatar, RPCFire, params, netconfig.ReliableOrdered); err != nil {
			t.Fatalf("fire: %v", err)
		}
	}
	fire([3]float64{pos.X, pos.Y, pos.Z})
	fire([3]float64{pos.X + 50, pos.Y, pos.Z})
	step(t, srv, clock, clients, 10)

	if len(hits) != 2 {
		t.Fatalf("expected 2 hit replies, got %d", len(hits))
	}
	if !hits[0].Hit || hits[0].Health != MaxHealth-FireDamage {
		t.Fatalf("expected first shot to hit leaving %d, got %+v", MaxHealth-FireDamage, hits[0])
	}
	if hits[1].Hit {
		t.Fatalf("expected second shot to miss, got %+v", hits[1])
	}

	remote, ok := cs.Object(target.id)
	if !ok {
		t.Fatalf("expected client to know target %d", target.id)
	}
	hp, _ := remote.Lookup("health")
	if got := remote.Get(hp).Int(); got != MaxHealth-FireDamage {
		t.Fatalf("expected replicated health %d, got %d", MaxHealth-FireDamage, got)
	}
}

func TestFireAtMovingTargetUsesRenderedPose(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	target := srv.Simulation().drifters[0]
	// 32 units/s: under HitRadius per tick, well over it across the
	// interpolation delay.
	target.speed = 0.8

	cs := connect(t, srv, clock)
	clients := []*synchronizer.StateSynchronizer{cs}
	step(t, srv, clock, clients, 20)
	avatar := avatarOf(t, srv, cs)

	var hits []HitParams
	cs.RegisterRPC(avatar, RPCHit, func(call synchronizer.RPCCall) {
		var p HitParams
		if err := synchronizer.DecodeParams(call.Params, &p); err != nil {
			t.Errorf("decode hit: %v", err)
			return
		}
		hits = append(hits, p)
	})

	rendered, ok := cs.RenderedTransform(target.id)
	if !ok || !rendered.Initialized {
		t.Fatalf("expected the client to render target %d", target.id)
	}
	seen := rendered.Rendered.Position
	now := target.obj.Transform().Position
	if seen.Distance(now) <= HitRadius {
		t.Fatalf("expected the rendered pose to trail the server by more than %v, got %v", HitRadius, seen.Distance(now))
	}

	for _, aim := range [][3]float64{{seen.X, seen.Y, seen.Z}, {now.X, now.Y, now.Z}} {
		params, err := synchronizer.EncodeParams(FireParams{Target: uint32(target.id), Aim: aim})
		if err != nil {
			t.Fatalf("encode fire: %v", err)
		}
		if err := cs.CallRPC(avatar, RPCFire, params, netconfig.ReliableOrdered); err != nil {
			t.Fatalf("fire: %v", err)
		}
	}
	step(t, srv, clock, clients, 10)

	if len(hits) != 2 {
		t.Fatalf("expected 2 hit replies, got %d", len(hits))
	}
	if !hits[0].Hit {
		t.Fatalf("expected the shot at the rendered pose to hit, got %+v", hits[0])
	}
	if hits[1].Hit {
		t.Fatalf("expected the shot at the server's current pose to miss, got %+v", hits[1])
	}
}

func TestFireDepletingHealthScores(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	sim := srv.Simulation()
	cs := connect(t, srv, clock)
	step(t, srv, clock, []*synchronizer.StateSynchronizer{cs}, 2)
	shooter := sim.avatars[cs.ClientID()]
	target := sim.drifters[0].id

	var left int64
	for i := 0; i < MaxHealth/FireDamage; i++ {
		left = sim.damage(target, shooter)
	}
	if left != MaxHealth {
		t.Fatalf("expected health restored to %d, got %d", MaxHealth, left)
	}
	if score := shooter.obj.Get(shooter.score).Int(); score != 1 {
		t.Fatalf("expected score 1, got %d", score)
	}
}

func TestPingIsAnswered(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	cs := connect(t, srv, clock)
	clients := []*synchronizer.StateSynchronizer{cs}
	step(t, srv, clock, clients, 10)
	avatar := avatarOf(t, srv, cs)

	var pongs [][]byte
	cs.RegisterRPC(avatar, RPCPong, func(call synchronizer.RPCCall) {
		pongs = append(pongs, call.Params)
	})
	if err := cs.CallRPC(avatar, RPCPing, []byte("t1"), netconfig.ReliableOrdered); err != nil {
		t.Fatalf("ping: %v", err)
	}
	step(t, srv, clock, clients, 5)

	if len(pongs) != 1 || string(pongs[0]) != "t1" {
		t.Fatalf("expected one pong echoing t1, got %q", pongs)
	}
}

func TestDisconnectRemovesAvatar(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	cs := connect(t, srv, clock)
	clients := []*synchronizer.StateSynchronizer{cs}
	step(t, srv, clock, clients, 10)
	avatar := avatarOf(t, srv, cs)

	_ = cs.Connection().Close()
	step(t, srv, clock, nil, 3)

	if srv.Simulation().Avatars() != 0 {
		t.Fatalf("expected avatar to be removed, got %d", srv.Simulation().Avatars())
	}
	if _, ok := srv.Synchronizer().Object(avatar); ok {
		t.Fatalf("expected object %d to be unregistered", avatar)
	}
	if st := srv.Status(); st.Clients != 0 || st.Objects != 3 {
		t.Fatalf("expected no clients and 3 objects, got %+v", st)
	}
}

func TestWebSocketClientJoins(t *testing.T) {
	srv, clock := newTestServer(t, testConfig())
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	nc := network.NewClient(clock, ConnectionOptions(srv.cfg.Network, netlog.Discard{}))
	conn, err := nc.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Disconnect()

	cs, err := synchronizer.New(srv.cfg, synchronizer.Options{Role: synchronizer.RoleClient, Clock: clock, Logger: netlog.Discard{}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := cs.Connect(conn); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 500 && cs.ObjectCount() < 4; i++ {
		step(t, srv, clock, []*synchronizer.StateSynchronizer{cs}, 1)
		time.Sleep(5 * time.Millisecond)
	}
	if !cs.Welcomed() || cs.ObjectCount() != 4 {
		t.Fatalf("expected welcomed client with 4 objects, got welcomed=%v objects=%d", cs.Welcomed(), cs.ObjectCount())
	}
}
