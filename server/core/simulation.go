package core

import (
	"math"
	"sort"

	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/interest"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/synchronizer"
)

// Demo tuning.
const (
	MoveStep      = 1.0 // distance covered by one full-strength input
	MaxHealth     = 100
	FireDamage    = 25
	HitRadius     = 2.0
	drifterRate   = 10.0 // Hz
	drifterOrbit  = 40.0
	drifterSpread = 120.0
)

// RPC names understood by avatars.
const (
	RPCFire = "fire"
	RPCHit  = "hit"
	RPCPing = "ping"
	RPCPong = "pong"
)

// Input is the payload of an avatar input message.
type Input struct {
	MoveX float64 `codec:"x"`
	MoveZ float64 `codec:"z"`
}

// FireParams are sent by a client firing at another object. Aim is where the
// client saw the target when it fired.
type FireParams struct {
	Target uint32     `codec:"target"`
	Aim    [3]float64 `codec:"aim"`
}

// HitParams answer a fire call.
type HitParams struct {
	Target uint32 `codec:"target"`
	Hit    bool   `codec:"hit"`
	Health int64  `codec:"health"`
}

// ApplyInput moves t by one input. Clients predict with the same function.
func ApplyInput(t gamemath.Transform, in Input) gamemath.Transform {
	move := gamemath.V3(in.MoveX, 0, in.MoveZ)
	if l := move.Length(); l > 1 {
		move = move.Scale(1 / l)
	}
	t.Position = t.Position.Add(move.Scale(MoveStep))
	return t
}

type drifter struct {
	id     replication.NetworkID
	obj    *replication.NetworkedObject
	center gamemath.Vec3
	phase  float64
	speed  float64
}

type avatar struct {
	client replication.ClientID
	id     replication.NetworkID
	obj    *replication.NetworkedObject
	health replication.VarID
	score  replication.VarID
}

// Simulation is the authoritative demo world: drifting server objects plus
// one avatar per connected client. It runs on the loop goroutine.
type Simulation struct {
	sync   *synchronizer.StateSynchronizer
	log    netlog.Logger
	radius float64

	elapsed  float64
	drifters []*drifter
	avatars  map[replication.ClientID]*avatar
}

// NewSimulation spawns count drifters. radius is the interest radius given
// to each client around its avatar.
func NewSimulation(sync *synchronizer.StateSynchronizer, count int, radius float64, logger netlog.Logger) (*Simulation, error) {
	sim := &Simulation{
		sync:    sync,
		log:     netlog.Or(logger, netlog.PrefixServer),
		radius:  radius,
		avatars: make(map[replication.ClientID]*avatar),
	}
	for i := 0; i < count; i++ {
		if err := sim.spawnDrifter(i, count); err != nil {
			return nil, err
		}
	}
	return sim, nil
}

func (sim *Simulation) spawnDrifter(i, count int) error {
	angle := 2 * math.Pi * float64(i) / float64(count)
	ring := drifterSpread * float64(1+i%3) / 3
	d := &drifter{
		center: gamemath.V3(math.Cos(angle)*ring, 0, math.Sin(angle)*ring),
		phase:  angle,
		speed:  0.5 + 0.25*float64(i%4),
	}
	obj := replication.NewNetworkedObject(netconfig.AuthorityServer)
	obj.EnableTransformSync(true)
	obj.SetUpdateRate(drifterRate)
	if _, err := obj.RegisterSyncVar("kind", replication.String("drifter")); err != nil {
		return err
	}
	if _, err := obj.RegisterSyncVar("health", replication.Int(MaxHealth)); err != nil {
		return err
	}
	obj.SetTransform(d.pose())
	id, err := sim.sync.RegisterObject(obj)
	if err != nil {
		return err
	}
	d.id, d.obj = id, obj
	sim.drifters = append(sim.drifters, d)
	return nil
}

func (d *drifter) pose() gamemath.Transform {
	t := gamemath.IdentityTransform()
	t.Position = d.center.Add(gamemath.V3(math.Cos(d.phase)*drifterOrbit, 0, math.Sin(d.phase)*drifterOrbit))
	return t
}

// Step advances the drifters by dt seconds.
func (sim *Simulation) Step(dt float64) {
	sim.elapsed += dt
	for _, d := range sim.drifters {
		d.phase += d.speed * dt
		d.obj.SetTransform(d.pose())
	}
}

// HandleEvent reacts to one synchronizer event.
func (sim *Simulation) HandleEvent(e synchronizer.Event) {
	switch e.Kind {
	case synchronizer.EventClientConnected:
		if err := sim.Join(e.Client); err != nil {
			sim.log.Error("spawn avatar for client ", e.Client, ": ", err)
		}
	case synchronizer.EventClientDisconnected:
		sim.Leave(e.Client)
	case synchronizer.EventInput:
		sim.applyInput(e)
	}
}

// Join spawns the avatar of a client and centers its region on it.
func (sim *Simulation) Join(client replication.ClientID) error {
	if _, ok := sim.avatars[client]; ok {
		return nil
	}
	obj := replication.NewNetworkedObject(netconfig.AuthorityServer)
	obj.EnableTransformSync(true)
	obj.SetOwner(client)
	obj.SetPriority(1)
	health, err := obj.RegisterSyncVar("health", replication.Int(MaxHealth))
	if err != nil {
		return err
	}
	score, err := obj.RegisterSyncVar("score", replication.Int(0))
	if err != nil {
		return err
	}
	if _, err := obj.RegisterSyncVar("kind", replication.String("avatar")); err != nil {
		return err
	}
	id, err := sim.sync.RegisterObject(obj)
	if err != nil {
		return err
	}
	a := &avatar{client: client, id: id, obj: obj, health: health, score: score}
	sim.avatars[client] = a
	sim.sync.RegisterRPC(id, RPCFire, sim.onFire)
	sim.sync.RegisterRPC(id, RPCPing, sim.onPing)
	sim.follow(a)
	sim.log.Info("spawned avatar ", id, " for client ", client)
	return nil
}

// Leave removes the avatar of a client.
func (sim *Simulation) Leave(client replication.ClientID) {
	a, ok := sim.avatars[client]
	if !ok {
		return
	}
	delete(sim.avatars, client)
	if err := sim.sync.UnregisterObject(a.id); err != nil {
		sim.log.Warn("remove avatar ", a.id, ": ", err)
	}
}

// Avatar returns the object id of a client's avatar.
func (sim *Simulation) Avatar(client replication.ClientID) (replication.NetworkID, bool) {
	a, ok := sim.avatars[client]
	if !ok {
		return 0, false
	}
	return a.id, true
}

// Avatars returns the number of spawned avatars.
func (sim *Simulation) Avatars() int {
	return len(sim.avatars)
}

// Drifters returns the ids of the drifting objects in spawn order.
func (sim *Simulation) Drifters() []replication.NetworkID {
	ids := make([]replication.NetworkID, len(sim.drifters))
	for i, d := range sim.drifters {
		ids[i] = d.id
	}
	return ids
}

func (sim *Simulation) follow(a *avatar) {
	region := interest.Region{Center: a.obj.Transform().Position, Radius: sim.radius}
	if err := sim.sync.SetRegion(a.client, region); err != nil {
		sim.log.Warn("region for client ", a.client, ": ", err)
	}
}

func (sim *Simulation) applyInput(e synchronizer.Event) {
	a, ok := sim.avatars[e.Client]
	if !ok || a.id != e.Object {
		return
	}
	var in Input
	if err := synchronizer.DecodeParams(e.Payload, &in); err != nil {
		sim.log.Warn("bad input from client ", e.Client, ": ", err)
		return
	}
	a.obj.SetTransform(ApplyInput(a.obj.Transform(), in))
	if err := sim.sync.AckInput(e.Client, a.id, e.InputID); err != nil {
		sim.log.Warn("ack input ", e.InputID, ": ", err)
	}
	sim.follow(a)
}

func (sim *Simulation) onFire(call synchronizer.RPCCall) {
	shooter, ok := sim.avatars[call.From]
	if !ok || shooter.id != call.Object {
		return
	}
	var p FireParams
	if err := synchronizer.DecodeParams(call.Params, &p); err != nil {
		sim.log.Warn("bad fire params from client ", call.From, ": ", err)
		return
	}
	target := replication.NetworkID(p.Target)
	reply := HitParams{Target: p.Target}

	// Judge the shot against where the shooter saw the target.
	sample, ok := sim.sync.Compensate(call.From, target)
	if ok && target != shooter.id {
		aim := gamemath.V3(p.Aim[0], p.Aim[1], p.Aim[2])
		if sample.Transform.Position.Distance(aim) <= HitRadius {
			reply.Hit = true
			reply.Health = sim.damage(target, shooter)
		}
	}

	params, err := synchronizer.EncodeParams(reply)
	if err != nil {
		sim.log.Error("encode hit: ", err)
		return
	}
	if err := sim.sync.CallRPCOn(call.From, shooter.id, RPCHit, params, netconfig.ReliableOrdered); err != nil {
		sim.log.Warn("reply hit: ", err)
	}
}

// damage lowers the target's health and returns what is left. A target
// brought to zero is restored and scores for the shooter.
func (sim *Simulation) damage(target replication.NetworkID, shooter *avatar) int64 {
	obj, ok := sim.sync.Object(target)
	if !ok {
		return 0
	}
	hp, ok := obj.Lookup("health")
	if !ok {
		return 0
	}
	left := obj.Get(hp).Int() - FireDamage
	if left <= 0 {
		left = MaxHealth
		shooter.obj.Set(shooter.score, replication.Int(shooter.obj.Get(shooter.score).Int()+1))
	}
	obj.Set(hp, replication.Int(left))
	return left
}

func (sim *Simulation) onPing(call synchronizer.RPCCall) {
	a, ok := sim.avatars[call.From]
	if !ok || a.id != call.Object {
		return
	}
	if err := sim.sync.CallRPCOn(call.From, a.id, RPCPong, call.Params, netconfig.Unreliable); err != nil {
		sim.log.Warn("reply pong: ", err)
	}
}

// clients returns the clients with an avatar, in id order.
func (sim *Simulation) clients() []replication.ClientID {
	ids := make([]replication.ClientID, 0, len(sim.avatars))
	for id := range sim.avatars {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
