// Package interest decides which objects each client is told about.
//
// Clients register a spherical region; an object is relevant when its
// position lies within the radius of the region center. A client without a
// region sees nothing. Candidate objects come from a resolv grid over the
// X/Z plane and are then checked against the exact 3D distance.
package interest

import (
	"math"
	"sort"

	"github.com/automoto/replica/shared/gamemath"
	"github.com/automoto/replica/shared/replication"
	"github.com/solarlune/resolv"
)

const (
	tagBody = "replica_body"

	DefaultWorldSize = 4096
	DefaultCellSize  = 64
)

// Region is a client's area of interest.
type Region struct {
	Center gamemath.Vec3
	Radius float64
}

// Contains reports whether p lies within the region.
func (r Region) Contains(p gamemath.Vec3) bool {
	return r.Radius >= 0 && p.DistanceSq(r.Center) <= r.Radius*r.Radius
}

// Config sizes the broadphase grid. The grid spans WorldSize on X and Z,
// centered on the origin; objects outside it are checked exhaustively.
type Config struct {
	WorldSize float64
	CellSize  int
}

// Manager tracks client regions and object positions.
type Manager struct {
	regions map[replication.ClientID]Region
	always  map[replication.NetworkID]struct{}

	half    float64
	space   *resolv.Space
	bodies  map[replication.NetworkID]*resolv.Object
	owners  map[*resolv.Object]replication.NetworkID
	pos     map[replication.NetworkID]gamemath.Vec3
	outside map[replication.NetworkID]struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.WorldSize <= 0 {
		cfg.WorldSize = DefaultWorldSize
	}
	if cfg.CellSize <= 0 {
		cfg.CellSize = DefaultCellSize
	}
	size := int(math.Ceil(cfg.WorldSize))
	return &Manager{
		regions: make(map[replication.ClientID]Region),
		always:  make(map[replication.NetworkID]struct{}),
		half:    float64(size) / 2,
		space:   resolv.NewSpace(size, size, cfg.CellSize, cfg.CellSize),
		bodies:  make(map[replication.NetworkID]*resolv.Object),
		owners:  make(map[*resolv.Object]replication.NetworkID),
		pos:     make(map[replication.NetworkID]gamemath.Vec3),
		outside: make(map[replication.NetworkID]struct{}),
	}
}

// SetRegion registers or moves a client's region.
func (m *Manager) SetRegion(client replication.ClientID, r Region) {
	m.regions[client] = r
}

// RemoveRegion drops a client's region; it will see nothing afterwards.
func (m *Manager) RemoveRegion(client replication.ClientID) {
	delete(m.regions, client)
}

func (m *Manager) Region(client replication.ClientID) (Region, bool) {
	r, ok := m.regions[client]
	return r, ok
}

// SetAlwaysRelevant makes an object visible to every client with a region,
// regardless of distance.
func (m *Manager) SetAlwaysRelevant(id replication.NetworkID, on bool) {
	if on {
		m.always[id] = struct{}{}
	} else {
		delete(m.always, id)
	}
}

func (m *Manager) AlwaysRelevant(id replication.NetworkID) bool {
	_, ok := m.always[id]
	return ok
}

// IsRelevant reports whether an object at position is of interest to client.
func (m *Manager) IsRelevant(client replication.ClientID, id replication.NetworkID, position gamemath.Vec3) bool {
	r, ok := m.regions[client]
	if !ok {
		return false
	}
	if _, ok := m.always[id]; ok {
		return true
	}
	return r.Contains(position)
}

func (m *Manager) inBounds(p gamemath.Vec3) bool {
	return p.X >= -m.half && p.X < m.half && p.Z >= -m.half && p.Z < m.half
}

// UpdateObject records an object's current position.
func (m *Manager) UpdateObject(id replication.NetworkID, p gamemath.Vec3) {
	m.pos[id] = p
	body, tracked := m.bodies[id]
	if !m.inBounds(p) {
		if tracked {
			m.space.Remove(body)
			delete(m.bodies, id)
			delete(m.owners, body)
		}
		m.outside[id] = struct{}{}
		return
	}
	delete(m.outside, id)
	x, y := p.X+m.half, p.Z+m.half
	if !tracked {
		body = resolv.NewObject(x, y, 1, 1, tagBody)
		body.SetShape(resolv.NewRectangle(0, 0, 1, 1))
		m.space.Add(body)
		m.bodies[id] = body
		m.owners[body] = id
		return
	}
	if body.X != x || body.Y != y {
		body.X, body.Y = x, y
		body.Update()
	}
}

// RemoveObject forgets an object.
func (m *Manager) RemoveObject(id replication.NetworkID) {
	if body, ok := m.bodies[id]; ok {
		m.space.Remove(body)
		delete(m.owners, body)
		delete(m.bodies, id)
	}
	delete(m.outside, id)
	delete(m.pos, id)
	delete(m.always, id)
}

// ObjectCount returns the number of tracked objects.
func (m *Manager) ObjectCount() int {
	return len(m.pos)
}

// RelevantObjects lists the tracked objects client may see, ordered by id.
func (m *Manager) RelevantObjects(client replication.ClientID) []replication.NetworkID {
	r, ok := m.regions[client]
	if !ok {
		return nil
	}
	seen := make(map[replication.NetworkID]struct{})
	var out []replication.NetworkID
	add := func(id replication.NetworkID) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, id := range m.candidates(r) {
		if r.Contains(m.pos[id]) {
			add(id)
		}
	}
	for id := range m.outside {
		if r.Contains(m.pos[id]) {
			add(id)
		}
	}
	for id := range m.always {
		if _, ok := m.pos[id]; ok {
			add(id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// candidates runs the grid broadphase for a region.
func (m *Manager) candidates(r Region) []replication.NetworkID {
	if r.Radius < 0 || len(m.bodies) == 0 {
		return nil
	}
	size := 2 * m.half
	x0 := gamemath.Clamp(r.Center.X-r.Radius+m.half, 0, size-1)
	y0 := gamemath.Clamp(r.Center.Z-r.Radius+m.half, 0, size-1)
	x1 := gamemath.Clamp(r.Center.X+r.Radius+m.half, 0, size-1)
	y1 := gamemath.Clamp(r.Center.Z+r.Radius+m.half, 0, size-1)
	w, h := math.Max(x1-x0, 1), math.Max(y1-y0, 1)

	query := resolv.NewObject(x0, y0, w, h)
	query.SetShape(resolv.NewRectangle(0, 0, w, h))
	m.space.Add(query)
	defer m.space.Remove(query)

	check := query.Check(0, 0, tagBody)
	if check == nil {
		return nil
	}
	var out []replication.NetworkID
	for _, body := range check.ObjectsByTags(tagBody) {
		if id, ok := m.owners[body]; ok {
			out = append(out, id)
		}
	}
	return out
}
