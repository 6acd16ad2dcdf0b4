// Package physics is a small box world: static and breakable boxes plus
// entity bodies. It answers ray tests asynchronously, delivering results at
// the next Step, and exposes entity geometry to the cover sampler.
package physics

import (
	"math"
	"sort"
	"sync"

	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/cover/raycast"
)

type BoxID uint32

const (
	MaskStatic uint32 = 1 << iota
	MaskBreakable
	MaskEntity

	MaskAll = MaskStatic | MaskBreakable | MaskEntity
)

// Box is an oriented box. Half holds the half extents in the box frame,
// which is rotated by Yaw around the up axis at Center.
type Box struct {
	Center    mathx.Vec3 `json:"center" yaml:"center"`
	Half      mathx.Vec3 `json:"half" yaml:"half"`
	Yaw       float64    `json:"yaw,omitempty" yaml:"yaw,omitempty"`
	Breakable bool       `json:"breakable,omitempty" yaml:"breakable,omitempty"`

	entity ids.EntityID
}

func (b Box) mask() uint32 {
	switch {
	case b.entity != 0:
		return MaskEntity
	case b.Breakable:
		return MaskBreakable
	}
	return MaskStatic
}

// BreakListener is told which breakable boxes a Break destroyed.
type BreakListener func(center mathx.Vec3, radius float64, broken []BoxID)

type pendingRay struct {
	id   raycast.RequestID
	req  raycast.Request
	sink raycast.Sink
}

// World is safe for concurrent use. Ray results are computed against the
// geometry as it stands when Step runs.
type World struct {
	mu sync.Mutex

	boxes    map[BoxID]Box
	nextBox  BoxID
	entities map[ids.EntityID]BoxID

	pending []pendingRay
	nextRay raycast.RequestID

	onBreak []BreakListener
}

func NewWorld() *World {
	return &World{
		boxes:    map[BoxID]Box{},
		entities: map[ids.EntityID]BoxID{},
	}
}

func (w *World) AddBox(b Box) BoxID {
	w.mu.Lock()
	defer w.mu.Unlock()
	b.entity = 0
	return w.addLocked(b)
}

func (w *World) addLocked(b Box) BoxID {
	w.nextBox++
	w.boxes[w.nextBox] = b
	return w.nextBox
}

func (w *World) RemoveBox(id BoxID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.boxes[id]
	if !ok {
		return false
	}
	delete(w.boxes, id)
	if b.entity != 0 {
		delete(w.entities, b.entity)
	}
	return true
}

func (w *World) BoxCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.boxes)
}

// SetEntityBody creates or moves the body of e. The body's bottom face sits
// at pos, so pos is the entity's ground position.
func (w *World) SetEntityBody(e ids.EntityID, pos, half mathx.Vec3, yaw float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := Box{Center: pos.Add(mathx.V(0, 0, half.Z)), Half: half, Yaw: yaw, entity: e}
	if id, ok := w.entities[e]; ok {
		w.boxes[id] = b
		return
	}
	w.entities[e] = w.addLocked(b)
}

func (w *World) RemoveEntity(e ids.EntityID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.entities[e]
	if !ok {
		return false
	}
	delete(w.entities, e)
	delete(w.boxes, id)
	return true
}

// EntityBounds returns the body extents in the entity frame, whose origin
// is the ground position.
func (w *World) EntityBounds(e ids.EntityID) (mathx.Vec3, mathx.Vec3, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.entities[e]
	if !ok {
		return mathx.Vec3{}, mathx.Vec3{}, false
	}
	h := w.boxes[id].Half
	return mathx.V(-h.X, -h.Y, 0), mathx.V(h.X, h.Y, 2*h.Z), true
}

func (w *World) EntityPose(e ids.EntityID) (mathx.Vec3, float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.entities[e]
	if !ok {
		return mathx.Vec3{}, 0, false
	}
	b := w.boxes[id]
	return b.Center.Sub(mathx.V(0, 0, b.Half.Z)), b.Yaw, true
}

// EntityPosition reports the ground position of e's body.
func (w *World) EntityPosition(e ids.EntityID) (mathx.Vec3, bool) {
	pos, _, ok := w.EntityPose(e)
	return pos, ok
}

func (w *World) OnBreak(fn BreakListener) {
	w.mu.Lock()
	w.onBreak = append(w.onBreak, fn)
	w.mu.Unlock()
}

// Break destroys every breakable box whose centre lies within radius of
// center and notifies break listeners. Listeners run on the caller's
// goroutine after the lock is released.
func (w *World) Break(center mathx.Vec3, radius float64) []BoxID {
	w.mu.Lock()
	var broken []BoxID
	for id, b := range w.boxes {
		if b.Breakable && b.Center.Dist(center) <= radius+b.Half.Len() && closestPoint(b, center).Dist(center) <= radius {
			broken = append(broken, id)
		}
	}
	sort.Slice(broken, func(i, j int) bool { return broken[i] < broken[j] })
	for _, id := range broken {
		delete(w.boxes, id)
	}
	listeners := append([]BreakListener(nil), w.onBreak...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(center, radius, broken)
	}
	return broken
}

// Queue implements raycast.Service.
func (w *World) Queue(req raycast.Request, sink raycast.Sink) raycast.RequestID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextRay++
	w.pending = append(w.pending, pendingRay{id: w.nextRay, req: req, sink: sink})
	return w.nextRay
}

// Cancel implements raycast.Service.
func (w *World) Cancel(id raycast.RequestID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, p := range w.pending {
		if p.id == id {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return
		}
	}
}

func (w *World) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Step resolves every queued ray and posts the results. It returns the
// number of rays resolved.
func (w *World) Step() int {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	results := make([]raycast.Result, len(batch))
	for i, p := range batch {
		results[i] = w.castLocked(p.req)
		results[i].ID = p.id
	}
	w.mu.Unlock()

	for i, p := range batch {
		if p.sink != nil {
			p.sink.Post(results[i])
		}
	}
	return len(batch)
}

// Raycast answers a ray synchronously.
func (w *World) Raycast(req raycast.Request) raycast.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.castLocked(req)
}

func (w *World) castLocked(req raycast.Request) raycast.Result {
	mask := req.Mask
	if mask == 0 {
		mask = MaskAll
	}
	maxDist := req.Direction.Len()
	if maxDist < mathx.Epsilon {
		return raycast.Result{}
	}
	dir := req.Direction.Scale(1 / maxDist)

	best := raycast.Result{Distance: math.Inf(1)}
	for _, b := range w.boxes {
		if b.mask()&mask == 0 {
			continue
		}
		t, n, ok := intersect(b, req.Origin, dir)
		if !ok || t > maxDist || t >= best.Distance {
			continue
		}
		best = raycast.Result{Hit: true, Distance: t, Point: req.Origin.Add(dir.Scale(t)), Normal: n}
	}
	if !best.Hit {
		return raycast.Result{}
	}
	return best
}

// intersect is a slab test in the box frame. dir is unit length. A ray
// starting inside the box hits at distance 0.
func intersect(b Box, origin, dir mathx.Vec3) (float64, mathx.Vec3, bool) {
	o := mathx.RotateZ(origin.Sub(b.Center), -b.Yaw)
	d := mathx.RotateZ(dir, -b.Yaw)
	oa := [3]float64{o.X, o.Y, o.Z}
	da := [3]float64{d.X, d.Y, d.Z}
	ha := [3]float64{b.Half.X, b.Half.Y, b.Half.Z}

	tmin, tmax := 0.0, math.Inf(1)
	axis, sign := -1, 0.0
	for i := 0; i < 3; i++ {
		if math.Abs(da[i]) < 1e-12 {
			if oa[i] < -ha[i] || oa[i] > ha[i] {
				return 0, mathx.Vec3{}, false
			}
			continue
		}
		t1 := (-ha[i] - oa[i]) / da[i]
		t2 := (ha[i] - oa[i]) / da[i]
		s := -1.0
		if t1 > t2 {
			t1, t2 = t2, t1
			s = 1
		}
		if t1 > tmin {
			tmin, axis, sign = t1, i, s
		}
		if t2 < tmax {
			tmax = t2
		}
		if tmin > tmax {
			return 0, mathx.Vec3{}, false
		}
	}
	var n mathx.Vec3
	switch axis {
	case 0:
		n = mathx.V(sign, 0, 0)
	case 1:
		n = mathx.V(0, sign, 0)
	case 2:
		n = mathx.V(0, 0, sign)
	default:
		n = dir.Scale(-1)
	}
	return tmin, mathx.RotateZ(n, b.Yaw), true
}

func closestPoint(b Box, p mathx.Vec3) mathx.Vec3 {
	l := mathx.RotateZ(p.Sub(b.Center), -b.Yaw)
	l = mathx.V(
		mathx.Clamp(l.X, -b.Half.X, b.Half.X),
		mathx.Clamp(l.Y, -b.Half.Y, b.Half.Y),
		mathx.Clamp(l.Z, -b.Half.Z, b.Half.Z),
	)
	return b.Center.Add(mathx.RotateZ(l, b.Yaw))
}
