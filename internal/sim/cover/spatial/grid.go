package spatial

import (
	"covercraft.ai/internal/sim/cover/logic/mathx"
)

// Resolver maps a key to its current world position.
type Resolver[K comparable] func(K) (mathx.Vec3, bool)

type cellKey struct {
	X, Y, Z int
}

// Grid is a uniform hash grid. Positions are resolved through the injected
// Resolver at insert and query time, so the grid never owns geometry.
// In 2D mode the Z axis is ignored for both bucketing and distance.
type Grid[K comparable] struct {
	cellSize float64
	use3D    bool
	resolve  Resolver[K]

	cells map[cellKey][]K
	where map[K]cellKey
}

func NewGrid[K comparable](cellSize float64, use3D bool, resolve Resolver[K]) *Grid[K] {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &Grid[K]{
		cellSize: cellSize,
		use3D:    use3D,
		resolve:  resolve,
		cells:    map[cellKey][]K{},
		where:    map[K]cellKey{},
	}
}

func (g *Grid[K]) keyFor(p mathx.Vec3) cellKey {
	k := cellKey{X: mathx.FloorDiv(p.X, g.cellSize), Y: mathx.FloorDiv(p.Y, g.cellSize)}
	if g.use3D {
		k.Z = mathx.FloorDiv(p.Z, g.cellSize)
	}
	return k
}

// Insert places k in the cell of its resolved position. Re-inserting a key
// moves it. Returns false when the resolver has no position for k.
func (g *Grid[K]) Insert(k K) bool {
	p, ok := g.resolve(k)
	if !ok {
		return false
	}
	if _, exists := g.where[k]; exists {
		g.Remove(k)
	}
	ck := g.keyFor(p)
	g.cells[ck] = append(g.cells[ck], k)
	g.where[k] = ck
	return true
}

// Remove drops k. It does not consult the resolver, so it is safe to call
// after the owning geometry has been destroyed.
func (g *Grid[K]) Remove(k K) {
	ck, ok := g.where[k]
	if !ok {
		return
	}
	delete(g.where, k)
	bucket := g.cells[ck]
	for i, v := range bucket {
		if v == k {
			last := len(bucket) - 1
			bucket[i] = bucket[last]
			var zero K
			bucket[last] = zero
			bucket = bucket[:last]
			break
		}
	}
	if len(bucket) == 0 {
		delete(g.cells, ck)
		return
	}
	g.cells[ck] = bucket
}

func (g *Grid[K]) Contains(k K) bool {
	_, ok := g.where[k]
	return ok
}

func (g *Grid[K]) Len() int { return len(g.where) }

func (g *Grid[K]) Clear() {
	g.cells = map[cellKey][]K{}
	g.where = map[K]cellKey{}
}

// Query appends to out every key whose resolved position lies within radius
// of center.
func (g *Grid[K]) Query(center mathx.Vec3, radius float64, out []K) []K {
	if !(radius >= 0) {
		return out
	}
	r2 := radius * radius
	match := func(k K) bool {
		p, ok := g.resolve(k)
		if !ok {
			return false
		}
		d := p.Sub(center)
		if !g.use3D {
			d.Z = 0
		}
		return d.LenSq() <= r2
	}

	// A span covering more cells than are populated is cheaper to answer
	// by walking the populated cells.
	perAxis := 2*radius/g.cellSize + 2
	span := perAxis * perAxis
	if g.use3D {
		span *= perAxis
	}
	if span > float64(len(g.cells)) {
		for _, bucket := range g.cells {
			for _, k := range bucket {
				if match(k) {
					out = append(out, k)
				}
			}
		}
		return out
	}
	lo := g.keyFor(center.Sub(mathx.Vec3{X: radius, Y: radius, Z: radius}))
	hi := g.keyFor(center.Add(mathx.Vec3{X: radius, Y: radius, Z: radius}))
	if !g.use3D {
		lo.Z, hi.Z = 0, 0
	}
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				for _, k := range g.cells[cellKey{X: x, Y: y, Z: z}] {
					if match(k) {
						out = append(out, k)
					}
				}
			}
		}
	}
	return out
}
