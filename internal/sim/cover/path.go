package cover

import (
	"math"

	"covercraft.ai/internal/sim/cover/logic/mathx"
)

type PathPoint struct {
	Position mathx.Vec3 `json:"pos"`
	Distance float64    `json:"distance"` // cumulative from the first point
}

// Path is a walkable polyline that follows a surface at a stand-off
// distance. The zero Path is empty and all methods are safe on it.
type Path struct {
	points []PathPoint
	looped bool
}

var emptyPath = &Path{}

func buildPath(s *Surface, standOff float64) *Path {
	p := &Path{looped: s.looped, points: make([]PathPoint, 0, len(s.samples)+1)}
	total := 0.0
	for i, smp := range s.samples {
		pos := smp.Position.Add(s.normals[i].Scale(standOff))
		if i > 0 {
			total += pos.Dist(p.points[i-1].Position)
		}
		p.points = append(p.points, PathPoint{Position: pos, Distance: total})
	}
	if s.looped && len(p.points) > 1 {
		first := p.points[0].Position
		total += first.Dist(p.points[len(p.points)-1].Position)
		p.points = append(p.points, PathPoint{Position: first, Distance: total})
	}
	return p
}

func (p *Path) Empty() bool  { return p == nil || len(p.points) == 0 }
func (p *Path) Looped() bool { return p != nil && p.looped }

func (p *Path) Points() []PathPoint {
	if p.Empty() {
		return nil
	}
	return append([]PathPoint(nil), p.points...)
}

func (p *Path) Length() float64 {
	if p.Empty() {
		return 0
	}
	return p.points[len(p.points)-1].Distance
}

// PointAt returns the position at the given distance along the path,
// wrapping for looped paths and clamping otherwise.
func (p *Path) PointAt(distance float64) mathx.Vec3 {
	if p.Empty() {
		return mathx.Vec3{}
	}
	length := p.Length()
	if p.looped && length > 0 {
		distance = math.Mod(distance, length)
		if distance < 0 {
			distance += length
		}
	}
	if distance <= 0 {
		return p.points[0].Position
	}
	for i := 1; i < len(p.points); i++ {
		a, b := p.points[i-1], p.points[i]
		if distance <= b.Distance {
			seg := b.Distance - a.Distance
			if seg < mathx.Epsilon {
				return b.Position
			}
			return mathx.Lerp(a.Position, b.Position, (distance-a.Distance)/seg)
		}
	}
	return p.points[len(p.points)-1].Position
}

// ClosestPoint projects pos onto the path and returns the projected point and
// its distance along the path.
func (p *Path) ClosestPoint(pos mathx.Vec3) (mathx.Vec3, float64) {
	if p.Empty() {
		return mathx.Vec3{}, 0
	}
	if len(p.points) == 1 {
		return p.points[0].Position, 0
	}
	bestD2 := math.Inf(1)
	var best mathx.Vec3
	var bestDist float64
	for i := 1; i < len(p.points); i++ {
		a, b := p.points[i-1], p.points[i]
		t := mathx.ClosestOnSegment(a.Position, b.Position, pos)
		q := mathx.Lerp(a.Position, b.Position, t)
		if d2 := q.DistSq(pos); d2 < bestD2 {
			bestD2 = d2
			best = q
			bestDist = a.Distance + (b.Distance-a.Distance)*t
		}
	}
	return best, bestDist
}
