package cover

import (
	"fmt"
	"math"

	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
)

// Sample is one boundary point of a cover surface. Height is measured up
// from Position.Z to the top of the occluding geometry.
type Sample struct {
	Position mathx.Vec3 `json:"pos" yaml:"pos"`
	Height   float64    `json:"height" yaml:"height"`
}

// SurfaceDesc is the geometry handed to AddSurface/UpdateSurface.
// Samples are ordered so that the side agents stand on is to the right of
// the direction of travel; normals point out of the obstacle toward that side.
type SurfaceDesc struct {
	Samples []Sample `json:"samples" yaml:"samples"`
	Looped  bool     `json:"looped,omitempty" yaml:"looped,omitempty"`
	Dynamic bool     `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
}

func (d SurfaceDesc) validate() error {
	if len(d.Samples) < 2 {
		return fmt.Errorf("%w: need at least 2 samples, got %d", ErrInvalidSurface, len(d.Samples))
	}
	if len(d.Samples) > ids.MaxLocations {
		return fmt.Errorf("%w: %d samples exceeds %d", ErrInvalidSurface, len(d.Samples), ids.MaxLocations)
	}
	for i, s := range d.Samples {
		if s.Height < 0 || math.IsNaN(s.Height) {
			return fmt.Errorf("%w: sample %d has height %v", ErrInvalidSurface, i, s.Height)
		}
	}
	return nil
}

// Surface is the registry's immutable view of a SurfaceDesc plus derived data.
type Surface struct {
	id      ids.SurfaceID
	samples []Sample
	normals []mathx.Vec3
	looped  bool
	dynamic bool
	length  float64
}

func newSurface(id ids.SurfaceID, d SurfaceDesc) *Surface {
	s := &Surface{
		id:      id,
		samples: append([]Sample(nil), d.Samples...),
		looped:  d.Looped,
		dynamic: d.Dynamic,
	}
	n := len(s.samples)
	segNormals := make([]mathx.Vec3, s.segmentCount())
	for i := range segNormals {
		a, b := s.segment(i)
		segNormals[i] = b.Sub(a).Flat().Cross(mathx.Up).Normalized()
		s.length += a.Dist(b)
	}

	s.normals = make([]mathx.Vec3, n)
	for i := 0; i < n; i++ {
		var sum mathx.Vec3
		if i < len(segNormals) {
			sum = sum.Add(segNormals[i])
		}
		prev := i - 1
		if prev < 0 && s.looped {
			prev = len(segNormals) - 1
		}
		if prev >= 0 {
			sum = sum.Add(segNormals[prev])
		}
		nrm := sum.Normalized()
		if nrm.IsZero() {
			// Reversal spike: fall back to whichever neighbour exists.
			if i < len(segNormals) {
				nrm = segNormals[i]
			} else if prev >= 0 {
				nrm = segNormals[prev]
			}
		}
		s.normals[i] = nrm
	}
	return s
}

func (s *Surface) ID() ids.SurfaceID { return s.id }
func (s *Surface) Len() int          { return len(s.samples) }
func (s *Surface) Looped() bool      { return s.looped }
func (s *Surface) Dynamic() bool     { return s.dynamic }
func (s *Surface) Length() float64   { return s.length }

func (s *Surface) segmentCount() int {
	if s.looped {
		return len(s.samples)
	}
	return len(s.samples) - 1
}

func (s *Surface) segment(i int) (mathx.Vec3, mathx.Vec3) {
	j := (i + 1) % len(s.samples)
	return s.samples[i].Position, s.samples[j].Position
}

func (s *Surface) segmentTops(i int) (float64, float64) {
	j := (i + 1) % len(s.samples)
	a, b := s.samples[i], s.samples[j]
	return a.Position.Z + a.Height, b.Position.Z + b.Height
}

// LowestOcclusion intersects the sightline eye->target with the surface in
// the ground plane. It returns the lowest cover top, relative to target.Z,
// over all crossings, and false when the sightline is not occluded at all.
func (s *Surface) LowestOcclusion(eye, target mathx.Vec3) (float64, bool) {
	best := math.Inf(1)
	found := false
	for i := 0; i < s.segmentCount(); i++ {
		a, b := s.segment(i)
		ta, tb, ok := mathx.IntersectSegments2D(eye, target, a, b)
		if !ok || ta >= 1 {
			continue
		}
		ha, hb := s.segmentTops(i)
		top := ha + (hb-ha)*tb
		if h := top - target.Z; h < best {
			best = h
		}
		found = true
	}
	if !found {
		return 0, false
	}
	return math.Max(best, 0), true
}

func (s *Surface) occludes(eye, end mathx.Vec3) bool {
	for i := 0; i < s.segmentCount(); i++ {
		a, b := s.segment(i)
		if _, _, ok := mathx.IntersectSegments2D(eye, end, a, b); ok {
			return true
		}
	}
	return false
}

// circleRays is the number of sightlines fanned across a footprint.
const circleRays = 5

// IsCircleInCover reports whether the whole footprint circle lies in the
// shadow the surface casts from eye.
func (s *Surface) IsCircleInCover(eye, center mathx.Vec3, radius float64) bool {
	d := eye.Dist2D(center)
	if d <= radius || d < mathx.Epsilon {
		return false
	}
	dir := center.Sub(eye).Flat().Scale(1 / d)
	half := math.Asin(radius / d)
	reach := math.Sqrt(d*d - radius*radius)
	for i := 0; i < circleRays; i++ {
		a := -half + 2*half*float64(i)/float64(circleRays-1)
		l := reach
		if i == circleRays/2 {
			l = d
		}
		end := eye.Add(mathx.RotateZ(dir, a).Scale(l))
		end.Z = eye.Z
		if !s.occludes(eye, end) {
			return false
		}
	}
	return true
}
