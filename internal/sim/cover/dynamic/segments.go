package dynamic

import (
	"math"

	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/cover/raycast"
)

type segFlags uint8

const (
	segLive segFlags = 1 << iota
	segDisabled
	segValidating
	segQueued
)

// segment is the unit of confirmation: one edge between two adjacent
// samples of a provisional surface.
type segment struct {
	center  mathx.Vec3
	a, b    mathx.Vec3
	normal  mathx.Vec3
	height  float64
	length  float64
	surface ids.SurfaceID
	index   int
	flags   segFlags

	recheckIn float64
}

func (s *segment) has(f segFlags) bool { return s.flags&f != 0 }

// validation is an in-flight confirm/retract decision for one segment.
type validation struct {
	seg      int
	waiting  int
	negative int
	positive int
	rays     []raycast.RequestID
}

// tracked records a provisional surface and the entity side it came from.
type tracked struct {
	entity ids.EntityID
	side   int
	segs   []int
}

func (m *Manager) allocSegment(sg segment) int {
	sg.flags |= segLive
	if n := len(m.freeSegs); n > 0 {
		idx := m.freeSegs[n-1]
		m.freeSegs = m.freeSegs[:n-1]
		m.segments[idx] = sg
		return idx
	}
	m.segments = append(m.segments, sg)
	return len(m.segments) - 1
}

func (m *Manager) segmentCenter(idx int) (mathx.Vec3, bool) {
	if idx < 0 || idx >= len(m.segments) || !m.segments[idx].has(segLive) {
		return mathx.Vec3{}, false
	}
	return m.segments[idx].center, true
}

// trackSurface builds one segment per edge of a dynamic surface and queues
// each for its first validation.
func (m *Manager) trackSurface(sid ids.SurfaceID) *tracked {
	info, ok := m.sys.SurfaceInfo(sid)
	if !ok {
		return nil
	}
	tr := m.surfaces[sid]
	if tr == nil {
		tr = &tracked{side: -1}
		m.surfaces[sid] = tr
	}
	n := len(info.Samples)
	edges := n - 1
	if info.Looped {
		edges = n
	}
	for i := 0; i < edges; i++ {
		sa, sb := info.Samples[i], info.Samples[(i+1)%n]
		sg := segment{
			a:       sa.Position,
			b:       sb.Position,
			center:  mathx.Lerp(sa.Position, sb.Position, 0.5),
			normal:  sb.Position.Sub(sa.Position).Flat().Cross(mathx.Up).Normalized(),
			height:  math.Min(sa.Height, sb.Height),
			length:  sa.Position.Dist(sb.Position),
			surface: sid,
			index:   i,
		}
		if sg.length > m.maxSegLen {
			m.maxSegLen = sg.length
		}
		idx := m.allocSegment(sg)
		m.segGrid.Insert(idx)
		tr.segs = append(tr.segs, idx)
		m.enqueue(idx, false)
	}
	return tr
}

func (m *Manager) untrackSegments(tr *tracked) {
	for _, idx := range tr.segs {
		m.dropSegment(idx)
	}
	tr.segs = tr.segs[:0]
}

func (m *Manager) dropSegment(idx int) {
	if v := m.validations[idx]; v != nil {
		m.cancelValidation(v)
	}
	if m.segments[idx].has(segQueued) {
		m.unqueue(idx)
	}
	m.segGrid.Remove(idx)
	m.segments[idx] = segment{}
	m.freeSegs = append(m.freeSegs, idx)
}

func (m *Manager) cancelValidation(v *validation) {
	for _, id := range v.rays {
		if _, ok := m.inflight[id]; !ok {
			continue
		}
		m.rays.Cancel(id)
		m.mailbox.Forget(id)
		delete(m.inflight, id)
	}
	delete(m.validations, v.seg)
	m.segments[v.seg].flags &^= segValidating
}

// enqueue adds a segment to the validation queue. With front set it jumps
// the queue, evicting the tail if the queue is full.
func (m *Manager) enqueue(idx int, front bool) bool {
	sg := &m.segments[idx]
	if !sg.has(segLive) || sg.has(segDisabled) || sg.has(segValidating) {
		return false
	}
	if sg.has(segQueued) {
		if !front {
			return true
		}
		m.unqueue(idx)
	}
	if len(m.queue) >= m.cfg.QueueSize {
		if !front {
			return false
		}
		last := m.queue[len(m.queue)-1]
		m.queue = m.queue[:len(m.queue)-1]
		m.segments[last].flags &^= segQueued
		m.segments[last].recheckIn = 0
	}
	if front {
		m.queue = append(m.queue, 0)
		copy(m.queue[1:], m.queue)
		m.queue[0] = idx
	} else {
		m.queue = append(m.queue, idx)
	}
	sg.flags |= segQueued
	return true
}

func (m *Manager) unqueue(idx int) {
	for i, q := range m.queue {
		if q == idx {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.segments[idx].flags &^= segQueued
}

// rays for one validation: aimed at the segment centre from the normal
// side, spread over the segment height.
func (m *Manager) validationRays(sg *segment) []raycast.Request {
	n := m.cfg.SamplesPerValidation
	out := make([]raycast.Request, 0, n)
	reach := m.cfg.EyeDistance + m.cfg.ProbeDepth
	for k := 0; k < n; k++ {
		h := sg.height * float64(k+1) / float64(n+1)
		target := sg.center.Add(mathx.V(0, 0, h))
		origin := target.Add(sg.normal.Scale(m.cfg.EyeDistance))
		out = append(out, raycast.Request{
			Origin:    origin,
			Direction: target.Sub(origin).Normalized().Scale(reach),
			Mask:      m.cfg.RayMask,
		})
	}
	return out
}

func (m *Manager) confirms(r raycast.Result) bool {
	return r.Hit && math.Abs(r.Distance-m.cfg.EyeDistance) <= m.cfg.HitTolerance
}
