// Package dynamic turns moving and breakable entities into provisional cover
// and keeps that cover honest by re-validating it with ray tests.
package dynamic

import (
	"context"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/cover/raycast"
	"covercraft.ai/internal/sim/cover/sampler"
	"covercraft.ai/internal/sim/cover/spatial"
)

type EntityState uint8

const (
	EntityMoving EntityState = iota + 1
	EntitySampling
	EntitySampled
)

func (s EntityState) String() string {
	switch s {
	case EntityMoving:
		return "MOVING"
	case EntitySampling:
		return "SAMPLING"
	case EntitySampled:
		return "SAMPLED"
	}
	return "UNKNOWN"
}

type entityState struct {
	state    EntityState
	anchor   mathx.Vec3 // position the still timer is measured from
	sampled  mathx.Vec3
	still    float64
	surfaces [sampler.SideCount]ids.SurfaceID
}

// Retraction reports a provisional surface removed after failing validation.
type Retraction struct {
	Surface  ids.SurfaceID
	Entity   ids.EntityID
	Segment  int
	Negative int
	Samples  int
}

type Stats struct {
	Entities   int
	Surfaces   int
	Segments   int
	Queued     int
	Validating int
	InFlight   int
	Confirmed  uint64
	Retracted  uint64
}

type Manager struct {
	cfg    Config
	log    *logrus.Entry
	tracer trace.Tracer

	sys     *cover.System
	rays    raycast.Service
	mailbox *raycast.Mailbox
	sampler *sampler.Sampler

	entities map[ids.EntityID]*entityState
	surfaces map[ids.SurfaceID]*tracked

	segments  []segment
	freeSegs  []int
	segGrid   *spatial.Grid[int]
	maxSegLen float64

	queue       []int
	validations map[int]*validation
	inflight    map[raycast.RequestID]*validation
	results     []raycast.Result
	retract     []Retraction

	onRetract func(Retraction)
	confirmed uint64
	retracted uint64
	closed    bool
}

// New creates a manager that adds provisional surfaces to sys and validates
// them through rays. It registers itself as a surface listener on sys so
// surfaces flagged dynamic by any caller are validated too.
func New(cfg Config, sys *cover.System, rays raycast.Service, geo sampler.EntityGeometry, logger *logrus.Entry) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	m := &Manager{
		cfg:         cfg,
		log:         logger.WithField("component", "dynamic_cover"),
		tracer:      otel.Tracer("covercraft.ai/dynamic"),
		sys:         sys,
		rays:        rays,
		mailbox:     raycast.NewMailbox(),
		sampler:     sampler.New(cfg.Sampler, geo, logger),
		entities:    map[ids.EntityID]*entityState{},
		surfaces:    map[ids.SurfaceID]*tracked{},
		validations: map[int]*validation{},
		inflight:    map[raycast.RequestID]*validation{},
	}
	m.segGrid = spatial.NewGrid[int](cfg.CellSize, false, m.segmentCenter)
	sys.AddListener(m)
	return m
}

// SetRetractHandler installs a callback run after each retraction.
func (m *Manager) SetRetractHandler(fn func(Retraction)) { m.onRetract = fn }

// SetInterestPoint forwards the point the sampler prioritises around.
func (m *Manager) SetInterestPoint(p mathx.Vec3) { m.sampler.SetInterestPoint(p) }

// OnSurfaceEvent keeps validation segments in step with the registry.
func (m *Manager) OnSurfaceEvent(ev cover.SurfaceEvent) {
	if m.closed {
		return
	}
	switch ev.Kind {
	case cover.SurfaceAdded:
		if ev.Dynamic {
			m.trackSurface(ev.Surface)
		}
	case cover.SurfaceUpdated:
		tr := m.surfaces[ev.Surface]
		if tr == nil {
			if ev.Dynamic {
				m.trackSurface(ev.Surface)
			}
			return
		}
		m.untrackSegments(tr)
		m.trackSurface(ev.Surface)
	case cover.SurfaceRemoved:
		tr := m.surfaces[ev.Surface]
		if tr == nil {
			return
		}
		m.untrackSegments(tr)
		delete(m.surfaces, ev.Surface)
		if st := m.entities[tr.entity]; st != nil && tr.side >= 0 && st.surfaces[tr.side] == ev.Surface {
			st.surfaces[tr.side] = 0
		}
	}
}

// OnEntityMoved records an entity position. Entities that moved away from
// where they were sampled go back to Moving until they settle.
func (m *Manager) OnEntityMoved(e ids.EntityID, pos mathx.Vec3) {
	if m.closed || e == 0 {
		return
	}
	st := m.entities[e]
	if st == nil {
		m.entities[e] = &entityState{state: EntityMoving, anchor: pos}
		return
	}
	switch st.state {
	case EntityMoving:
		if pos.Dist(st.anchor) > m.cfg.MoveThreshold {
			st.anchor = pos
			st.still = 0
		}
		return
	case EntitySampling:
		if pos.Dist(st.sampled) <= m.cfg.MoveThreshold {
			return
		}
		m.sampler.Remove(e)
	case EntitySampled:
		if pos.Dist(st.sampled) <= m.cfg.MoveThreshold {
			return
		}
	}
	st.state = EntityMoving
	st.anchor = pos
	st.still = 0
}

// RemoveEntity forgets e and removes every surface it produced.
func (m *Manager) RemoveEntity(e ids.EntityID) bool {
	st := m.entities[e]
	if st == nil {
		return false
	}
	m.sampler.Remove(e)
	for _, sid := range st.surfaces {
		if sid.Valid() {
			m.sys.RemoveSurface(sid)
		}
	}
	delete(m.entities, e)
	return true
}

func (m *Manager) EntityState(e ids.EntityID) (EntityState, bool) {
	st := m.entities[e]
	if st == nil {
		return 0, false
	}
	return st.state, true
}

// Surfaces lists the provisional surfaces currently owned by e.
func (m *Manager) Surfaces(e ids.EntityID) []ids.SurfaceID {
	st := m.entities[e]
	if st == nil {
		return nil
	}
	var out []ids.SurfaceID
	for _, sid := range st.surfaces {
		if sid.Valid() {
			out = append(out, sid)
		}
	}
	return out
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Entities:   len(m.entities),
		Surfaces:   len(m.surfaces),
		Queued:     len(m.queue),
		Validating: len(m.validations),
		InFlight:   len(m.inflight),
		Confirmed:  m.confirmed,
		Retracted:  m.retracted,
	}
	for i := range m.segments {
		if m.segments[i].has(segLive) {
			s.Segments++
		}
	}
	return s
}

// Update runs one tick: settle and sample entities, collect ray results,
// schedule periodic rechecks and start the next validation.
func (m *Manager) Update(ctx context.Context, dt float64) {
	if m.closed {
		return
	}
	m.updateEntities(dt)
	m.sampler.Update(dt)
	m.collectResults()
	m.scheduleRechecks(dt)
	m.validateNext()
	m.applyRetractions(ctx)
}

func (m *Manager) updateEntities(dt float64) {
	es := make([]ids.EntityID, 0, len(m.entities))
	for e, st := range m.entities {
		if st.state == EntityMoving {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool { return es[i] < es[j] })
	for _, e := range es {
		st := m.entities[e]
		st.still += dt
		if st.still < m.cfg.SettleTime {
			continue
		}
		if err := m.sampler.Queue(e, m.onSampled); err != nil {
			// Full queue: retry next tick.
			continue
		}
		st.state = EntitySampling
		st.sampled = st.anchor
	}
}

func (m *Manager) onSampled(e ids.EntityID, res sampler.Result) {
	st := m.entities[e]
	if st == nil || st.state != EntitySampling {
		return
	}
	for side := 0; side < sampler.SideCount; side++ {
		old, desc := st.surfaces[side], res[side]
		switch {
		case old.Valid() && desc != nil:
			if err := m.sys.UpdateSurface(old, *desc); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{"entity": e, "surface": old}).Warn("update provisional surface")
			}
		case old.Valid():
			m.sys.RemoveSurface(old)
		case desc != nil:
			sid, err := m.sys.AddSurface(*desc)
			if err != nil {
				m.log.WithError(err).WithField("entity", e).Warn("add provisional surface")
				continue
			}
			tr := m.surfaces[sid]
			if tr == nil {
				tr = m.trackSurface(sid)
			}
			if tr != nil {
				tr.entity = e
				tr.side = side
			}
			st.surfaces[side] = sid
		}
	}
	st.state = EntitySampled
	m.log.WithFields(logrus.Fields{"entity": e, "surfaces": len(m.Surfaces(e))}).Debug("entity cover sampled")
}

func (m *Manager) collectResults() {
	m.results = m.mailbox.Drain(m.results[:0])
	for _, r := range m.results {
		v := m.inflight[r.ID]
		if v == nil {
			continue
		}
		delete(m.inflight, r.ID)
		v.waiting--
		if m.confirms(r) {
			v.positive++
		} else {
			v.negative++
		}
		if v.waiting == 0 {
			m.finish(v)
		}
	}
}

func (m *Manager) finish(v *validation) {
	delete(m.validations, v.seg)
	sg := &m.segments[v.seg]
	sg.flags &^= segValidating
	if v.negative > m.cfg.NegativeThreshold {
		tr := m.surfaces[sg.surface]
		r := Retraction{Surface: sg.surface, Segment: sg.index, Negative: v.negative, Samples: v.negative + v.positive}
		if tr != nil {
			r.Entity = tr.entity
		}
		m.retract = append(m.retract, r)
		return
	}
	m.confirmed++
	sg.recheckIn = m.cfg.RecheckInterval
	m.log.WithFields(logrus.Fields{"surface": sg.surface, "segment": sg.index, "negative": v.negative}).Debug("segment confirmed")
}

func (m *Manager) scheduleRechecks(dt float64) {
	for i := range m.segments {
		sg := &m.segments[i]
		if !sg.has(segLive) || sg.has(segDisabled|segQueued|segValidating) {
			continue
		}
		sg.recheckIn -= dt
		if sg.recheckIn <= 0 {
			m.enqueue(i, false)
		}
	}
}

// validateNext starts the validation at the head of the queue.
func (m *Manager) validateNext() {
	if len(m.queue) == 0 {
		return
	}
	idx := m.queue[0]
	m.queue = m.queue[1:]
	sg := &m.segments[idx]
	sg.flags &^= segQueued
	sg.flags |= segValidating

	reqs := m.validationRays(sg)
	v := &validation{seg: idx, waiting: len(reqs)}
	m.validations[idx] = v
	for _, req := range reqs {
		id := m.rays.Queue(req, m.mailbox)
		v.rays = append(v.rays, id)
		m.inflight[id] = v
	}
}

func (m *Manager) applyRetractions(ctx context.Context) {
	if len(m.retract) == 0 {
		return
	}
	_, span := m.tracer.Start(ctx, "cover.Retract", trace.WithAttributes(attribute.Int("surfaces", len(m.retract))))
	defer span.End()

	batch := m.retract
	m.retract = nil
	for _, r := range batch {
		if !m.sys.RemoveSurface(r.Surface) {
			continue
		}
		m.retracted++
		m.log.WithFields(logrus.Fields{
			"surface":  r.Surface,
			"entity":   r.Entity,
			"segment":  r.Segment,
			"negative": r.Negative,
		}).Info("provisional cover retracted")
		if m.onRetract != nil {
			m.onRetract(r)
		}
	}
}

// BreakInRadius moves every segment within radius of center to the front of
// the validation queue, nearest last so it ends up first. It returns the
// number of segments scheduled.
func (m *Manager) BreakInRadius(center mathx.Vec3, radius float64) int {
	if m.closed || radius < 0 {
		return 0
	}
	cands := m.segGrid.Query(center, radius+m.maxSegLen/2, nil)
	type hit struct {
		idx  int
		dist float64
	}
	var hits []hit
	for _, idx := range cands {
		sg := &m.segments[idx]
		t := mathx.ClosestOnSegment(sg.a.Flat(), sg.b.Flat(), center.Flat())
		d := mathx.Lerp(sg.a, sg.b, t).Dist2D(center)
		if d <= radius {
			hits = append(hits, hit{idx: idx, dist: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist > hits[j].dist
		}
		return hits[i].idx > hits[j].idx
	})
	n := 0
	for _, h := range hits {
		if m.enqueue(h.idx, true) {
			n++
		}
	}
	if n > 0 {
		m.log.WithFields(logrus.Fields{"center": center, "radius": radius, "segments": n}).Debug("break scheduled revalidation")
	}
	return n
}

// Close cancels every outstanding ray, disables the segments waiting on
// them and drops all queued work. The manager ignores further calls.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	for _, v := range m.validations {
		m.cancelValidation(v)
		m.segments[v.seg].flags |= segDisabled
	}
	for _, idx := range m.queue {
		m.segments[idx].flags &^= segQueued
	}
	m.queue = nil
	m.sampler.Clear()
	m.sys.RemoveListener(m)
	m.closed = true
}
