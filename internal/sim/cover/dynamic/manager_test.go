package dynamic

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/cover/raycast"
)

type pendingRay struct {
	req  raycast.Request
	sink raycast.Sink
}

type fakeRays struct {
	next      raycast.RequestID
	pending   map[raycast.RequestID]pendingRay
	cancelled []raycast.RequestID
}

func newFakeRays() *fakeRays { return &fakeRays{pending: map[raycast.RequestID]pendingRay{}} }

func (f *fakeRays) Queue(req raycast.Request, sink raycast.Sink) raycast.RequestID {
	f.next++
	f.pending[f.next] = pendingRay{req: req, sink: sink}
	return f.next
}

func (f *fakeRays) Cancel(id raycast.RequestID) {
	if _, ok := f.pending[id]; ok {
		delete(f.pending, id)
		f.cancelled = append(f.cancelled, id)
	}
}

// answer resolves every pending ray in issue order.
func (f *fakeRays) answer(fn func(id raycast.RequestID, req raycast.Request) raycast.Result) {
	idsInOrder := make([]raycast.RequestID, 0, len(f.pending))
	for id := range f.pending {
		idsInOrder = append(idsInOrder, id)
	}
	sort.Slice(idsInOrder, func(i, j int) bool { return idsInOrder[i] < idsInOrder[j] })
	for _, id := range idsInOrder {
		p := f.pending[id]
		delete(f.pending, id)
		r := fn(id, p.req)
		r.ID = id
		p.sink.Post(r)
	}
}

func miss(raycast.RequestID, raycast.Request) raycast.Result { return raycast.Result{} }

func hitAt(d float64) func(raycast.RequestID, raycast.Request) raycast.Result {
	return func(_ raycast.RequestID, req raycast.Request) raycast.Result {
		dir := req.Direction.Normalized()
		return raycast.Result{Hit: true, Distance: d, Point: req.Origin.Add(dir.Scale(d)), Normal: dir.Scale(-1)}
	}
}

type crate struct {
	pos    mathx.Vec3
	height float64
}

type fakeGeometry map[ids.EntityID]*crate

func (g fakeGeometry) EntityBounds(e ids.EntityID) (mathx.Vec3, mathx.Vec3, bool) {
	c, ok := g[e]
	if !ok {
		return mathx.Vec3{}, mathx.Vec3{}, false
	}
	return mathx.V(-1, -1, 0), mathx.V(1, 1, c.height), true
}

func (g fakeGeometry) EntityPose(e ids.EntityID) (mathx.Vec3, float64, bool) {
	c, ok := g[e]
	if !ok {
		return mathx.Vec3{}, 0, false
	}
	return c.pos, 0, true
}

type harness struct {
	sys  *cover.System
	rays *fakeRays
	geo  fakeGeometry
	m    *Manager
	ctx  context.Context

	retracted []Retraction
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SettleTime = 0.1
	h := &harness{
		sys:  cover.NewSystem(cover.DefaultConfig(), nil),
		rays: newFakeRays(),
		geo:  fakeGeometry{9: {pos: mathx.V(0, 0, 0), height: 1.5}},
		ctx:  context.Background(),
	}
	h.m = New(cfg, h.sys, h.rays, h.geo, nil)
	h.m.SetRetractHandler(func(r Retraction) { h.retracted = append(h.retracted, r) })
	return h
}

// settle reports e's position and ticks until its sides are sampled.
func (h *harness) settle(t *testing.T, e ids.EntityID) {
	t.Helper()
	h.m.OnEntityMoved(e, h.geo[e].pos)
	for i := 0; i < 10; i++ {
		h.m.Update(h.ctx, 0.2)
		if st, _ := h.m.EntityState(e); st == EntitySampled {
			return
		}
	}
	t.Fatalf("entity %d never sampled", e)
}

func (h *harness) run(ticks int, fn func(raycast.RequestID, raycast.Request) raycast.Result) {
	for i := 0; i < ticks; i++ {
		h.rays.answer(fn)
		h.m.Update(h.ctx, 0.05)
	}
}

func TestManager_SamplesSettledEntity(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)

	sids := h.m.Surfaces(9)
	require.Len(t, sids, 4)
	for _, sid := range sids {
		info, ok := h.sys.SurfaceInfo(sid)
		require.True(t, ok)
		assert.True(t, info.Dynamic)
		assert.Len(t, info.Samples, 3)
	}
	st := h.m.Stats()
	assert.Equal(t, 8, st.Segments)
	assert.Equal(t, 8, st.Queued+st.Validating)
	assert.Len(t, h.rays.pending, 5)
}

func TestManager_RetractsAfterConsecutiveMisses(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)

	front := ids.Compose(h.m.Surfaces(9)[2], 1)
	hdl, err := h.sys.Register(cover.UserParams{Entity: 100})
	require.NoError(t, err)
	u, _ := h.sys.User(hdl)
	u.SetState(cover.StateInCover)
	require.NoError(t, u.SetCoverID(front))

	h.run(20, miss)

	assert.Zero(t, h.sys.SurfaceCount())
	assert.Empty(t, h.m.Surfaces(9))
	assert.Len(t, h.retracted, 4)
	for _, r := range h.retracted {
		assert.Equal(t, ids.EntityID(9), r.Entity)
		assert.Equal(t, 5, r.Negative)
	}
	assert.Equal(t, cover.StateNone, u.State())
	assert.False(t, h.sys.IsCoverOccupied(front))

	st := h.m.Stats()
	assert.Zero(t, st.Segments)
	assert.Zero(t, st.InFlight)
	assert.Equal(t, uint64(4), st.Retracted)
}

func TestManager_ConfirmedSegmentsAreRechecked(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)

	h.run(12, hitAt(1))
	st := h.m.Stats()
	assert.Equal(t, 4, h.sys.SurfaceCount())
	assert.Equal(t, uint64(8), st.Confirmed)
	assert.Zero(t, st.Queued)
	assert.Zero(t, st.Validating)

	h.m.Update(h.ctx, 5)
	st = h.m.Stats()
	assert.Equal(t, 8, st.Queued+st.Validating)
}

func TestManager_ThresholdIsExclusive(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)

	oneHitInFive := func(id raycast.RequestID, req raycast.Request) raycast.Result {
		if id%5 == 0 {
			return hitAt(1)(id, req)
		}
		return raycast.Result{}
	}
	h.run(12, oneHitInFive)
	assert.Equal(t, 4, h.sys.SurfaceCount())
	assert.Empty(t, h.retracted)
}

func TestManager_OccludedHitCountsNegative(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)

	h.run(20, hitAt(0.3))
	assert.Zero(t, h.sys.SurfaceCount())
}

func TestManager_BreakInRadiusJumpsQueue(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)
	h.run(12, hitAt(1))
	require.Zero(t, h.m.Stats().Queued)

	assert.Zero(t, h.m.BreakInRadius(mathx.V(50, 50, 0), 3))
	n := h.m.BreakInRadius(mathx.V(1.2, 0, 0), 0.5)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.m.Stats().Queued)

	front := h.m.Surfaces(9)[2]
	for _, idx := range h.m.queue {
		assert.Equal(t, front, h.m.segments[idx].surface)
	}
}

func TestManager_MoveResamplesInPlace(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)
	before := h.m.Surfaces(9)

	h.m.OnEntityMoved(9, mathx.V(0.05, 0, 0))
	st, _ := h.m.EntityState(9)
	assert.Equal(t, EntitySampled, st)

	h.geo[9].pos = mathx.V(3, 0, 0)
	h.m.OnEntityMoved(9, h.geo[9].pos)
	st, _ = h.m.EntityState(9)
	assert.Equal(t, EntityMoving, st)

	h.settle(t, 9)
	assert.Equal(t, before, h.m.Surfaces(9))
	info, _ := h.sys.SurfaceInfo(before[2])
	assert.InDelta(t, 4, info.Samples[0].Position.X, 1e-9)
	assert.Equal(t, 8, h.m.Stats().Segments)
}

func TestManager_RemoveEntityDropsSurfaces(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)
	require.True(t, h.m.RemoveEntity(9))
	assert.False(t, h.m.RemoveEntity(9))
	assert.Zero(t, h.sys.SurfaceCount())
	assert.Zero(t, h.m.Stats().Segments)
}

func TestManager_TracksForeignDynamicSurfaces(t *testing.T) {
	h := newHarness(t)
	_, err := h.sys.AddSurface(cover.SurfaceDesc{Dynamic: true, Samples: []cover.Sample{
		{Position: mathx.V(0, 5, 0), Height: 1},
		{Position: mathx.V(1, 5, 0), Height: 1},
		{Position: mathx.V(2, 5, 0), Height: 1},
	}})
	require.NoError(t, err)
	_, err = h.sys.AddSurface(cover.SurfaceDesc{Samples: []cover.Sample{
		{Position: mathx.V(0, 9, 0), Height: 1},
		{Position: mathx.V(1, 9, 0), Height: 1},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, h.m.Stats().Segments)

	h.run(6, miss)
	assert.Equal(t, 1, h.sys.SurfaceCount())
	require.Len(t, h.retracted, 1)
	assert.Zero(t, h.retracted[0].Entity)
}

func TestManager_CloseCancelsInFlight(t *testing.T) {
	h := newHarness(t)
	h.settle(t, 9)
	require.Len(t, h.rays.pending, 5)

	h.m.Close()
	assert.Len(t, h.rays.cancelled, 5)
	assert.Empty(t, h.rays.pending)

	st := h.m.Stats()
	assert.Zero(t, st.InFlight)
	assert.Zero(t, st.Validating)
	assert.Zero(t, st.Queued)

	disabled := 0
	for i := range h.m.segments {
		if h.m.segments[i].has(segDisabled) {
			disabled++
		}
	}
	assert.Equal(t, 1, disabled)

	// Closed managers ignore the registry and further ticks.
	h.m.Update(h.ctx, 1)
	assert.Empty(t, h.rays.pending)
	assert.Equal(t, 4, h.sys.SurfaceCount())
}
