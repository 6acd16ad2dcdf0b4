package world

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/dynamic"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/physics"
	"covercraft.ai/internal/sim/tuning"
)

type auditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *auditRecorder) WriteAudit(e AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *auditRecorder) actions(action string) []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AuditEntry
	for _, e := range r.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// wall runs from (x0,y) to (x1,y) at the given height. Agents stand to
// the right of travel.
func wall(x0, x1, y, height float64) cover.SurfaceDesc {
	d := cover.SurfaceDesc{}
	step := 1.0
	if x1 < x0 {
		step = -1
	}
	for x := x0; (step > 0 && x <= x1) || (step < 0 && x >= x1); x += step {
		d.Samples = append(d.Samples, cover.Sample{Position: mathx.V(x, y, 0), Height: height})
	}
	return d
}

func newTestWorld(t *testing.T) *World {
	t.Helper()
	return New(WorldConfig{ID: "W1", TickRateHz: 20, Tuning: tuning.Defaults()}, nil)
}

func runWorld(t *testing.T, w *World) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(callCancel)
	return callCtx
}

func TestWorld_ReserveAndEnterCover(t *testing.T) {
	w := newTestWorld(t)
	ctx := runWorld(t, w)

	sid, err := w.AddSurface(ctx, wall(-3, 3, 2, 1.2))
	require.NoError(t, err)
	_, err = w.Join(ctx, AgentParams{Entity: 1, Pos: mathx.V(0, 0, 0)})
	require.NoError(t, err)
	_, err = w.Join(ctx, AgentParams{Entity: 2, Pos: mathx.V(5, 0, 0)})
	require.NoError(t, err)

	refs, err := w.Cover(ctx, mathx.V(0, 2, 0), 0.5, 0, 0)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	id := ids.CoverID(refs[0].ID)
	assert.Equal(t, uint32(sid), refs[0].Surface)
	assert.False(t, refs[0].Occupied)

	require.NoError(t, w.ReserveCover(ctx, 1, id))
	assert.ErrorIs(t, w.ReserveCover(ctx, 2, id), ErrCoverTaken)

	v, err := w.Agent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "MOVING_TO_COVER", v.State)
	assert.Equal(t, uint32(id), v.NextCover)
	require.NotNil(t, v.NextCoverPos)
	assert.InDelta(t, refs[0].Pos[0], v.NextCoverPos[0], 1e-9)
	assert.InDelta(t, 1.5, v.NextCoverPos[1], 1e-9)
	assert.Empty(t, v.Eyes)

	require.NoError(t, w.SetEyes(ctx, 1, []mathx.Vec3{mathx.V(0, 10, 1.7)}))
	v, err = w.Agent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, [][3]float64{{0, 10, 1.7}}, v.Eyes)

	require.NoError(t, w.EnterCover(ctx, 1, id))
	v, err = w.Agent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "IN_COVER", v.State)
	assert.Equal(t, uint32(id), v.Cover)
	assert.Zero(t, v.NextCover)
	assert.Nil(t, v.NextCoverPos)

	refs, err = w.Cover(ctx, mathx.V(0, 2, 0), 0.5, 0, 0)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.True(t, refs[0].Occupied)

	require.NoError(t, w.LeaveCover(ctx, 1))
	v, err = w.Agent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "NONE", v.State)
	assert.Zero(t, v.Cover)
	require.NoError(t, w.ReserveCover(ctx, 2, id))
}

func TestWorld_CoverErrors(t *testing.T) {
	w := newTestWorld(t)
	ctx := runWorld(t, w)

	_, err := w.AddSurface(ctx, wall(0, 2, 0, 1))
	require.NoError(t, err)
	_, err = w.Join(ctx, AgentParams{Entity: 1})
	require.NoError(t, err)

	assert.ErrorIs(t, w.EnterCover(ctx, 1, ids.Compose(9, 0)), ErrInvalidCover)
	assert.ErrorIs(t, w.ReserveCover(ctx, 42, ids.Compose(1, 0)), cover.ErrUnknownUser)
	_, err = w.Agent(ctx, 42)
	assert.ErrorIs(t, err, cover.ErrUnknownUser)

	_, err = w.Join(ctx, AgentParams{Entity: 1})
	assert.Error(t, err, "duplicate entity")
}

func TestWorld_FindCoverFacesAwayFromThreat(t *testing.T) {
	w := newTestWorld(t)
	ctx := runWorld(t, w)

	// north runs east so its stand side is south; south runs west so its
	// stand side is north.
	north, err := w.AddSurface(ctx, wall(-3, 3, 2, 1.2))
	require.NoError(t, err)
	south, err := w.AddSurface(ctx, wall(3, -3, -2, 1.2))
	require.NoError(t, err)
	_, err = w.Join(ctx, AgentParams{Entity: 1, Pos: mathx.V(0, 0, 0)})
	require.NoError(t, err)

	id, ok, err := w.FindCover(ctx, 1, mathx.V(0, 20, 0), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, north, id.Surface())

	id, ok, err = w.FindCover(ctx, 1, mathx.V(0, -20, 0), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, south, id.Surface())

	// Blacklisting every northern location pushes the search south.
	for loc := 0; loc < 7; loc++ {
		require.NoError(t, w.BlacklistCover(ctx, 1, ids.Compose(north, loc), 30))
	}
	id, ok, err = w.FindCover(ctx, 1, mathx.V(0, 20, 0), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, south, id.Surface())
}

func TestWorld_FindCoverSkipsHeldCover(t *testing.T) {
	w := newTestWorld(t)
	ctx := runWorld(t, w)

	_, err := w.AddSurface(ctx, wall(0, 1, 2, 1.2))
	require.NoError(t, err)
	_, err = w.Join(ctx, AgentParams{Entity: 1, Pos: mathx.V(0, 0, 0)})
	require.NoError(t, err)
	_, err = w.Join(ctx, AgentParams{Entity: 2, Pos: mathx.V(1, 0, 0)})
	require.NoError(t, err)

	first, ok, err := w.FindCover(ctx, 1, mathx.V(0, 20, 0), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, w.ReserveCover(ctx, 2, first))

	second, ok, err := w.FindCover(ctx, 1, mathx.V(0, 20, 0), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	require.NoError(t, w.ReserveCover(ctx, 1, second))
	_, ok, err = w.FindCover(ctx, 2, mathx.V(0, 20, 0), nil)
	require.NoError(t, err)
	assert.True(t, ok, "own reservation stays eligible")
}

func TestWorld_MoveAgentAppliesOnTick(t *testing.T) {
	w := newTestWorld(t)
	ctx := runWorld(t, w)

	_, err := w.Join(ctx, AgentParams{Entity: 3})
	require.NoError(t, err)
	require.NoError(t, w.MoveAgent(3, mathx.V(4, 5, 0)))
	require.Eventually(t, func() bool {
		v, err := w.Agent(ctx, 3)
		return err == nil && v.Pos == [3]float64{4, 5, 0}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorld_SubscribeFiltersKinds(t *testing.T) {
	w := newTestWorld(t)
	ctx := runWorld(t, w)

	events, cancel, err := w.Subscribe(ctx, []string{protocol.EventSurfaceRemoved})
	require.NoError(t, err)
	defer cancel()

	sid, err := w.AddSurface(ctx, wall(0, 2, 0, 1))
	require.NoError(t, err)
	ok, err := w.RemoveSurface(ctx, sid)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case ev := <-events:
		assert.Equal(t, protocol.EventSurfaceRemoved, ev.Kind)
		assert.Equal(t, uint32(sid), ev.Surface)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestWorld_ResetDropsAgentsAndSurfaces(t *testing.T) {
	w := newTestWorld(t)
	rec := &auditRecorder{}
	w.SetAuditLogger(rec)
	ctx := runWorld(t, w)

	_, err := w.AddSurface(ctx, wall(0, 2, 0, 1))
	require.NoError(t, err)
	_, err = w.Join(ctx, AgentParams{Entity: 1})
	require.NoError(t, err)
	require.NoError(t, w.Reset(ctx))

	st, err := w.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Surfaces)
	assert.Zero(t, st.Agents)
	assert.Len(t, rec.actions(protocol.EventWorldReset), 1)
	assert.Len(t, rec.actions(protocol.EventAgentJoined), 1)
}

func TestWorld_CallsFailAfterStop(t *testing.T) {
	w := newTestWorld(t)
	ctx := runWorld(t, w)
	w.Stop()
	_, err := w.Stats(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestWorld_BreakRetractsValidatedSurface(t *testing.T) {
	w := newTestWorld(t)
	rec := &auditRecorder{}
	w.SetAuditLogger(rec)

	// Breakable slab whose south face sits on y=0.
	w.Physics().AddBox(physics.Box{Center: mathx.V(0, 0.5, 0.75), Half: mathx.V(2, 0.5, 0.75), Breakable: true})
	sid, err := w.System().AddSurface(cover.SurfaceDesc{Dynamic: true, Samples: []cover.Sample{
		{Position: mathx.V(-1.5, 0, 0), Height: 1.5},
		{Position: mathx.V(1.5, 0, 0), Height: 1.5},
	}})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		w.StepOnce(nil, nil)
	}
	st := w.Dynamic().Stats()
	assert.EqualValues(t, 1, st.Confirmed)
	assert.Zero(t, st.Retracted)

	w.StepOnce(nil, []breakReq{{Center: mathx.V(0, 0.5, 0.75), Radius: 1, Source: "test"}})
	require.Len(t, rec.actions(protocol.EventBreak), 1)
	for i := 0; i < 4; i++ {
		w.StepOnce(nil, nil)
	}

	_, ok := w.System().SurfaceInfo(sid)
	assert.False(t, ok)
	retracted := rec.actions(protocol.EventSurfaceRetracted)
	require.Len(t, retracted, 1)
	assert.Equal(t, uint32(sid), retracted[0].Surface)
	assert.Len(t, rec.actions(protocol.EventSurfaceRemoved), 1)
}

func propState(w *World, e ids.EntityID) dynamic.EntityState {
	st, _ := w.Dynamic().EntityState(e)
	return st
}

func TestWorld_PropSampledAfterSettling(t *testing.T) {
	w := newTestWorld(t)
	rec := &auditRecorder{}
	w.SetAuditLogger(rec)

	w.StepOnce([]moveReq{{Entity: 7, Pos: mathx.V(10, 10, 0), Half: mathx.V(1, 1, 0.75), Prop: true}}, nil)
	for i := 0; i < 20 && propState(w, 7) != dynamic.EntitySampled; i++ {
		w.StepOnce(nil, nil)
	}
	require.Equal(t, dynamic.EntitySampled, propState(w, 7))
	assert.Equal(t, 4, w.System().SurfaceCount())
	added := rec.actions(protocol.EventSurfaceAdded)
	require.Len(t, added, 4)
	assert.Equal(t, true, added[0].Details["dynamic"])

	// Validation rays land on the body faces, so nothing is retracted.
	for i := 0; i < 6; i++ {
		w.StepOnce(nil, nil)
	}
	assert.Equal(t, 4, w.System().SurfaceCount())
	st := w.Dynamic().Stats()
	assert.NotZero(t, st.Confirmed)
	assert.Zero(t, st.Retracted)

	// A zero half keeps the body extents; a nudge under the move threshold
	// does not resample.
	w.StepOnce([]moveReq{{Entity: 7, Pos: mathx.V(10.05, 10, 0), Prop: true}}, nil)
	assert.Equal(t, dynamic.EntitySampled, propState(w, 7))
	lo, hi, ok := w.Physics().EntityBounds(7)
	require.True(t, ok)
	assert.Equal(t, mathx.V(-1, -1, 0), lo)
	assert.Equal(t, mathx.V(1, 1, 1.5), hi)
	pos, ok := w.Physics().EntityPosition(7)
	require.True(t, ok)
	assert.InDelta(t, 10.05, pos.X, 1e-9)

	// Unknown agents are dropped without stopping the tick.
	tick := w.StepOnce([]moveReq{{Entity: 99, Pos: mathx.V(1, 1, 0)}}, nil)
	assert.Equal(t, tick+1, w.CurrentTick())
}

func TestWorld_PropsNearAgentsSampledFirst(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.join(AgentParams{Entity: 100, Pos: mathx.V(100, 100, 0)})
	require.NoError(t, err)

	half := mathx.V(1, 1, 0.75)
	w.StepOnce([]moveReq{
		{Entity: 1, Pos: mathx.V(0, 10, 0), Half: half, Prop: true},
		{Entity: 2, Pos: mathx.V(0, 14, 0), Half: half, Prop: true},
		{Entity: 3, Pos: mathx.V(95, 100, 0), Half: half, Prop: true},
	}, nil)
	for i := 0; i < 40 && propState(w, 3) != dynamic.EntitySampled; i++ {
		w.StepOnce(nil, nil)
	}
	require.Equal(t, dynamic.EntitySampled, propState(w, 3))
	assert.Equal(t, dynamic.EntitySampled, propState(w, 1))
	assert.Equal(t, dynamic.EntitySampling, propState(w, 2))
}

func TestAgentPositions_Centroid(t *testing.T) {
	_, ok := agentPositions{}.centroid()
	assert.False(t, ok)

	c, ok := agentPositions{
		1: {pos: mathx.V(0, 0, 0)},
		2: {pos: mathx.V(4, 2, 2)},
	}.centroid()
	require.True(t, ok)
	assert.Equal(t, mathx.V(2, 1, 1), c)
}
