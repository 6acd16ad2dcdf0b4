package physics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/cover/raycast"
)

func TestRaycast_HitsNearestFace(t *testing.T) {
	w := NewWorld()
	w.AddBox(Box{Center: mathx.V(5, 0, 1), Half: mathx.V(1, 1, 1)})
	w.AddBox(Box{Center: mathx.V(10, 0, 1), Half: mathx.V(1, 1, 1)})

	r := w.Raycast(raycast.Request{Origin: mathx.V(0, 0, 1), Direction: mathx.V(20, 0, 0)})
	require.True(t, r.Hit)
	assert.InDelta(t, 4, r.Distance, 1e-9)
	assert.InDelta(t, -1, r.Normal.X, 1e-9)
	assert.InDelta(t, 4, r.Point.X, 1e-9)

	short := w.Raycast(raycast.Request{Origin: mathx.V(0, 0, 1), Direction: mathx.V(3, 0, 0)})
	assert.False(t, short.Hit)

	over := w.Raycast(raycast.Request{Origin: mathx.V(0, 0, 3), Direction: mathx.V(20, 0, 0)})
	assert.False(t, over.Hit)
}

func TestRaycast_YawedBox(t *testing.T) {
	w := NewWorld()
	w.AddBox(Box{Center: mathx.V(0, 0, 1), Half: mathx.V(1, 1, 1), Yaw: math.Pi / 4})

	r := w.Raycast(raycast.Request{Origin: mathx.V(-5, 0, 1), Direction: mathx.V(10, 0, 0)})
	require.True(t, r.Hit)
	assert.InDelta(t, 5-math.Sqrt2, r.Distance, 1e-9)
}

func TestRaycast_MaskFilters(t *testing.T) {
	w := NewWorld()
	w.AddBox(Box{Center: mathx.V(3, 0, 1), Half: mathx.V(0.5, 2, 1), Breakable: true})
	w.SetEntityBody(7, mathx.V(6, 0, 0), mathx.V(0.5, 0.5, 1), 0)

	req := raycast.Request{Origin: mathx.V(0, 0, 1), Direction: mathx.V(10, 0, 0), Mask: MaskEntity}
	r := w.Raycast(req)
	require.True(t, r.Hit)
	assert.InDelta(t, 5.5, r.Distance, 1e-9)

	req.Mask = 0
	assert.InDelta(t, 2.5, w.Raycast(req).Distance, 1e-9)
}

func TestQueue_DeliversAtStep(t *testing.T) {
	w := NewWorld()
	w.AddBox(Box{Center: mathx.V(5, 0, 1), Half: mathx.V(1, 1, 1)})
	mb := raycast.NewMailbox()

	a := w.Queue(raycast.Request{Origin: mathx.V(0, 0, 1), Direction: mathx.V(10, 0, 0)}, mb)
	b := w.Queue(raycast.Request{Origin: mathx.V(0, 5, 1), Direction: mathx.V(10, 0, 0)}, mb)
	c := w.Queue(raycast.Request{Origin: mathx.V(0, 0, 1), Direction: mathx.V(10, 0, 0)}, mb)
	w.Cancel(c)
	assert.Zero(t, mb.Len())
	assert.Equal(t, 2, w.Pending())

	assert.Equal(t, 2, w.Step())
	got := mb.Drain(nil)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0].ID)
	assert.True(t, got[0].Hit)
	assert.Equal(t, b, got[1].ID)
	assert.False(t, got[1].Hit)
	assert.Zero(t, w.Step())
}

func TestBreak_RemovesOnlyBreakables(t *testing.T) {
	w := NewWorld()
	wall := w.AddBox(Box{Center: mathx.V(0, 0, 1), Half: mathx.V(1, 1, 1)})
	crate := w.AddBox(Box{Center: mathx.V(2, 0, 1), Half: mathx.V(0.5, 0.5, 1), Breakable: true})
	far := w.AddBox(Box{Center: mathx.V(30, 0, 1), Half: mathx.V(0.5, 0.5, 1), Breakable: true})

	var heard []BoxID
	w.OnBreak(func(_ mathx.Vec3, _ float64, broken []BoxID) { heard = append(heard, broken...) })

	broken := w.Break(mathx.V(0, 0, 1), 2)
	assert.Equal(t, []BoxID{crate}, broken)
	assert.Equal(t, broken, heard)
	assert.Equal(t, 2, w.BoxCount())
	assert.False(t, w.RemoveBox(crate))
	assert.True(t, w.RemoveBox(wall))
	assert.True(t, w.RemoveBox(far))
}

func TestEntityGeometry(t *testing.T) {
	w := NewWorld()
	e := ids.EntityID(4)
	w.SetEntityBody(e, mathx.V(1, 2, 0), mathx.V(1, 0.5, 0.75), 0.3)

	lo, hi, ok := w.EntityBounds(e)
	require.True(t, ok)
	assert.Equal(t, mathx.V(-1, -0.5, 0), lo)
	assert.Equal(t, mathx.V(1, 0.5, 1.5), hi)

	pos, yaw, ok := w.EntityPose(e)
	require.True(t, ok)
	assert.InDelta(t, 0, pos.Dist(mathx.V(1, 2, 0)), 1e-9)
	assert.Equal(t, 0.3, yaw)

	w.SetEntityBody(e, mathx.V(5, 5, 0), mathx.V(1, 0.5, 0.75), 0)
	p, _ := w.EntityPosition(e)
	assert.InDelta(t, 5, p.X, 1e-9)
	assert.Equal(t, 1, w.BoxCount())

	assert.True(t, w.RemoveEntity(e))
	_, _, ok = w.EntityBounds(e)
	assert.False(t, ok)
}
