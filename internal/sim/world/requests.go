package world

import (
	"context"
	"errors"
	"fmt"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/physics"
)

var (
	ErrStopped      = errors.New("world stopped")
	ErrBusy         = errors.New("world busy")
	ErrUnknownProp  = errors.New("unknown prop")
	ErrCoverTaken   = errors.New("cover occupied by another agent")
	ErrInvalidCover = errors.New("invalid cover id")
)

func errUnknownAgent(e ids.EntityID) error { return fmt.Errorf("%w: %d", cover.ErrUnknownUser, e) }
func errUnknownProp(e ids.EntityID) error  { return fmt.Errorf("%w: %d", ErrUnknownProp, e) }

type call struct {
	fn   func()
	done chan struct{}
}

// do runs fn on the loop goroutine and waits for it. fn must not block.
func (w *World) do(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case w.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return ErrStopped
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return ErrStopped
	}
}

func (w *World) Surfaces(ctx context.Context) ([]cover.SurfaceInfo, error) {
	var out []cover.SurfaceInfo
	err := w.do(ctx, func() {
		for _, id := range w.sys.SurfaceIDs() {
			info, _ := w.sys.SurfaceInfo(id)
			out = append(out, info)
		}
	})
	return out, err
}

func (w *World) Surface(ctx context.Context, id ids.SurfaceID) (cover.SurfaceInfo, bool, error) {
	var (
		info cover.SurfaceInfo
		ok   bool
	)
	err := w.do(ctx, func() { info, ok = w.sys.SurfaceInfo(id) })
	return info, ok, err
}

func (w *World) AddSurface(ctx context.Context, desc cover.SurfaceDesc) (ids.SurfaceID, error) {
	var (
		id     ids.SurfaceID
		addErr error
	)
	if err := w.do(ctx, func() { id, addErr = w.sys.AddSurface(desc) }); err != nil {
		return 0, err
	}
	return id, addErr
}

func (w *World) UpdateSurface(ctx context.Context, id ids.SurfaceID, desc cover.SurfaceDesc) error {
	var updErr error
	if err := w.do(ctx, func() { updErr = w.sys.UpdateSurface(id, desc) }); err != nil {
		return err
	}
	return updErr
}

func (w *World) RemoveSurface(ctx context.Context, id ids.SurfaceID) (bool, error) {
	var ok bool
	err := w.do(ctx, func() { ok = w.sys.RemoveSurface(id) })
	return ok, err
}

// LoadSurfaces adds baked surfaces, typically once at startup.
func (w *World) LoadSurfaces(ctx context.Context, descs []cover.SurfaceDesc) ([]ids.SurfaceID, error) {
	var (
		out     []ids.SurfaceID
		loadErr error
	)
	if err := w.do(ctx, func() { out, loadErr = w.sys.LoadSurfaces(descs) }); err != nil {
		return nil, err
	}
	return out, loadErr
}

// Cover answers a radius query. offset pushes reported positions away from
// the surfaces.
func (w *World) Cover(ctx context.Context, center mathx.Vec3, radius float64, maxPerSurface int, offset float64) ([]protocol.CoverRef, error) {
	var out []protocol.CoverRef
	err := w.do(ctx, func() {
		for _, id := range w.sys.Cover(center, radius, maxPerSurface) {
			loc, ok := w.sys.Location(id, offset)
			if !ok {
				continue
			}
			out = append(out, protocol.CoverRef{
				ID:       uint32(id),
				Surface:  uint32(id.Surface()),
				Location: id.Location(),
				Pos:      vecArray(loc.Position),
				Normal:   vecArray(loc.Normal),
				Height:   loc.Height,
				Occupied: w.sys.IsCoverOccupied(id),
			})
		}
	})
	return out, err
}

// CoverPath returns the walkable path along a surface at a stand-off
// distance, resolving the optional lookups in q against it.
func (w *World) CoverPath(ctx context.Context, id ids.SurfaceID, distance float64, q PathLookup) (PathView, error) {
	var v PathView
	err := w.do(ctx, func() {
		p := w.sys.CoverPath(id, distance, 0)
		v = PathView{Points: p.Points(), Length: p.Length(), Looped: p.Looped()}
		if p.Empty() {
			return
		}
		if q.Closest != nil {
			pos, along := p.ClosestPoint(*q.Closest)
			v.Closest = &cover.PathPoint{Position: pos, Distance: along}
		}
		if q.Along != nil {
			v.At = eventPos(p.PointAt(*q.Along))
		}
	})
	return v, err
}

func (w *World) AddBox(ctx context.Context, b physics.Box) (physics.BoxID, error) {
	var id physics.BoxID
	err := w.do(ctx, func() { id = w.phys.AddBox(b) })
	return id, err
}

// Break queues a geometry break for the next tick.
func (w *World) Break(center mathx.Vec3, radius float64, source string) error {
	select {
	case w.breaks <- breakReq{Center: center, Radius: radius, Source: source}:
		return nil
	default:
		return ErrBusy
	}
}

// MoveProp queues a prop body move for the next tick. A zero half keeps
// the current body extents.
func (w *World) MoveProp(e ids.EntityID, pos mathx.Vec3, yaw float64, half mathx.Vec3) error {
	select {
	case w.moves <- moveReq{Entity: e, Pos: pos, Yaw: yaw, Half: half, Prop: true}:
		return nil
	default:
		return ErrBusy
	}
}

func (w *World) RemoveProp(ctx context.Context, e ids.EntityID) (bool, error) {
	var ok bool
	err := w.do(ctx, func() {
		if _, known := w.props[e]; !known {
			return
		}
		delete(w.props, e)
		w.phys.RemoveEntity(e)
		w.dyn.RemoveEntity(e)
		ok = true
	})
	return ok, err
}

// Reset drops every surface, agent and prop. Static boxes are kept.
func (w *World) Reset(ctx context.Context) error {
	return w.do(ctx, func() {
		for e := range w.props {
			w.phys.RemoveEntity(e)
			w.dyn.RemoveEntity(e)
		}
		clear(w.props)
		clear(w.agents)
		w.sys.Reset()
		w.emit(protocol.Event{Kind: protocol.EventWorldReset})
	})
}

func (w *World) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := w.do(ctx, func() { st = w.stats() })
	return st, err
}

func (w *World) stats() Stats {
	ds := w.dyn.Stats()
	return Stats{
		Tick:       w.tick.Load(),
		Surfaces:   w.sys.SurfaceCount(),
		Agents:     len(w.agents),
		Occupied:   w.sys.OccupiedCount(),
		Boxes:      w.phys.BoxCount(),
		Segments:   ds.Segments,
		Queued:     ds.Queued,
		InFlight:   ds.InFlight,
		Confirmed:  ds.Confirmed,
		Retracted:  ds.Retracted,
		Subscriber: len(w.subs),
	}
}
