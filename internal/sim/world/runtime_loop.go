package world

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
)

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer w.shutdown()

	var pendingMoves []moveReq
	var pendingBreaks []breakReq

	w.log.WithField("tick_rate_hz", w.cfg.TickRateHz).Info("world loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case c := <-w.calls:
			c.fn()
			close(c.done)
		case m := <-w.moves:
			pendingMoves = append(pendingMoves, m)
		case b := <-w.breaks:
			pendingBreaks = append(pendingBreaks, b)
		case req := <-w.subReq:
			w.handleSubscribe(req)
		case id := <-w.unsub:
			w.handleUnsubscribe(id)
		case <-ticker.C:
			w.step(ctx, pendingMoves, pendingBreaks)
			pendingMoves = pendingMoves[:0]
			pendingBreaks = pendingBreaks[:0]
		}
	}
}

func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// shutdown cancels outstanding ray work and closes every subscriber.
func (w *World) shutdown() {
	w.dyn.Close()
	w.closeSubscribers()
	w.log.WithField("tick", w.tick.Load()).Info("world loop stopped")
}

// StepOnce advances the world by a single tick using the same ordering as
// Run. It must not be called while Run is active.
func (w *World) StepOnce(moves []moveReq, breaks []breakReq) uint64 {
	tick := w.tick.Load()
	w.step(context.Background(), moves, breaks)
	return tick
}

// step order: entity moves, breaks, ray delivery, dynamic cover, users.
func (w *World) step(ctx context.Context, moves []moveReq, breaks []breakReq) {
	tick := w.tick.Load()
	dt := 1 / float64(w.cfg.TickRateHz)
	ctx, span := w.tracer.Start(ctx, "cover.Tick", trace.WithAttributes(attribute.Int64("tick", int64(tick))))
	defer span.End()

	for _, m := range moves {
		if err := w.applyMove(m); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			w.log.WithError(err).WithField("entity", m.Entity).Warn("move dropped")
		}
	}
	for _, b := range breaks {
		broken := w.phys.Break(b.Center, b.Radius)
		w.log.WithFields(logrus.Fields{"source": b.Source, "radius": b.Radius, "boxes": len(broken)}).Info("geometry broken")
	}
	rays := w.phys.Step()
	// Props nearest the agents are sampled first. With no agents the last
	// point is kept.
	if c, ok := agentPositions(w.agents).centroid(); ok {
		w.dyn.SetInterestPoint(c)
	}
	w.dyn.Update(ctx, dt)
	w.sys.Update(dt, agentPositions(w.agents))

	span.SetAttributes(
		attribute.Int("rays", rays),
		attribute.Int("surfaces", w.sys.SurfaceCount()),
		attribute.Int("agents", len(w.agents)),
	)
	w.tick.Add(1)
}

func (w *World) applyMove(m moveReq) error {
	if !m.Prop {
		a := w.agents[m.Entity]
		if a == nil {
			return errUnknownAgent(m.Entity)
		}
		a.pos = m.Pos
		return nil
	}
	half := m.Half
	if half.IsZero() {
		lo, hi, ok := w.phys.EntityBounds(m.Entity)
		if !ok {
			return errUnknownProp(m.Entity)
		}
		half = mathx.V((hi.X-lo.X)/2, (hi.Y-lo.Y)/2, (hi.Z-lo.Z)/2)
	}
	w.phys.SetEntityBody(m.Entity, m.Pos, half, m.Yaw)
	w.props[m.Entity] = struct{}{}
	w.dyn.OnEntityMoved(m.Entity, m.Pos)
	return nil
}

type agentPositions map[ids.EntityID]*agent

func (p agentPositions) EntityPosition(e ids.EntityID) (mathx.Vec3, bool) {
	a := p[e]
	if a == nil {
		return mathx.Vec3{}, false
	}
	return a.pos, true
}

func (p agentPositions) centroid() (mathx.Vec3, bool) {
	if len(p) == 0 {
		return mathx.Vec3{}, false
	}
	var sum mathx.Vec3
	for _, a := range p {
		sum = sum.Add(a.pos)
	}
	return sum.Scale(1 / float64(len(p))), true
}
