package world

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/dynamic"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/physics"
)

type agent struct {
	handle cover.Handle
	pos    mathx.Vec3
}

type moveReq struct {
	Entity ids.EntityID
	Pos    mathx.Vec3
	Yaw    float64
	Half   mathx.Vec3 // props only; zero keeps the current body
	Prop   bool
}

type breakReq struct {
	Center mathx.Vec3
	Radius float64
	Source string
}

// World owns the cover system and its collaborators. Everything it owns is
// touched only by the loop goroutine; other goroutines go through the
// request channels.
type World struct {
	cfg    WorldConfig
	log    *logrus.Entry
	tracer trace.Tracer

	tick atomic.Uint64

	sys     *cover.System
	phys    *physics.World
	dyn     *dynamic.Manager
	agents  map[ids.EntityID]*agent
	props   map[ids.EntityID]struct{}

	auditLogger AuditLogger
	subs        map[int]*subscriber
	nextSub     int

	calls  chan call
	moves  chan moveReq
	breaks chan breakReq
	subReq chan subscribeReq
	unsub  chan int
	stop   chan struct{}

	stopOnce sync.Once
}

func New(cfg WorldConfig, logger *logrus.Entry) *World {
	cfg.applyDefaults()
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	w := &World{
		cfg:    cfg,
		log:    logger.WithFields(logrus.Fields{"component": "world", "world": cfg.ID}),
		tracer: otel.Tracer("covercraft.ai/world"),
		phys:   physics.NewWorld(),
		agents: map[ids.EntityID]*agent{},
		props:  map[ids.EntityID]struct{}{},
		subs:   map[int]*subscriber{},
		calls:  make(chan call, 64),
		moves:  make(chan moveReq, 1024),
		breaks: make(chan breakReq, 64),
		subReq: make(chan subscribeReq, 16),
		unsub:  make(chan int, 16),
		stop:   make(chan struct{}),
	}
	w.sys = cover.NewSystem(cfg.Tuning.CoverConfig(), logger)
	w.dyn = dynamic.New(cfg.Tuning.DynamicConfig(), w.sys, w.phys, w.phys, logger)
	w.dyn.SetRetractHandler(w.onRetract)
	w.sys.AddListener(&surfaceAudit{w: w})
	w.phys.OnBreak(w.onBreak)
	return w
}

func (w *World) SetAuditLogger(l AuditLogger) { w.auditLogger = l }

func (w *World) ID() string { return w.cfg.ID }

func (w *World) TickRateHz() int { return w.cfg.TickRateHz }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

// System exposes the cover system for single-goroutine use (tests, tools).
// It must not be touched while Run is active.
func (w *World) System() *cover.System { return w.sys }

func (w *World) Physics() *physics.World { return w.phys }

func (w *World) Dynamic() *dynamic.Manager { return w.dyn }

// surfaceAudit turns registry notifications into world events.
type surfaceAudit struct{ w *World }

func (a *surfaceAudit) OnSurfaceEvent(ev cover.SurfaceEvent) {
	kind := protocol.EventSurfaceAdded
	switch ev.Kind {
	case cover.SurfaceUpdated:
		kind = protocol.EventSurfaceUpdated
	case cover.SurfaceRemoved:
		kind = protocol.EventSurfaceRemoved
	}
	e := protocol.Event{Kind: kind, Surface: uint32(ev.Surface)}
	if ev.Dynamic {
		e.Details = map[string]any{"dynamic": true}
	}
	a.w.emit(e)
}

func (w *World) onRetract(r dynamic.Retraction) {
	w.emit(protocol.Event{
		Kind:    protocol.EventSurfaceRetracted,
		Surface: uint32(r.Surface),
		Entity:  uint32(r.Entity),
		Reason:  "VALIDATION_FAILED",
		Details: map[string]any{"segment": r.Segment, "negative": r.Negative, "samples": r.Samples},
	})
}

func (w *World) onBreak(center mathx.Vec3, radius float64, broken []physics.BoxID) {
	n := w.dyn.BreakInRadius(center, radius)
	w.emit(protocol.Event{
		Kind:    protocol.EventBreak,
		Pos:     eventPos(center),
		Radius:  radius,
		Details: map[string]any{"boxes": len(broken), "segments": n},
	})
}

func (w *World) onUserEvent(ev cover.UserEvent) {
	kind := protocol.EventUserCompromised
	switch ev.Kind {
	case cover.EventCoverRemoved:
		kind = protocol.EventUserCoverRemoved
	case cover.EventNextCoverRemoved:
		kind = protocol.EventUserNextRemoved
	}
	w.emit(protocol.Event{Kind: kind, Entity: uint32(ev.Entity), Cover: uint32(ev.Cover)})
}
