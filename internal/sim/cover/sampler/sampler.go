// Package sampler discovers candidate cover along the sides of entities.
// Work is throttled: each Update samples at most a few sides, nearest
// entities first.
package sampler

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
)

var (
	ErrQueueFull     = errors.New("sampler queue full")
	ErrAlreadyQueued = errors.New("entity already queued")
)

type Side uint8

const (
	SideLeft Side = iota
	SideRight
	SideFront
	SideBack

	SideCount = 4
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	case SideFront:
		return "front"
	case SideBack:
		return "back"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

// Result holds the geometry found on each side. A nil entry means the side
// yielded no usable cover.
type Result [SideCount]*cover.SurfaceDesc

// Callback receives the sampled sides once all four are done. It runs on
// the goroutine calling Update.
type Callback func(e ids.EntityID, res Result)

// EntityGeometry exposes oriented entity bounds. Bounds are in the entity's
// local frame; the pose places that frame in the world, rotated by yaw
// around the up axis.
type EntityGeometry interface {
	EntityBounds(e ids.EntityID) (min, max mathx.Vec3, ok bool)
	EntityPose(e ids.EntityID) (pos mathx.Vec3, yaw float64, ok bool)
}

type Config struct {
	MaxQueue       int     `yaml:"max_queue"`
	StepsPerUpdate int     `yaml:"steps_per_update"`
	ResortInterval float64 `yaml:"resort_interval"` // seconds
	SampleSpacing  float64 `yaml:"sample_spacing"`
	MinHeight      float64 `yaml:"min_height"`
	MinLength      float64 `yaml:"min_length"`
}

func DefaultConfig() Config {
	return Config{
		MaxQueue:       64,
		StepsPerUpdate: 1,
		ResortInterval: 0.5,
		SampleSpacing:  1,
		MinHeight:      0.5,
		MinLength:      0.5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxQueue <= 0 {
		c.MaxQueue = d.MaxQueue
	}
	if c.StepsPerUpdate <= 0 {
		c.StepsPerUpdate = d.StepsPerUpdate
	}
	if c.ResortInterval <= 0 {
		c.ResortInterval = d.ResortInterval
	}
	if c.SampleSpacing <= 0 {
		c.SampleSpacing = d.SampleSpacing
	}
	if c.MinHeight <= 0 {
		c.MinHeight = d.MinHeight
	}
	if c.MinLength <= 0 {
		c.MinLength = d.MinLength
	}
}

type entry struct {
	entity ids.EntityID
	cb     Callback
	next   Side
	result Result
	distSq float64
}

type Sampler struct {
	cfg Config
	geo EntityGeometry
	log *logrus.Entry

	queue     []*entry
	interest  mathx.Vec3
	sinceSort float64
}

func New(cfg Config, geo EntityGeometry, logger *logrus.Entry) *Sampler {
	cfg.applyDefaults()
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Sampler{
		cfg: cfg,
		geo: geo,
		log: logger.WithField("component", "entity_sampler"),
	}
}

// Queue schedules all four sides of e for sampling.
func (s *Sampler) Queue(e ids.EntityID, cb Callback) error {
	if s.Contains(e) {
		return fmt.Errorf("%w: %d", ErrAlreadyQueued, e)
	}
	if len(s.queue) >= s.cfg.MaxQueue {
		return ErrQueueFull
	}
	s.queue = append(s.queue, &entry{entity: e, cb: cb})
	return nil
}

// Remove cancels e without running its callback.
func (s *Sampler) Remove(e ids.EntityID) bool {
	for i, en := range s.queue {
		if en.entity == e {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Sampler) Contains(e ids.EntityID) bool {
	for _, en := range s.queue {
		if en.entity == e {
			return true
		}
	}
	return false
}

func (s *Sampler) Len() int { return len(s.queue) }

// Clear drops every pending entity. No callback runs.
func (s *Sampler) Clear() { s.queue = s.queue[:0] }

// SetInterestPoint sets the point queue order is measured from. It takes
// effect at the next re-sort.
func (s *Sampler) SetInterestPoint(p mathx.Vec3) { s.interest = p }

// Update advances the re-sort timer and samples up to StepsPerUpdate sides.
func (s *Sampler) Update(dt float64) {
	s.sinceSort += dt
	if s.sinceSort >= s.cfg.ResortInterval {
		s.sinceSort = 0
		s.resort()
	}
	for i := 0; i < s.cfg.StepsPerUpdate && len(s.queue) > 0; i++ {
		s.step()
	}
}

func (s *Sampler) resort() {
	for _, en := range s.queue {
		en.distSq = math.Inf(1)
		if pos, _, ok := s.geo.EntityPose(en.entity); ok {
			en.distSq = pos.DistSq(s.interest)
		}
	}
	sort.SliceStable(s.queue, func(i, j int) bool { return s.queue[i].distSq < s.queue[j].distSq })
}

func (s *Sampler) step() {
	en := s.queue[0]
	desc, ok := s.SampleSide(en.entity, en.next)
	if ok {
		en.result[en.next] = &desc
	}
	en.next++
	if en.next < SideCount {
		return
	}
	s.queue = s.queue[1:]
	s.log.WithFields(logrus.Fields{"entity": en.entity}).Debug("entity sampled")
	if en.cb != nil {
		en.cb(en.entity, en.result)
	}
}

// SampleSide builds the cover surface along one side of e's oriented box.
// The edge runs so the surface normal points out of the entity. It reports
// false when the entity is unknown or the side is too short or too low.
func (s *Sampler) SampleSide(e ids.EntityID, side Side) (cover.SurfaceDesc, bool) {
	lo, hi, ok := s.geo.EntityBounds(e)
	if !ok {
		return cover.SurfaceDesc{}, false
	}
	pos, yaw, ok := s.geo.EntityPose(e)
	if !ok {
		return cover.SurfaceDesc{}, false
	}
	height := hi.Z - lo.Z
	if height < s.cfg.MinHeight {
		return cover.SurfaceDesc{}, false
	}

	var a, b mathx.Vec3
	switch side {
	case SideFront:
		a, b = mathx.V(hi.X, lo.Y, lo.Z), mathx.V(hi.X, hi.Y, lo.Z)
	case SideBack:
		a, b = mathx.V(lo.X, hi.Y, lo.Z), mathx.V(lo.X, lo.Y, lo.Z)
	case SideLeft:
		a, b = mathx.V(hi.X, hi.Y, lo.Z), mathx.V(lo.X, hi.Y, lo.Z)
	case SideRight:
		a, b = mathx.V(lo.X, lo.Y, lo.Z), mathx.V(hi.X, lo.Y, lo.Z)
	default:
		return cover.SurfaceDesc{}, false
	}
	length := a.Dist(b)
	if length < s.cfg.MinLength {
		return cover.SurfaceDesc{}, false
	}

	n := int(math.Ceil(length/s.cfg.SampleSpacing-mathx.Epsilon)) + 1
	if n < 2 {
		n = 2
	}
	desc := cover.SurfaceDesc{Dynamic: true, Samples: make([]cover.Sample, 0, n)}
	for i := 0; i < n; i++ {
		local := mathx.Lerp(a, b, float64(i)/float64(n-1))
		desc.Samples = append(desc.Samples, cover.Sample{
			Position: pos.Add(mathx.RotateZ(local, yaw)),
			Height:   height,
		})
	}
	return desc, true
}
