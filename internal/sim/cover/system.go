package cover

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/cover/spatial"
)

var (
	ErrInvalidSurface    = errors.New("invalid surface")
	ErrUnknownSurface    = errors.New("unknown surface")
	ErrTooManySurfaces   = errors.New("surface ids exhausted")
	ErrUnknownUser       = errors.New("unknown cover user")
	ErrAlreadyRegistered = errors.New("entity already registered")
	ErrStateGuard        = errors.New("cover id change not allowed in current state")
)

type Config struct {
	CellSize           float64
	Use3D              bool
	MaxPathsPerSurface int
	PathPrecision      float64

	// StrictOccupancy restricts clearing an occupancy record to its occupant.
	StrictOccupancy bool

	// CompromiseRadius is how far an InCover agent may drift from its stand
	// point before the cover counts as compromised.
	CompromiseRadius float64
}

func DefaultConfig() Config {
	return Config{
		CellSize:           2,
		MaxPathsPerSurface: 4,
		PathPrecision:      0.05,
		CompromiseRadius:   0.5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
	if c.MaxPathsPerSurface <= 0 {
		c.MaxPathsPerSurface = d.MaxPathsPerSurface
	}
	if c.PathPrecision <= 0 {
		c.PathPrecision = d.PathPrecision
	}
	if c.CompromiseRadius <= 0 {
		c.CompromiseRadius = d.CompromiseRadius
	}
}

// Location is a resolved cover location.
type Location struct {
	Position mathx.Vec3
	Normal   mathx.Vec3
	Height   float64
}

type pathEntry struct {
	key  int64
	path *Path
}

// System owns every cover surface and the state derived from it.
// It is not safe for concurrent use; the world loop is its only writer.
type System struct {
	cfg Config
	log *logrus.Entry

	surfaces []*Surface // indexed by SurfaceID; slot 0 unused
	free     []ids.SurfaceID
	count    int

	grid *spatial.Grid[ids.CoverID]

	locations map[ids.CoverID]Location
	paths     map[ids.SurfaceID][]pathEntry

	occupied map[ids.CoverID]Occupant
	users    userArena

	listeners []SurfaceListener
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func NewSystem(cfg Config, logger *logrus.Entry) *System {
	cfg.applyDefaults()
	if logger == nil {
		logger = discardLogger()
	}
	s := &System{
		cfg:       cfg,
		log:       logger.WithField("component", "cover_system"),
		surfaces:  []*Surface{nil},
		locations: map[ids.CoverID]Location{},
		paths:     map[ids.SurfaceID][]pathEntry{},
		occupied:  map[ids.CoverID]Occupant{},
		users:     newUserArena(),
	}
	s.grid = spatial.NewGrid[ids.CoverID](cfg.CellSize, cfg.Use3D, s.basePosition)
	return s
}

func (s *System) Config() Config { return s.cfg }

func (s *System) surface(id ids.SurfaceID) *Surface {
	if !id.Valid() || int(id) >= len(s.surfaces) {
		return nil
	}
	return s.surfaces[id]
}

func (s *System) basePosition(id ids.CoverID) (mathx.Vec3, bool) {
	surf := s.surface(id.Surface())
	if surf == nil || id.Location() >= surf.Len() {
		return mathx.Vec3{}, false
	}
	return surf.samples[id.Location()].Position, true
}

func (s *System) allocSurfaceID() (ids.SurfaceID, error) {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		return id, nil
	}
	id := ids.SurfaceID(len(s.surfaces))
	if !id.Valid() {
		return 0, ErrTooManySurfaces
	}
	s.surfaces = append(s.surfaces, nil)
	return id, nil
}

func (s *System) indexSurface(surf *Surface) {
	for i := 0; i < surf.Len(); i++ {
		s.grid.Insert(ids.Compose(surf.id, i))
	}
}

func (s *System) unindexSurface(surf *Surface) {
	for i := 0; i < surf.Len(); i++ {
		s.grid.Remove(ids.Compose(surf.id, i))
	}
}

// resetCaches drops every cached location and path. Any surface mutation
// calls it; cached data is never invalidated per entry.
func (s *System) resetCaches() {
	clear(s.locations)
	clear(s.paths)
}

// AddSurface registers a surface, reusing the most recently freed id.
func (s *System) AddSurface(desc SurfaceDesc) (ids.SurfaceID, error) {
	if err := desc.validate(); err != nil {
		return 0, err
	}
	id, err := s.allocSurfaceID()
	if err != nil {
		return 0, err
	}
	surf := newSurface(id, desc)
	s.surfaces[id] = surf
	s.count++
	s.indexSurface(surf)
	s.resetCaches()
	s.log.WithFields(logrus.Fields{"surface": id, "samples": surf.Len(), "dynamic": surf.dynamic}).Debug("surface added")
	s.notify(SurfaceEvent{Kind: SurfaceAdded, Surface: id, Dynamic: surf.dynamic})
	return id, nil
}

// UpdateSurface replaces the geometry of id in place. Users and occupancy
// records addressing locations that no longer exist are released.
func (s *System) UpdateSurface(id ids.SurfaceID, desc SurfaceDesc) error {
	old := s.surface(id)
	if old == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSurface, id)
	}
	if err := desc.validate(); err != nil {
		return err
	}
	s.unindexSurface(old)
	surf := newSurface(id, desc)
	s.surfaces[id] = surf
	s.indexSurface(surf)
	s.resetCaches()

	stale := func(c ids.CoverID) bool { return c.Surface() == id && c.Location() >= surf.Len() }
	s.releaseUsers(stale)
	for c, occ := range s.occupied {
		switch {
		case c.Surface() != id:
		case stale(c):
			delete(s.occupied, c)
		default:
			occ.Center = s.CoverLocation(c, occ.Offset)
			s.occupied[c] = occ
		}
	}
	s.log.WithFields(logrus.Fields{"surface": id, "samples": surf.Len()}).Debug("surface updated")
	s.notify(SurfaceEvent{Kind: SurfaceUpdated, Surface: id, Dynamic: surf.dynamic})
	return nil
}

// RemoveSurface destroys a surface. Users holding or reserving covers on it
// are forced to StateNone before it returns.
func (s *System) RemoveSurface(id ids.SurfaceID) bool {
	surf := s.surface(id)
	if surf == nil {
		return false
	}
	onSurface := func(c ids.CoverID) bool { return c.Surface() == id }
	s.releaseUsers(onSurface)
	for c := range s.occupied {
		if onSurface(c) {
			delete(s.occupied, c)
		}
	}
	s.unindexSurface(surf)
	s.surfaces[id] = nil
	s.free = append(s.free, id)
	s.count--
	s.resetCaches()
	s.log.WithField("surface", id).Debug("surface removed")
	s.notify(SurfaceEvent{Kind: SurfaceRemoved, Surface: id, Dynamic: surf.dynamic})
	return true
}

// LoadSurfaces adds a batch of baked surfaces.
func (s *System) LoadSurfaces(descs []SurfaceDesc) ([]ids.SurfaceID, error) {
	out := make([]ids.SurfaceID, 0, len(descs))
	for i, d := range descs {
		id, err := s.AddSurface(d)
		if err != nil {
			return out, fmt.Errorf("surface %d: %w", i, err)
		}
		out = append(out, id)
	}
	s.log.WithField("surfaces", len(out)).Info("cover surfaces loaded")
	return out, nil
}

// Clear removes every surface. Registered users stay registered in StateNone.
func (s *System) Clear() {
	for _, id := range s.SurfaceIDs() {
		s.RemoveSurface(id)
	}
	s.surfaces = []*Surface{nil}
	s.free = nil
}

// Reset clears surfaces and unregisters every user. Listeners are kept.
func (s *System) Reset() {
	for _, h := range s.users.handles() {
		s.Unregister(h)
	}
	s.Clear()
	clear(s.occupied)
	s.resetCaches()
}

func (s *System) SurfaceCount() int { return s.count }

func (s *System) SurfaceIDs() []ids.SurfaceID {
	out := make([]ids.SurfaceID, 0, s.count)
	for i, surf := range s.surfaces {
		if surf != nil {
			out = append(out, ids.SurfaceID(i))
		}
	}
	return out
}

type SurfaceInfo struct {
	ID      ids.SurfaceID `json:"id"`
	Samples []Sample      `json:"samples"`
	Normals []mathx.Vec3  `json:"normals"`
	Looped  bool          `json:"looped,omitempty"`
	Dynamic bool          `json:"dynamic,omitempty"`
	Length  float64       `json:"length"`
}

func (s *System) SurfaceInfo(id ids.SurfaceID) (SurfaceInfo, bool) {
	surf := s.surface(id)
	if surf == nil {
		return SurfaceInfo{}, false
	}
	return SurfaceInfo{
		ID:      id,
		Samples: append([]Sample(nil), surf.samples...),
		Normals: append([]mathx.Vec3(nil), surf.normals...),
		Looped:  surf.looped,
		Dynamic: surf.dynamic,
		Length:  surf.length,
	}, true
}

// Location resolves a cover id. offset pushes the point along the surface
// normal, away from the geometry.
func (s *System) Location(id ids.CoverID, offset float64) (Location, bool) {
	loc, ok := s.locations[id]
	if !ok {
		surf := s.surface(id.Surface())
		if surf == nil || id.Location() >= surf.Len() {
			return Location{}, false
		}
		i := id.Location()
		loc = Location{
			Position: surf.samples[i].Position,
			Normal:   surf.normals[i],
			Height:   surf.samples[i].Height,
		}
		s.locations[id] = loc
	}
	loc.Position = loc.Position.Add(loc.Normal.Scale(offset))
	return loc, true
}

// CoverLocation returns the zero vector for unknown ids.
func (s *System) CoverLocation(id ids.CoverID, offset float64) mathx.Vec3 {
	loc, _ := s.Location(id, offset)
	return loc.Position
}

func (s *System) CoverNormal(id ids.CoverID) mathx.Vec3 {
	loc, _ := s.Location(id, 0)
	return loc.Normal
}

// CoverPath returns the path along surface id at the given stand-off
// distance. Distances are bucketed by precision (the configured
// PathPrecision when precision <= 0). Unknown surfaces yield an empty path.
func (s *System) CoverPath(id ids.SurfaceID, distance, precision float64) *Path {
	surf := s.surface(id)
	if surf == nil {
		return emptyPath
	}
	if precision <= 0 {
		precision = s.cfg.PathPrecision
	}
	key := int64(math.Round(distance / precision))
	entries := s.paths[id]
	for i, e := range entries {
		if e.key == key {
			if i > 0 {
				copy(entries[1:i+1], entries[:i])
				entries[0] = e
			}
			return e.path
		}
	}
	p := buildPath(surf, float64(key)*precision)
	entries = append(entries, pathEntry{})
	copy(entries[1:], entries)
	entries[0] = pathEntry{key: key, path: p}
	if len(entries) > s.cfg.MaxPathsPerSurface {
		entries = entries[:s.cfg.MaxPathsPerSurface]
	}
	s.paths[id] = entries
	return p
}

func (s *System) cachedPathCount(id ids.SurfaceID) int { return len(s.paths[id]) }

// Cover returns cover ids within radius of center, nearest first. When
// maxPerSurface > 0 each surface contributes at most that many ids.
func (s *System) Cover(center mathx.Vec3, radius float64, maxPerSurface int) []ids.CoverID {
	found := s.grid.Query(center, radius, nil)
	dist := make(map[ids.CoverID]float64, len(found))
	for _, id := range found {
		p, _ := s.basePosition(id)
		dist[id] = p.DistSq(center)
	}
	sort.Slice(found, func(i, j int) bool {
		di, dj := dist[found[i]], dist[found[j]]
		if di != dj {
			return di < dj
		}
		return found[i] < found[j]
	})
	if maxPerSurface <= 0 {
		return found
	}
	perSurface := map[ids.SurfaceID]int{}
	out := found[:0]
	for _, id := range found {
		sid := id.Surface()
		if perSurface[sid] >= maxPerSurface {
			continue
		}
		perSurface[sid]++
		out = append(out, id)
	}
	return out
}

// EffectiveHeightAt returns the protection height a cover location offers
// against all eyes: the lowest occluding cover top over every sightline.
// It reports false if any eye has a clear line to the location.
func (s *System) EffectiveHeightAt(id ids.CoverID, offset float64, eyes []mathx.Vec3) (float64, bool) {
	surf := s.surface(id.Surface())
	loc, ok := s.Location(id, offset)
	if surf == nil || !ok || len(eyes) == 0 {
		return 0, false
	}
	height := math.Inf(1)
	for _, eye := range eyes {
		h, ok := surf.LowestOcclusion(eye, loc.Position)
		if !ok {
			return 0, false
		}
		height = math.Min(height, h)
	}
	return height, true
}

// IsCircleInCover reports whether a footprint at center is hidden from eye
// by the surface owning id.
func (s *System) IsCircleInCover(id ids.CoverID, eye, center mathx.Vec3, radius float64) bool {
	surf := s.surface(id.Surface())
	if surf == nil {
		return false
	}
	return surf.IsCircleInCover(eye, center, radius)
}
