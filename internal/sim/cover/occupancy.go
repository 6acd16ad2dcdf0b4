package cover

import (
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
)

// Occupant is the logical holder of a cover location. Center is the
// location pushed Offset out along the cover normal; it is recomputed when
// the surface geometry changes.
type Occupant struct {
	Entity ids.EntityID
	Center mathx.Vec3
	Offset float64
	Radius float64
}

// SetCoverOccupied records or clears the occupant of id. The last writer
// wins: occupying an already occupied id replaces the previous record.
func (s *System) SetCoverOccupied(id ids.CoverID, occupied bool, occ Occupant) {
	if !id.Valid() || s.surface(id.Surface()) == nil {
		return
	}
	if occupied {
		s.occupied[id] = occ
		return
	}
	if s.cfg.StrictOccupancy {
		if cur, ok := s.occupied[id]; ok && cur.Entity != occ.Entity {
			return
		}
	}
	delete(s.occupied, id)
}

func (s *System) IsCoverOccupied(id ids.CoverID) bool {
	_, ok := s.occupied[id]
	return ok
}

func (s *System) CoverOccupant(id ids.CoverID) (ids.EntityID, bool) {
	occ, ok := s.Occupancy(id)
	return occ.Entity, ok
}

func (s *System) Occupancy(id ids.CoverID) (Occupant, bool) {
	occ, ok := s.occupied[id]
	return occ, ok
}

func (s *System) OccupiedCount() int { return len(s.occupied) }

// IsCoverPhysicallyOccupiedByAnyOtherUser checks, geometrically, whether the
// body of any registered user other than asking overlaps the slot the
// asking user would claim at id.
func (s *System) IsCoverPhysicallyOccupiedByAnyOtherUser(id ids.CoverID, asking Handle) bool {
	me, ok := s.User(asking)
	if !ok {
		return false
	}
	loc, ok := s.Location(id, me.params.DistanceToCover)
	if !ok {
		return false
	}
	for _, h := range s.users.handles() {
		if h == asking {
			continue
		}
		other := s.users.get(h)
		if other == nil || !other.hasPosition {
			continue
		}
		reach := me.params.InCoverRadius + other.params.InCoverRadius
		if other.position.Dist2D(loc.Position) < reach {
			return true
		}
	}
	return false
}
