package cover

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
)

// Handle is a non-owning reference to a registered user. A handle goes
// stale when the user is unregistered, even if its slot is reused.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) String() string { return fmt.Sprintf("user(%d#%d)", h.index, h.gen) }

type userSlot struct {
	gen  uint32
	user *User
}

type userArena struct {
	slots    []userSlot
	free     []uint32
	byEntity map[ids.EntityID]Handle
}

func newUserArena() userArena {
	return userArena{byEntity: map[ids.EntityID]Handle{}}
}

func (a *userArena) insert(u *User) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, userSlot{})
	}
	slot := &a.slots[idx]
	slot.gen++
	slot.user = u
	h := Handle{index: idx, gen: slot.gen}
	a.byEntity[u.params.Entity] = h
	return h
}

func (a *userArena) get(h Handle) *User {
	if int(h.index) >= len(a.slots) {
		return nil
	}
	slot := a.slots[h.index]
	if slot.gen != h.gen || slot.user == nil {
		return nil
	}
	return slot.user
}

func (a *userArena) remove(h Handle) *User {
	u := a.get(h)
	if u == nil {
		return nil
	}
	a.slots[h.index].user = nil
	a.free = append(a.free, h.index)
	delete(a.byEntity, u.params.Entity)
	return u
}

// handles lists live users in slot order, which is the per-tick update order.
func (a *userArena) handles() []Handle {
	out := make([]Handle, 0, len(a.byEntity))
	for i, slot := range a.slots {
		if slot.user != nil {
			out = append(out, Handle{index: uint32(i), gen: slot.gen})
		}
	}
	return out
}

// Register creates the cover state for an agent.
func (s *System) Register(params UserParams) (Handle, error) {
	if params.Entity == 0 {
		return Handle{}, fmt.Errorf("register: entity id is zero")
	}
	if _, ok := s.users.byEntity[params.Entity]; ok {
		return Handle{}, fmt.Errorf("%w: %d", ErrAlreadyRegistered, params.Entity)
	}
	params.applyDefaults()
	u := &User{
		sys:       s,
		params:    params,
		blacklist: Blacklist{},
	}
	u.handle = s.users.insert(u)
	s.log.WithFields(logrus.Fields{"entity": params.Entity, "user": u.handle}).Debug("cover user registered")
	return u.handle, nil
}

// Unregister destroys the user and releases its occupancy and reservation.
func (s *System) Unregister(h Handle) bool {
	u := s.users.get(h)
	if u == nil {
		return false
	}
	u.release(u.nextCoverID)
	u.nextCoverID = 0
	u.release(u.coverID)
	u.coverID = 0
	u.state = StateNone
	s.users.remove(h)
	s.log.WithFields(logrus.Fields{"entity": u.params.Entity, "user": h}).Debug("cover user unregistered")
	return true
}

func (s *System) User(h Handle) (*User, bool) {
	u := s.users.get(h)
	return u, u != nil
}

func (s *System) UserByEntity(e ids.EntityID) (Handle, bool) {
	h, ok := s.users.byEntity[e]
	return h, ok
}

func (s *System) UserCount() int { return len(s.users.byEntity) }

// PositionSource supplies agent positions to the per-tick user update.
type PositionSource interface {
	EntityPosition(e ids.EntityID) (mathx.Vec3, bool)
}

// Update advances every user by dt in registration-slot order. Users whose
// position is unknown only decay their blacklist.
func (s *System) Update(dt float64, positions PositionSource) {
	for _, h := range s.users.handles() {
		u := s.users.get(h)
		if u == nil {
			continue
		}
		pos, ok := mathx.Vec3{}, false
		if positions != nil {
			pos, ok = positions.EntityPosition(u.params.Entity)
		}
		if !ok {
			u.blacklist.Decay(dt)
			continue
		}
		u.Update(dt, pos)
	}
}

// releaseUsers forces users whose current cover matches stale into
// StateNone and drops reservations that match. A user left holding
// nothing is also reset to StateNone.
func (s *System) releaseUsers(stale func(ids.CoverID) bool) {
	for _, h := range s.users.handles() {
		u := s.users.get(h)
		if u == nil {
			continue
		}
		if u.nextCoverID.Valid() && stale(u.nextCoverID) {
			lost := u.nextCoverID
			u.SetNextCoverID(0)
			if !u.coverID.Valid() {
				u.state = StateNone
			}
			u.emit(EventNextCoverRemoved, lost)
		}
		if u.coverID.Valid() && stale(u.coverID) {
			lost := u.coverID
			u.state = StateNone
			_ = u.SetCoverID(0)
			u.emit(EventCoverRemoved, lost)
		}
	}
}
