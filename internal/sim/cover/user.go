package cover

import (
	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
)

type StateFlags uint8

const (
	StateNone          StateFlags = 0
	StateMovingToCover StateFlags = 1 << 0
	StateInCover       StateFlags = 1 << 1
)

func (f StateFlags) Has(x StateFlags) bool { return f&x != 0 }

func (f StateFlags) String() string {
	switch {
	case f == StateNone:
		return "NONE"
	case f.Has(StateInCover):
		return "IN_COVER"
	case f.Has(StateMovingToCover):
		return "MOVING_TO_COVER"
	default:
		return "UNKNOWN"
	}
}

type UserEventKind int

const (
	// EventCompromised fires once per cover, when it stops protecting.
	EventCompromised UserEventKind = iota + 1
	// EventCoverRemoved fires when the surface under the current cover went away.
	EventCoverRemoved
	// EventNextCoverRemoved fires when the reserved cover went away.
	EventNextCoverRemoved
)

type UserEvent struct {
	Kind   UserEventKind
	User   Handle
	Entity ids.EntityID
	Cover  ids.CoverID
}

type UserParams struct {
	Entity             ids.EntityID
	DistanceToCover    float64 // stand-off from the surface
	InCoverRadius      float64 // body radius while in cover
	MinEffectiveHeight float64
	BlacklistDuration  float64 // seconds, used when SetCoverBlacklisted gets none

	// OnEvent is called synchronously from the tick. May be nil.
	OnEvent func(UserEvent)
}

func (p *UserParams) applyDefaults() {
	if p.DistanceToCover <= 0 {
		p.DistanceToCover = 0.5
	}
	if p.InCoverRadius <= 0 {
		p.InCoverRadius = 0.3
	}
	if p.BlacklistDuration <= 0 {
		p.BlacklistDuration = 10
	}
}

// User is the per-agent cover state machine. Instances are owned by the
// System and reached through a Handle.
type User struct {
	sys    *System
	handle Handle
	params UserParams

	state       StateFlags
	coverID     ids.CoverID
	nextCoverID ids.CoverID

	compromised             bool
	effectiveHeight         float64
	distanceToCoverLocation float64

	position    mathx.Vec3
	hasPosition bool
	eyes        []mathx.Vec3

	blacklist Blacklist
}

func (u *User) Handle() Handle                   { return u.handle }
func (u *User) Params() UserParams               { return u.params }
func (u *User) State() StateFlags                { return u.state }
func (u *User) SetState(f StateFlags)            { u.state = f }
func (u *User) CoverID() ids.CoverID             { return u.coverID }
func (u *User) NextCoverID() ids.CoverID         { return u.nextCoverID }
func (u *User) IsCompromised() bool              { return u.compromised }
func (u *User) EffectiveHeight() float64         { return u.effectiveHeight }
func (u *User) DistanceToCoverLocation() float64 { return u.distanceToCoverLocation }
func (u *User) Position() (mathx.Vec3, bool)     { return u.position, u.hasPosition }

// SetEyes replaces the recorded threat observer positions. The first eye is
// the primary threat.
func (u *User) SetEyes(eyes []mathx.Vec3) { u.eyes = append(u.eyes[:0], eyes...) }
func (u *User) Eyes() []mathx.Vec3        { return append([]mathx.Vec3(nil), u.eyes...) }

func (u *User) occupant() Occupant {
	return Occupant{Entity: u.params.Entity, Radius: u.params.InCoverRadius}
}

func (u *User) claim(id ids.CoverID) {
	if !id.Valid() {
		return
	}
	occ := u.occupant()
	occ.Offset = u.params.DistanceToCover
	occ.Center = u.sys.CoverLocation(id, occ.Offset)
	u.sys.SetCoverOccupied(id, true, occ)
}

func (u *User) release(id ids.CoverID) {
	if !id.Valid() {
		return
	}
	u.sys.SetCoverOccupied(id, false, u.occupant())
}

// SetCoverID changes the held cover. A valid id is only accepted while the
// user is in a non-None state, and the id may only be cleared in StateNone.
func (u *User) SetCoverID(id ids.CoverID) error {
	if id.Valid() == (u.state == StateNone) {
		u.sys.log.WithFields(logrus.Fields{"user": u.handle, "state": u.state, "cover": id}).Warn("rejected cover id change")
		return ErrStateGuard
	}
	if id == u.coverID {
		return nil
	}
	if u.coverID != u.nextCoverID {
		u.release(u.coverID)
	}
	u.coverID = id
	u.compromised = false
	u.effectiveHeight = 0
	u.distanceToCoverLocation = 0
	u.claim(id)
	return nil
}

// SetNextCoverID reserves the destination cover before the agent arrives.
func (u *User) SetNextCoverID(id ids.CoverID) {
	if id == u.nextCoverID {
		return
	}
	if u.nextCoverID != u.coverID {
		u.release(u.nextCoverID)
	}
	u.nextCoverID = id
	u.claim(id)
}

func (u *User) SetCoverBlacklisted(id ids.CoverID, on bool, seconds float64) {
	if !id.Valid() {
		return
	}
	if on && seconds <= 0 {
		seconds = u.params.BlacklistDuration
	}
	u.blacklist.Set(id, on, seconds)
}

func (u *User) IsCoverBlacklisted(id ids.CoverID) bool { return u.blacklist.Has(id) }

func (u *User) CoverLocation() mathx.Vec3 {
	return u.sys.CoverLocation(u.coverID, u.params.DistanceToCover)
}

func (u *User) NextCoverLocation() mathx.Vec3 {
	return u.sys.CoverLocation(u.nextCoverID, u.params.DistanceToCover)
}

func (u *User) CoverNormal() mathx.Vec3 { return u.sys.CoverNormal(u.coverID) }

// CalculateEffectiveHeight evaluates the current cover against the
// recorded eyes.
func (u *User) CalculateEffectiveHeight() (float64, bool) {
	return u.sys.EffectiveHeightAt(u.coverID, u.params.DistanceToCover, u.eyes)
}

// Update advances the user by dt seconds with the agent at pos.
func (u *User) Update(dt float64, pos mathx.Vec3) {
	u.blacklist.Decay(dt)
	u.position = pos
	u.hasPosition = true

	if u.state == StateNone || !u.coverID.Valid() {
		return
	}
	loc, ok := u.sys.Location(u.coverID, u.params.DistanceToCover)
	if !ok {
		return
	}
	u.distanceToCoverLocation = pos.Dist2D(loc.Position)
	if u.compromised {
		return
	}
	if u.UpdateCompromised(pos, loc) {
		u.compromised = true
		u.sys.log.WithFields(logrus.Fields{"entity": u.params.Entity, "cover": u.coverID}).Debug("cover compromised")
		u.emit(EventCompromised, u.coverID)
	}
}

// UpdateCompromised reports whether the cover at loc no longer protects an
// agent standing at pos. It refreshes the stored effective height.
func (u *User) UpdateCompromised(pos mathx.Vec3, loc Location) bool {
	if u.state.Has(StateInCover) && pos.Dist2D(loc.Position) > u.sys.cfg.CompromiseRadius {
		return true
	}
	if len(u.eyes) == 0 {
		return false
	}
	if loc.Normal.Flat().Dot(u.eyes[0].Sub(loc.Position).Flat()) > mathx.Epsilon {
		return true
	}
	for _, eye := range u.eyes {
		if !u.sys.IsCircleInCover(u.coverID, eye, pos, u.params.InCoverRadius) {
			return true
		}
	}
	h, ok := u.CalculateEffectiveHeight()
	u.effectiveHeight = h
	return !ok || h < u.params.MinEffectiveHeight
}

func (u *User) emit(kind UserEventKind, cover ids.CoverID) {
	if u.params.OnEvent == nil {
		return
	}
	u.params.OnEvent(UserEvent{Kind: kind, User: u.handle, Entity: u.params.Entity, Cover: cover})
}
