package world

import (
	"context"
	"fmt"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/cover/logic/scorer"
)

// Join registers an agent as a cover user.
func (w *World) Join(ctx context.Context, p AgentParams) (cover.Handle, error) {
	var (
		h       cover.Handle
		joinErr error
	)
	err := w.do(ctx, func() { h, joinErr = w.join(p) })
	if err != nil {
		return cover.Handle{}, err
	}
	return h, joinErr
}

func (w *World) join(p AgentParams) (cover.Handle, error) {
	params := w.cfg.Tuning.UserParams(cover.UserParams{
		Entity:             p.Entity,
		DistanceToCover:    p.DistanceToCover,
		InCoverRadius:      p.InCoverRadius,
		MinEffectiveHeight: p.MinEffectiveHeight,
		BlacklistDuration:  p.BlacklistDuration,
		OnEvent:            w.onUserEvent,
	})
	h, err := w.sys.Register(params)
	if err != nil {
		return cover.Handle{}, err
	}
	w.agents[p.Entity] = &agent{handle: h, pos: p.Pos}
	w.emit(protocol.Event{Kind: protocol.EventAgentJoined, Entity: uint32(p.Entity), Pos: eventPos(p.Pos)})
	return h, nil
}

// Leave unregisters e, releasing any cover it held or reserved.
func (w *World) Leave(ctx context.Context, e ids.EntityID) (bool, error) {
	var ok bool
	err := w.do(ctx, func() {
		a := w.agents[e]
		if a == nil {
			return
		}
		ok = w.sys.Unregister(a.handle)
		delete(w.agents, e)
		w.emit(protocol.Event{Kind: protocol.EventAgentLeft, Entity: uint32(e)})
	})
	return ok, err
}

// MoveAgent queues an agent position update for the next tick.
func (w *World) MoveAgent(e ids.EntityID, pos mathx.Vec3) error {
	select {
	case w.moves <- moveReq{Entity: e, Pos: pos}:
		return nil
	default:
		return ErrBusy
	}
}

// withUser runs fn on the loop goroutine with e's cover user.
func (w *World) withUser(ctx context.Context, e ids.EntityID, fn func(a *agent, u *cover.User) error) error {
	var inner error
	err := w.do(ctx, func() {
		a := w.agents[e]
		if a == nil {
			inner = errUnknownAgent(e)
			return
		}
		u, ok := w.sys.User(a.handle)
		if !ok {
			inner = errUnknownAgent(e)
			return
		}
		inner = fn(a, u)
	})
	if err != nil {
		return err
	}
	return inner
}

func (w *World) SetEyes(ctx context.Context, e ids.EntityID, eyes []mathx.Vec3) error {
	return w.withUser(ctx, e, func(_ *agent, u *cover.User) error {
		u.SetEyes(eyes)
		return nil
	})
}

// ReserveCover pre-claims id as e's destination and marks e as moving.
func (w *World) ReserveCover(ctx context.Context, e ids.EntityID, id ids.CoverID) error {
	return w.withUser(ctx, e, func(a *agent, u *cover.User) error {
		if err := w.checkClaim(a, id); err != nil {
			return err
		}
		if u.State() == cover.StateNone {
			u.SetState(cover.StateMovingToCover)
		}
		u.SetNextCoverID(id)
		return nil
	})
}

// EnterCover makes id e's current cover and puts e in cover.
func (w *World) EnterCover(ctx context.Context, e ids.EntityID, id ids.CoverID) error {
	return w.withUser(ctx, e, func(a *agent, u *cover.User) error {
		if err := w.checkClaim(a, id); err != nil {
			return err
		}
		u.SetState(cover.StateInCover)
		if err := u.SetCoverID(id); err != nil {
			return err
		}
		if u.NextCoverID() == id {
			u.SetNextCoverID(0)
		}
		return nil
	})
}

// LeaveCover drops e's current cover and reservation.
func (w *World) LeaveCover(ctx context.Context, e ids.EntityID) error {
	return w.withUser(ctx, e, func(_ *agent, u *cover.User) error {
		u.SetNextCoverID(0)
		u.SetState(cover.StateNone)
		return u.SetCoverID(0)
	})
}

func (w *World) BlacklistCover(ctx context.Context, e ids.EntityID, id ids.CoverID, seconds float64) error {
	return w.withUser(ctx, e, func(_ *agent, u *cover.User) error {
		u.SetCoverBlacklisted(id, true, seconds)
		return nil
	})
}

func (w *World) checkClaim(a *agent, id ids.CoverID) error {
	if _, ok := w.sys.Location(id, 0); !ok {
		return fmt.Errorf("%w: %s", ErrInvalidCover, id)
	}
	if occ, ok := w.sys.CoverOccupant(id); ok && occ != w.entityOf(a) {
		return fmt.Errorf("%w: %s held by %d", ErrCoverTaken, id, occ)
	}
	return nil
}

func (w *World) entityOf(a *agent) ids.EntityID {
	u, ok := w.sys.User(a.handle)
	if !ok {
		return 0
	}
	return u.Params().Entity
}

func (w *World) Agent(ctx context.Context, e ids.EntityID) (AgentView, error) {
	var v AgentView
	err := w.withUser(ctx, e, func(a *agent, u *cover.User) error {
		v = AgentView{
			Entity:          e,
			Pos:             vecArray(a.pos),
			State:           u.State().String(),
			Cover:           uint32(u.CoverID()),
			NextCover:       uint32(u.NextCoverID()),
			Compromised:     u.IsCompromised(),
			EffectiveHeight: u.EffectiveHeight(),
		}
		if u.NextCoverID().Valid() {
			v.NextCoverPos = eventPos(u.NextCoverLocation())
		}
		for _, e := range u.Eyes() {
			v.Eyes = append(v.Eyes, vecArray(e))
		}
		return nil
	})
	return v, err
}

// FindCover ranks free cover around e against threat and returns the best
// id, or false when nothing usable is in range. With near set, cover is
// ranked by distance to near instead of to the agent.
func (w *World) FindCover(ctx context.Context, e ids.EntityID, threat mathx.Vec3, near *mathx.Vec3) (ids.CoverID, bool, error) {
	var (
		best  ids.CoverID
		found bool
	)
	err := w.withUser(ctx, e, func(a *agent, u *cover.User) error {
		sc := w.cfg.Tuning.Scoring
		origin, weights := a.pos, sc.Hide
		if near != nil {
			origin, weights = *near, sc.BreakViewNear
		}
		var (
			cands []scorer.Params
			cids  []ids.CoverID
		)
		offset := u.Params().DistanceToCover
		for _, id := range w.sys.Cover(origin, sc.SearchRadius, 0) {
			if occ, ok := w.sys.CoverOccupant(id); ok && occ != e {
				continue
			}
			if u.IsCoverBlacklisted(id) || w.sys.IsCoverPhysicallyOccupiedByAnyOtherUser(id, a.handle) {
				continue
			}
			loc, ok := w.sys.Location(id, offset)
			if !ok {
				continue
			}
			cands = append(cands, scorer.Params{
				Location:          loc.Position,
				Normal:            loc.Normal,
				From:              origin,
				MaxDistance:       sc.SearchRadius,
				Threat:            threat,
				MinThreatDistance: sc.MinThreatDistance,
				MaxThreatDistance: sc.MaxThreatDistance,
			})
			cids = append(cids, id)
		}
		if i, _ := scorer.Best(cands, weights); i >= 0 {
			best, found = cids[i], true
		}
		return nil
	})
	return best, found, err
}
