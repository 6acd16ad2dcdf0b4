package world

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/protocol"
)

type subscriber struct {
	id    int
	ch    chan protocol.Event
	kinds map[string]bool // nil means every kind
}

type subscribeReq struct {
	Kinds []string
	Resp  chan *subscriber
}

// Subscribe streams world events until cancel is called or the world
// stops, at which point the channel is closed. Slow readers lose the
// oldest buffered events.
func (w *World) Subscribe(ctx context.Context, kinds []string) (<-chan protocol.Event, func(), error) {
	if w == nil || w.subReq == nil {
		return nil, nil, errors.New("event stream not available")
	}
	req := subscribeReq{Kinds: kinds, Resp: make(chan *subscriber, 1)}
	select {
	case w.subReq <- req:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-w.stop:
		return nil, nil, ErrStopped
	}
	var sub *subscriber
	select {
	case sub = <-req.Resp:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-w.stop:
		return nil, nil, ErrStopped
	}
	cancel := func() {
		select {
		case w.unsub <- sub.id:
		case <-w.stop:
		}
	}
	return sub.ch, cancel, nil
}

func (w *World) handleSubscribe(req subscribeReq) {
	w.nextSub++
	sub := &subscriber{id: w.nextSub, ch: make(chan protocol.Event, w.cfg.EventBuffer)}
	if len(req.Kinds) > 0 {
		sub.kinds = map[string]bool{}
		for _, k := range req.Kinds {
			sub.kinds[k] = true
		}
	}
	w.subs[sub.id] = sub
	req.Resp <- sub
}

func (w *World) handleUnsubscribe(id int) {
	sub := w.subs[id]
	if sub == nil {
		return
	}
	delete(w.subs, id)
	close(sub.ch)
}

func (w *World) closeSubscribers() {
	for id := range w.subs {
		w.handleUnsubscribe(id)
	}
}

// emit stamps ev with the current tick, audits it and fans it out.
func (w *World) emit(ev protocol.Event) {
	ev.Tick = w.tick.Load()
	if w.auditLogger != nil {
		entry := AuditEntry{
			Tick:    ev.Tick,
			Action:  ev.Kind,
			Surface: ev.Surface,
			Entity:  ev.Entity,
			Cover:   ev.Cover,
			Radius:  ev.Radius,
			Reason:  ev.Reason,
			Details: ev.Details,
		}
		if ev.Pos != nil {
			entry.Pos = *ev.Pos
		}
		if err := w.auditLogger.WriteAudit(entry); err != nil {
			w.log.WithError(err).WithField("action", ev.Kind).Warn("audit write failed")
		}
	}
	for _, sub := range w.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		sendLatest(sub.ch, ev)
	}
	w.log.WithFields(logrus.Fields{"kind": ev.Kind, "surface": ev.Surface, "entity": ev.Entity}).Debug("world event")
}

func sendLatest(ch chan protocol.Event, ev protocol.Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
