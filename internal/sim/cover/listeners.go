package cover

import "covercraft.ai/internal/sim/cover/logic/ids"

type SurfaceEventKind int

const (
	SurfaceAdded SurfaceEventKind = iota + 1
	SurfaceUpdated
	SurfaceRemoved
)

func (k SurfaceEventKind) String() string {
	switch k {
	case SurfaceAdded:
		return "ADDED"
	case SurfaceUpdated:
		return "UPDATED"
	case SurfaceRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

type SurfaceEvent struct {
	Kind    SurfaceEventKind
	Surface ids.SurfaceID
	Dynamic bool
}

// SurfaceListener is notified synchronously, from inside the mutating call.
// Listeners must not mutate the System from the callback.
type SurfaceListener interface {
	OnSurfaceEvent(ev SurfaceEvent)
}

// SurfaceListenerFunc adapts a function; register a pointer to it so that
// RemoveListener can find it again.
type SurfaceListenerFunc func(ev SurfaceEvent)

func (f *SurfaceListenerFunc) OnSurfaceEvent(ev SurfaceEvent) { (*f)(ev) }

func (s *System) AddListener(l SurfaceListener) {
	for _, x := range s.listeners {
		if x == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *System) RemoveListener(l SurfaceListener) {
	for i, x := range s.listeners {
		if x == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *System) notify(ev SurfaceEvent) {
	if len(s.listeners) == 0 {
		return
	}
	ls := append([]SurfaceListener(nil), s.listeners...)
	for _, l := range ls {
		l.OnSurfaceEvent(ev)
	}
}
