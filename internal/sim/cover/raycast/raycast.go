// Package raycast describes the asynchronous ray-intersection collaborator
// and the mailbox its results are delivered through.
package raycast

import (
	"sync"

	"covercraft.ai/internal/sim/cover/logic/mathx"
)

type RequestID uint64

// Request is a ray from Origin along Direction. The length of Direction is
// the maximum distance tested.
type Request struct {
	Origin    mathx.Vec3
	Direction mathx.Vec3
	Mask      uint32
}

type Result struct {
	ID       RequestID
	Hit      bool
	Point    mathx.Vec3
	Normal   mathx.Vec3
	Distance float64
}

// Sink receives results. Implementations must tolerate calls from any
// goroutine.
type Sink interface {
	Post(Result)
}

// Service queues ray tests and later posts each result to the sink it was
// queued with. After Cancel returns the service must not post that id.
type Service interface {
	Queue(req Request, sink Sink) RequestID
	Cancel(id RequestID)
}

// Mailbox buffers results until the owning tick drains them.
type Mailbox struct {
	mu    sync.Mutex
	ready []Result
}

func NewMailbox() *Mailbox { return &Mailbox{} }

func (m *Mailbox) Post(r Result) {
	m.mu.Lock()
	m.ready = append(m.ready, r)
	m.mu.Unlock()
}

// Drain appends every buffered result to out in arrival order and empties
// the mailbox.
func (m *Mailbox) Drain(out []Result) []Result {
	m.mu.Lock()
	out = append(out, m.ready...)
	m.ready = m.ready[:0]
	m.mu.Unlock()
	return out
}

// Forget drops a buffered result that has not been drained yet.
func (m *Mailbox) Forget(id RequestID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.ready {
		if r.ID == id {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}
