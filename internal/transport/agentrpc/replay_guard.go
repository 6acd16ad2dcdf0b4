package agentrpc

import (
	"sync"
	"time"
)

const maxRememberedNonces = 65536

type nonceEntry struct {
	key     string
	expires time.Time
}

// replayGuard remembers (agent, nonce) pairs for ttl so a captured signed
// request cannot be resent inside the signature window. Entries expire in
// insertion order, so pruning only ever looks at the front of the queue.
type replayGuard struct {
	mu    sync.Mutex
	ttl   time.Duration
	seen  map[string]time.Time
	order []nonceEntry
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 2 * signatureWindow
	}
	return &replayGuard{ttl: ttl, seen: map[string]time.Time{}}
}

func (g *replayGuard) allow(sessionKey, nonce string, now time.Time) bool {
	if g == nil || nonce == "" {
		return true
	}
	key := sessionKey + "|" + nonce

	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked(now)
	if exp, ok := g.seen[key]; ok && exp.After(now) {
		return false
	}
	exp := now.Add(g.ttl)
	g.seen[key] = exp
	g.order = append(g.order, nonceEntry{key: key, expires: exp})
	for len(g.order) > maxRememberedNonces {
		g.dropFrontLocked()
	}
	return true
}

func (g *replayGuard) expireLocked(now time.Time) {
	for len(g.order) > 0 && !g.order[0].expires.After(now) {
		g.dropFrontLocked()
	}
}

func (g *replayGuard) dropFrontLocked() {
	e := g.order[0]
	g.order[0] = nonceEntry{}
	g.order = g.order[1:]
	// A re-admitted key has a newer expiry; keep it.
	if exp, ok := g.seen[e.key]; ok && exp.Equal(e.expires) {
		delete(g.seen, e.key)
	}
}

func (g *replayGuard) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
