package cover

import "covercraft.ai/internal/sim/cover/logic/ids"

// Blacklist maps cover ids to the seconds left before they may be used again.
type Blacklist map[ids.CoverID]float64

func (b Blacklist) Set(id ids.CoverID, on bool, seconds float64) {
	if !on {
		delete(b, id)
		return
	}
	b[id] = seconds
}

func (b Blacklist) Has(id ids.CoverID) bool {
	_, ok := b[id]
	return ok
}

// Decay subtracts dt from every entry and drops those at or below zero.
func (b Blacklist) Decay(dt float64) {
	for id, left := range b {
		left -= dt
		if left <= 0 {
			delete(b, id)
			continue
		}
		b[id] = left
	}
}
