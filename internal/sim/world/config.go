package world

import "covercraft.ai/internal/sim/tuning"

type WorldConfig struct {
	ID         string
	TickRateHz int

	Tuning tuning.Tuning

	// EventBuffer is the per-subscriber channel size. Slow subscribers
	// lose their oldest events.
	EventBuffer int
}

func (c *WorldConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "world_1"
	}
	if c.Tuning.TickRateHz <= 0 {
		c.Tuning = tuning.Defaults()
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = c.Tuning.TickRateHz
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}
