package dynamic

import "covercraft.ai/internal/sim/cover/sampler"

type Config struct {
	// Entities must move further than this from their last sample before
	// they are re-sampled.
	MoveThreshold float64 `yaml:"move_threshold"`
	// SettleTime is how long an entity must stay put before sampling.
	SettleTime float64 `yaml:"settle_time"`

	QueueSize            int     `yaml:"queue_size"`
	SamplesPerValidation int     `yaml:"samples_per_validation"`
	NegativeThreshold    int     `yaml:"negative_threshold"`
	RecheckInterval      float64 `yaml:"recheck_interval"`

	EyeDistance  float64 `yaml:"eye_distance"`
	ProbeDepth   float64 `yaml:"probe_depth"`
	HitTolerance float64 `yaml:"hit_tolerance"`
	RayMask      uint32  `yaml:"ray_mask"`

	CellSize float64 `yaml:"cell_size"`

	Sampler sampler.Config `yaml:"sampler"`
}

func DefaultConfig() Config {
	return Config{
		MoveThreshold:        0.1,
		SettleTime:           0.25,
		QueueSize:            128,
		SamplesPerValidation: 5,
		NegativeThreshold:    4,
		RecheckInterval:      5,
		EyeDistance:          1,
		ProbeDepth:           0.5,
		HitTolerance:         0.2,
		CellSize:             4,
		Sampler:              sampler.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MoveThreshold <= 0 {
		c.MoveThreshold = d.MoveThreshold
	}
	if c.SettleTime < 0 {
		c.SettleTime = d.SettleTime
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.SamplesPerValidation <= 0 {
		c.SamplesPerValidation = d.SamplesPerValidation
	}
	if c.NegativeThreshold < 0 {
		c.NegativeThreshold = d.NegativeThreshold
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = d.RecheckInterval
	}
	if c.EyeDistance <= 0 {
		c.EyeDistance = d.EyeDistance
	}
	if c.ProbeDepth <= 0 {
		c.ProbeDepth = d.ProbeDepth
	}
	if c.HitTolerance <= 0 {
		c.HitTolerance = d.HitTolerance
	}
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
}
