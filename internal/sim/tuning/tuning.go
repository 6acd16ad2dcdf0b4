package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/dynamic"
	"covercraft.ai/internal/sim/cover/logic/scorer"
	"covercraft.ai/internal/sim/cover/sampler"
)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	Spatial      Spatial        `yaml:"spatial"`
	Cache        Cache          `yaml:"cache"`
	Occupancy    Occupancy      `yaml:"occupancy"`
	UserDefaults UserDefaults   `yaml:"user_defaults"`
	Scoring      Scoring        `yaml:"scoring"`
	Sampler      sampler.Config `yaml:"sampler"`
	Dynamic      dynamic.Config `yaml:"dynamic"`
}

type Spatial struct {
	CellSize float64 `yaml:"cell_size"`
	Use3D    bool    `yaml:"use_3d"`
}

type Cache struct {
	MaxPathsPerSurface int     `yaml:"max_paths_per_surface"`
	PathPrecision      float64 `yaml:"path_precision"`
}

type Occupancy struct {
	Strict           bool    `yaml:"strict"`
	CompromiseRadius float64 `yaml:"compromise_radius"`
}

type UserDefaults struct {
	DistanceToCover    float64 `yaml:"distance_to_cover"`
	InCoverRadius      float64 `yaml:"in_cover_radius"`
	MinEffectiveHeight float64 `yaml:"min_effective_height"`
	BlacklistDuration  float64 `yaml:"blacklist_duration"`
}

type Scoring struct {
	Hide              scorer.Weights `yaml:"hide"`
	BreakViewNear     scorer.Weights `yaml:"break_view_near"`
	SearchRadius      float64        `yaml:"search_radius"`
	MinThreatDistance float64        `yaml:"min_threat_distance"`
	MaxThreatDistance float64        `yaml:"max_threat_distance"`
}

func Defaults() Tuning {
	c := cover.DefaultConfig()
	d := dynamic.DefaultConfig()
	return Tuning{
		TickRateHz: 20,
		Spatial:    Spatial{CellSize: c.CellSize, Use3D: c.Use3D},
		Cache:      Cache{MaxPathsPerSurface: c.MaxPathsPerSurface, PathPrecision: c.PathPrecision},
		Occupancy:  Occupancy{Strict: c.StrictOccupancy, CompromiseRadius: c.CompromiseRadius},
		UserDefaults: UserDefaults{
			DistanceToCover:    0.5,
			InCoverRadius:      0.3,
			MinEffectiveHeight: 0.8,
			BlacklistDuration:  10,
		},
		Scoring: Scoring{
			Hide:              scorer.Hide,
			BreakViewNear:     scorer.BreakViewNear,
			SearchRadius:      15,
			MinThreatDistance: 3,
			MaxThreatDistance: 30,
		},
		Sampler: d.Sampler,
		Dynamic: d,
	}
}

// Load reads cover.yaml. Fields the file leaves out keep their defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("cover.yaml: %w", err)
	}
	if t.TickRateHz <= 0 {
		return t, fmt.Errorf("cover.yaml: tick_rate_hz must be positive, got %d", t.TickRateHz)
	}
	return t, nil
}

func (t Tuning) CoverConfig() cover.Config {
	return cover.Config{
		CellSize:           t.Spatial.CellSize,
		Use3D:              t.Spatial.Use3D,
		MaxPathsPerSurface: t.Cache.MaxPathsPerSurface,
		PathPrecision:      t.Cache.PathPrecision,
		StrictOccupancy:    t.Occupancy.Strict,
		CompromiseRadius:   t.Occupancy.CompromiseRadius,
	}
}

// DynamicConfig folds the top-level sampler section into the dynamic
// manager's config.
func (t Tuning) DynamicConfig() dynamic.Config {
	d := t.Dynamic
	d.Sampler = t.Sampler
	return d
}

// UserParams fills in the tunable parameters for a new cover user.
func (t Tuning) UserParams(p cover.UserParams) cover.UserParams {
	if p.DistanceToCover <= 0 {
		p.DistanceToCover = t.UserDefaults.DistanceToCover
	}
	if p.InCoverRadius <= 0 {
		p.InCoverRadius = t.UserDefaults.InCoverRadius
	}
	if p.MinEffectiveHeight <= 0 {
		p.MinEffectiveHeight = t.UserDefaults.MinEffectiveHeight
	}
	if p.BlacklistDuration <= 0 {
		p.BlacklistDuration = t.UserDefaults.BlacklistDuration
	}
	return p
}
