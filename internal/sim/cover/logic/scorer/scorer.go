// Package scorer ranks candidate cover locations. Every function is pure and
// safe to call from any goroutine.
package scorer

import (
	"math"

	"covercraft.ai/internal/sim/cover/logic/mathx"
)

// Weights blend the three sub-scores. They need not sum to one; Score
// normalizes by their total.
type Weights struct {
	Distance       float64 `yaml:"distance" json:"distance"`
	Angle          float64 `yaml:"angle" json:"angle"`
	ThreatDistance float64 `yaml:"threat_distance" json:"threat_distance"`
}

var (
	// Hide prefers covers that face the threat squarely.
	Hide = Weights{Distance: 0.4, Angle: 0.4, ThreatDistance: 0.2}
	// BreakViewNear prefers covers close to a point the agent must stay near.
	BreakViewNear = Weights{Distance: 0.5, Angle: 0.3, ThreatDistance: 0.2}
)

type Params struct {
	Location mathx.Vec3
	Normal   mathx.Vec3 // outward, away from the obstacle

	// From is where distance is measured from: the agent for Hide, the
	// point to stay near for BreakViewNear.
	From        mathx.Vec3
	MaxDistance float64

	Threat            mathx.Vec3
	MinThreatDistance float64
	MaxThreatDistance float64
}

// DistanceScore is 1 at From and falls linearly to 0 at MaxDistance.
func DistanceScore(p Params) float64 {
	if p.MaxDistance <= 0 {
		return 0
	}
	return 1 - mathx.Clamp(p.Location.Dist(p.From)/p.MaxDistance, 0, 1)
}

// AngleScore is 1 when the threat sits straight behind the surface and 0
// when it stands on the agent's side.
func AngleScore(p Params) float64 {
	toThreat := p.Threat.Sub(p.Location).Flat()
	n := p.Normal.Flat()
	if toThreat.IsZero() || n.IsZero() {
		return 0
	}
	return (1 - n.Normalized().Dot(toThreat.Normalized())) / 2
}

// ThreatDistanceScore ramps from 0 at MinThreatDistance to 1 at
// MaxThreatDistance. With no band configured any distance scores 1.
func ThreatDistanceScore(p Params) float64 {
	d := p.Location.Dist(p.Threat)
	span := p.MaxThreatDistance - p.MinThreatDistance
	if span <= 0 {
		if d < p.MinThreatDistance {
			return 0
		}
		return 1
	}
	return mathx.Clamp((d-p.MinThreatDistance)/span, 0, 1)
}

// Score returns the weighted blend of the sub-scores in [0,1].
func Score(p Params, w Weights) float64 {
	total := w.Distance + w.Angle + w.ThreatDistance
	if total <= 0 {
		return 0
	}
	s := w.Distance*DistanceScore(p) + w.Angle*AngleScore(p) + w.ThreatDistance*ThreatDistanceScore(p)
	return mathx.Clamp(s/total, 0, 1)
}

// Best returns the index of the highest scoring candidate, or -1 if there is
// none. Ties keep the earlier candidate.
func Best(cands []Params, w Weights) (int, float64) {
	best, bestScore := -1, math.Inf(-1)
	for i, c := range cands {
		if s := Score(c, w); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestScore
}
