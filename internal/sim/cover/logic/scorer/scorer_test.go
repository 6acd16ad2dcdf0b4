package scorer

import (
	"testing"

	"covercraft.ai/internal/sim/cover/logic/mathx"
)

func baseParams() Params {
	return Params{
		Location:          mathx.V(0, -0.5, 0),
		Normal:            mathx.V(0, -1, 0),
		From:              mathx.V(0, -0.5, 0),
		MaxDistance:       10,
		Threat:            mathx.V(0, 20, 0),
		MinThreatDistance: 5,
		MaxThreatDistance: 15,
	}
}

func TestSubScores(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Params)
		fn   func(Params) float64
		want float64
	}{
		{"distance at origin", func(p *Params) {}, DistanceScore, 1},
		{"distance half", func(p *Params) { p.From = mathx.V(5, -0.5, 0) }, DistanceScore, 0.5},
		{"distance beyond", func(p *Params) { p.From = mathx.V(50, -0.5, 0) }, DistanceScore, 0},
		{"distance unset", func(p *Params) { p.MaxDistance = 0 }, DistanceScore, 0},
		{"angle behind", func(p *Params) {}, AngleScore, 1},
		{"angle agent side", func(p *Params) { p.Threat = mathx.V(0, -20, 0) }, AngleScore, 0},
		{"angle flank", func(p *Params) { p.Threat = mathx.V(20, -0.5, 0) }, AngleScore, 0.5},
		{"threat far", func(p *Params) {}, ThreatDistanceScore, 1},
		{"threat near", func(p *Params) { p.Threat = mathx.V(0, 2, 0) }, ThreatDistanceScore, 0},
		{"threat mid", func(p *Params) { p.Threat = mathx.V(0, 9.5, 0) }, ThreatDistanceScore, 0.5},
	}
	for _, tc := range cases {
		p := baseParams()
		tc.edit(&p)
		if got := tc.fn(p); mathAbs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestScore_WithinUnitRange(t *testing.T) {
	p := baseParams()
	for _, w := range []Weights{Hide, BreakViewNear, {Distance: 3, Angle: 1}} {
		if s := Score(p, w); s < 0 || s > 1 {
			t.Fatalf("score out of range: %v", s)
		}
	}
	if s := Score(p, Hide); mathAbs(s-1) > 1e-9 {
		t.Fatalf("ideal cover scored %v", s)
	}
	if s := Score(p, Weights{}); s != 0 {
		t.Fatalf("zero weights scored %v", s)
	}
}

func TestBest_PrefersCoverFacingThreat(t *testing.T) {
	good := baseParams()
	bad := baseParams()
	bad.Normal = mathx.V(0, 1, 0)

	idx, _ := Best([]Params{bad, good}, Hide)
	if idx != 1 {
		t.Fatalf("expected cover facing away from threat, got %d", idx)
	}
	if idx, s := Best(nil, Hide); idx != -1 || s != 0 {
		t.Fatalf("empty: %d %v", idx, s)
	}
}

func mathAbs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
