package mathx

import (
	"math"
	"testing"
)

func TestFloorDiv_NegativeCoordinates(t *testing.T) {
	cases := []struct {
		v, cell float64
		want    int
	}{
		{v: 0, cell: 2, want: 0},
		{v: 1.9, cell: 2, want: 0},
		{v: 2, cell: 2, want: 1},
		{v: -0.1, cell: 2, want: -1},
		{v: -2, cell: 2, want: -1},
		{v: -2.1, cell: 2, want: -2},
	}
	for _, c := range cases {
		if got := FloorDiv(c.v, c.cell); got != c.want {
			t.Fatalf("FloorDiv(%v,%v)=%d want %d", c.v, c.cell, got, c.want)
		}
	}
}

func TestIntersectSegments2D(t *testing.T) {
	ta, tb, ok := IntersectSegments2D(V(0, -1, 0), V(0, 1, 5), V(-1, 0, 0), V(1, 0, 0))
	if !ok {
		t.Fatalf("expected crossing")
	}
	if math.Abs(ta-0.5) > 1e-9 || math.Abs(tb-0.5) > 1e-9 {
		t.Fatalf("ta=%v tb=%v", ta, tb)
	}
	if _, _, ok := IntersectSegments2D(V(0, 0, 0), V(1, 0, 0), V(0, 1, 0), V(1, 1, 0)); ok {
		t.Fatalf("parallel segments must not intersect")
	}
	if _, _, ok := IntersectSegments2D(V(0, -1, 0), V(0, -0.5, 0), V(-1, 0, 0), V(1, 0, 0)); ok {
		t.Fatalf("short segment must not reach")
	}
}

func TestRotateZ_QuarterTurn(t *testing.T) {
	r := RotateZ(V(1, 0, 3), math.Pi/2)
	if math.Abs(r.X) > 1e-9 || math.Abs(r.Y-1) > 1e-9 || r.Z != 3 {
		t.Fatalf("RotateZ=%+v", r)
	}
}
