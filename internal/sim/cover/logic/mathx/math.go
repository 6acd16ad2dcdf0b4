package mathx

import "math"

// Epsilon used for parallel/degenerate checks.
const Epsilon = 1e-6

// Vec3 is a world-space vector. Z is up.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

var Up = Vec3{Z: 1}

func V(x, y, z float64) Vec3 { return Vec3{X: x, Y: y, Z: z} }

func (a Vec3) Add(b Vec3) Vec3       { return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func (a Vec3) Sub(b Vec3) Vec3       { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (a Vec3) Scale(s float64) Vec3  { return Vec3{a.X * s, a.Y * s, a.Z * s} }
func (a Vec3) Dot(b Vec3) float64    { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func (a Vec3) LenSq() float64        { return a.Dot(a) }
func (a Vec3) Len() float64          { return math.Sqrt(a.LenSq()) }
func (a Vec3) Flat() Vec3            { return Vec3{a.X, a.Y, 0} }
func (a Vec3) IsZero() bool          { return a == Vec3{} }
func (a Vec3) Dist(b Vec3) float64   { return a.Sub(b).Len() }
func (a Vec3) DistSq(b Vec3) float64 { return a.Sub(b).LenSq() }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a.Y*b.Z - a.Z*b.Y,
		a.Z*b.X - a.X*b.Z,
		a.X*b.Y - a.Y*b.X,
	}
}

// Dist2D ignores Z.
func (a Vec3) Dist2D(b Vec3) float64 { return a.Flat().Dist(b.Flat()) }

func (a Vec3) Normalized() Vec3 {
	l := a.Len()
	if l < Epsilon {
		return Vec3{}
	}
	return a.Scale(1 / l)
}

func Lerp(a, b Vec3, t float64) Vec3 { return a.Add(b.Sub(a).Scale(t)) }

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FloorDiv returns floor(v/cell) as an int cell coordinate. cell > 0.
func FloorDiv(v, cell float64) int {
	return int(math.Floor(v / cell))
}

// RotateZ rotates v around the up axis by yaw radians.
func RotateZ(v Vec3, yaw float64) Vec3 {
	s, c := math.Sincos(yaw)
	return Vec3{v.X*c - v.Y*s, v.X*s + v.Y*c, v.Z}
}

// IntersectSegments2D intersects segments a0-a1 and b0-b1 projected onto XY.
// ta and tb are the parametric positions along each segment.
func IntersectSegments2D(a0, a1, b0, b1 Vec3) (ta, tb float64, ok bool) {
	dax, day := a1.X-a0.X, a1.Y-a0.Y
	dbx, dby := b1.X-b0.X, b1.Y-b0.Y
	den := dax*dby - day*dbx
	if math.Abs(den) < Epsilon {
		return 0, 0, false
	}
	ox, oy := b0.X-a0.X, b0.Y-a0.Y
	ta = (ox*dby - oy*dbx) / den
	tb = (ox*day - oy*dax) / den
	if ta < 0 || ta > 1 || tb < 0 || tb > 1 {
		return 0, 0, false
	}
	return ta, tb, true
}

// ClosestOnSegment returns the parametric position on a-b closest to p.
func ClosestOnSegment(a, b, p Vec3) float64 {
	ab := b.Sub(a)
	l2 := ab.LenSq()
	if l2 < Epsilon {
		return 0
	}
	return Clamp(p.Sub(a).Dot(ab)/l2, 0, 1)
}
