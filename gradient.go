package fractal

import (
	"math"
	"sort"
)

// ColorStop is a colour at a position of a gradient.
type ColorStop struct {
	Position float64 // 0.0 to 1.0
	Color    uint32  // packed ARGB
}

// Gradient is an ordered list of colour stops. Positions must be
// non-decreasing; Params.Validate enforces this.
type Gradient []ColorStop

// DefaultGradient returns the gradient used by NewParams.
func DefaultGradient() Gradient {
	return Gradient{
		{Position: 0.0, Color: 0xFF000764},
		{Position: 0.16, Color: 0xFF206BCB},
		{Position: 0.42, Color: 0xFFEDFFFF},
		{Position: 0.6425, Color: 0xFFFFAA00},
		{Position: 0.8575, Color: 0xFF000200},
		{Position: 1.0, Color: 0xFF000764},
	}
}

// Clone returns a deep copy of the stops.
func (g Gradient) Clone() Gradient {
	if g == nil {
		return nil
	}
	out := make(Gradient, len(g))
	copy(out, g)
	return out
}

// sorted reports whether the stop positions are non-decreasing.
func (g Gradient) sorted() bool {
	return sort.SliceIsSorted(g, func(i, j int) bool {
		return g[i].Position < g[j].Position
	})
}

// At returns the colour at t. t is clamped to [0, 1]; positions outside the
// first and last stop take the edge colour.
func (g Gradient) At(t float64) uint32 {
	switch len(g) {
	case 0:
		return Transparent
	case 1:
		return g[0].Color
	}

	t = clamp01(t)

	idx := sort.Search(len(g), func(i int) bool {
		return g[i].Position >= t
	})
	if idx == 0 {
		return g[0].Color
	}
	if idx >= len(g) {
		return g[len(g)-1].Color
	}

	s1, s2 := g[idx-1], g[idx]
	if s2.Position == s1.Position {
		return s1.Color
	}
	return lerpARGB(s1.Color, s2.Color, (t-s1.Position)/(s2.Position-s1.Position))
}

func lerpARGB(c1, c2 uint32, t float64) uint32 {
	a1, r1, g1, b1 := UnpackARGB(c1)
	a2, r2, g2, b2 := UnpackARGB(c2)
	return PackARGB(
		lerp8(a1, a2, t),
		lerp8(r1, r2, t),
		lerp8(g1, g2, t),
		lerp8(b1, b2, t),
	)
}

func lerp8(a, b uint8, t float64) uint8 {
	v := float64(a) + (float64(b)-float64(a))*t
	return uint8(math.Round(math.Max(0, math.Min(255, v))))
}

func clamp01(x float64) float64 {
	if x < 0 || math.IsNaN(x) {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
