package fractal

import "math"

// kernel holds the per-render constants of the escape-time loop.
type kernel struct {
	julia    bool
	c        complex128
	maxIter  int
	r2       float64
	logR     float64
	gradient Gradient
	exponent float64
	interior uint32
}

func newKernel(p *Params) kernel {
	return kernel{
		julia:    p.Kind == Julia,
		c:        p.JuliaConstant,
		maxIter:  p.MaxIterations,
		r2:       p.EscapeRadius * p.EscapeRadius,
		logR:     math.Log(p.EscapeRadius),
		gradient: p.Gradient,
		exponent: p.GradientExponent,
		interior: p.Interior,
	}
}

// escape iterates from the plane point pt and returns the smooth escape
// value, or false if the orbit stays bounded for maxIter steps.
func (k *kernel) escape(pt complex128) (float64, bool) {
	zr, zi := 0.0, 0.0
	cr, ci := real(pt), imag(pt)
	if k.julia {
		zr, zi = cr, ci
		cr, ci = real(k.c), imag(k.c)
	}

	for n := 0; n < k.maxIter; n++ {
		zr2, zi2 := zr*zr, zi*zi
		if mod2 := zr2 + zi2; mod2 > k.r2 {
			return k.smooth(n, mod2), true
		}
		zi = 2*zr*zi + ci
		zr = zr2 - zi2 + cr
	}
	return 0, false
}

// smooth turns the integer escape count into a continuous value:
// n + 1 - log2(ln|z| / ln R).
func (k *kernel) smooth(n int, mod2 float64) float64 {
	if k.logR <= 0 {
		return float64(n)
	}
	lnz := 0.5 * math.Log(mod2)
	return float64(n) + 1 - math.Log2(lnz/k.logR)
}

func (k *kernel) color(pt complex128) uint32 {
	mu, ok := k.escape(pt)
	if !ok {
		return k.interior
	}
	t := clamp01(mu / float64(k.maxIter))
	if k.exponent != 1 {
		t = math.Pow(t, k.exponent)
	}
	return k.gradient.At(t)
}

// RenderStrip computes rows [start, end) of a width×height raster of p into
// dst, which must hold (end-start)·width pixels. The viewport transform uses
// width and height rather than p.Width and p.Height, so supersampled rasters
// cover the same region of the plane.
//
// RenderStrip is a pure function of its arguments and may run concurrently
// on disjoint destinations.
func RenderStrip(p *Params, width, height, start, end int, dst []uint32) {
	k := newKernel(p)
	zoom, cx, cy := p.Zoom, real(p.Center), imag(p.Center)

	for y := start; y < end; y++ {
		wy := yToWorld(y, height, zoom, cy)
		row := dst[(y-start)*width : (y-start+1)*width]
		for x := range row {
			wx := xToWorld(x, width, height, zoom, cx)
			row[x] = k.color(complex(wx, wy))
		}
	}
}
