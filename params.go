package fractal

import (
	"errors"
	"fmt"
	"math"
)

// Kind selects the iterated formula.
type Kind int32

const (
	// Mandelbrot iterates z ← z² + c with z₀ = 0 and c the plane coordinate.
	Mandelbrot Kind = 0
	// Julia iterates z ← z² + c with z₀ the plane coordinate and c fixed.
	Julia Kind = 1
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Mandelbrot:
		return "mandelbrot"
	case Julia:
		return "julia"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "mandelbrot":
		return Mandelbrot, nil
	case "julia":
		return Julia, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, s)
}

// Defaults.
const (
	// DefaultMaxIterations is also the floor applied by adaptive depth.
	DefaultMaxIterations = 100
	DefaultZoom          = 1.0
	DefaultEscapeRadius  = 32.0
	DefaultWidth         = 100
	DefaultHeight        = 100

	// ZoomStep is the factor applied by ZoomIn; ZoomOut divides by it.
	ZoomStep = 0.9

	// adaptiveFactor scales the decimal exponent of the zoom into an
	// iteration count.
	adaptiveFactor = 95
)

// ErrInvalidParams is wrapped by every Params validation failure.
var ErrInvalidParams = errors.New("fractal: invalid parameters")

// Params is the complete description of one fractal image.
//
// Params values are shared between the renderer, remote nodes and the
// history stack. A Params that has been handed to a Job, a History or a
// connection must not be modified; Clone it first.
type Params struct {
	Kind             Kind
	MaxIterations    int
	EscapeRadius     float64
	Adaptive         bool
	Zoom             float64 // half the visible height in plane units
	Center           complex128
	JuliaConstant    complex128
	Gradient         Gradient
	GradientExponent float64
	Interior         uint32 // packed ARGB for points that never escape

	// Width and Height are the viewport size in pixels.
	Width, Height int
}

// NewParams returns the default parameter set.
func NewParams() *Params {
	return &Params{
		Kind:             Julia,
		MaxIterations:    DefaultMaxIterations,
		EscapeRadius:     DefaultEscapeRadius,
		Adaptive:         true,
		Zoom:             DefaultZoom,
		JuliaConstant:    complex(-0.46, 0.58),
		Gradient:         DefaultGradient(),
		GradientExponent: 1.0,
		Interior:         Black,
		Width:            DefaultWidth,
		Height:           DefaultHeight,
	}
}

// Clone returns a deep copy, gradient stops included.
func (p *Params) Clone() *Params {
	c := *p
	c.Gradient = p.Gradient.Clone()
	return &c
}

// Validate checks the invariants every renderer relies on.
func (p *Params) Validate() error {
	switch {
	case p.Kind != Mandelbrot && p.Kind != Julia:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidParams, int32(p.Kind))
	case p.MaxIterations <= 0:
		return fmt.Errorf("%w: max iterations %d", ErrInvalidParams, p.MaxIterations)
	case p.Adaptive && p.MaxIterations < DefaultMaxIterations:
		return fmt.Errorf("%w: adaptive depth needs at least %d iterations, have %d",
			ErrInvalidParams, DefaultMaxIterations, p.MaxIterations)
	case !(p.EscapeRadius > 0):
		return fmt.Errorf("%w: escape radius %v", ErrInvalidParams, p.EscapeRadius)
	case !(p.Zoom > 0) || math.IsInf(p.Zoom, 1):
		return fmt.Errorf("%w: zoom %v", ErrInvalidParams, p.Zoom)
	case !(p.GradientExponent > 0):
		return fmt.Errorf("%w: gradient exponent %v", ErrInvalidParams, p.GradientExponent)
	case len(p.Gradient) == 0:
		return fmt.Errorf("%w: empty gradient", ErrInvalidParams)
	case !p.Gradient.sorted():
		return fmt.Errorf("%w: gradient stops out of order", ErrInvalidParams)
	case p.Width <= 0 || p.Height <= 0:
		return fmt.Errorf("%w: viewport %dx%d", ErrInvalidParams, p.Width, p.Height)
	}
	return nil
}

// XToWorld maps a pixel column to the real axis. Scaling is relative to
// the height so the aspect ratio does not depend on the window shape.
func (p *Params) XToWorld(x int) float64 {
	return xToWorld(x, p.Width, p.Height, p.Zoom, real(p.Center))
}

// YToWorld maps a pixel row to the imaginary axis.
func (p *Params) YToWorld(y int) float64 {
	return yToWorld(y, p.Height, p.Zoom, imag(p.Center))
}

func xToWorld(x, width, height int, zoom, cx float64) float64 {
	t := 2 * float64(x) / float64(height)
	t -= float64(width) / float64(height)
	return t*zoom + cx
}

func yToWorld(y, height int, zoom, cy float64) float64 {
	t := 2*float64(y)/float64(height) - 1
	return t*zoom + cy
}

// AdjustAdaptive recomputes MaxIterations from the zoom when adaptive depth
// is enabled: max(DefaultMaxIterations, round(-log10(zoom) * 95)).
func (p *Params) AdjustAdaptive() {
	if !p.Adaptive {
		return
	}
	n := int(math.Round(-math.Log10(p.Zoom) * adaptiveFactor))
	p.MaxIterations = max(DefaultMaxIterations, n)
}

// SetAdaptive toggles adaptive depth.
func (p *Params) SetAdaptive(on bool) {
	p.Adaptive = on
	p.AdjustAdaptive()
}

// SetZoom sets the zoom. Non-positive values are ignored.
func (p *Params) SetZoom(z float64) {
	if !(z > 0) {
		return
	}
	p.Zoom = z
	p.AdjustAdaptive()
}

// ZoomIn magnifies by one ZoomStep.
func (p *Params) ZoomIn() { p.SetZoom(p.Zoom * ZoomStep) }

// ZoomOut reverses one ZoomIn.
func (p *Params) ZoomOut() { p.SetZoom(p.Zoom / ZoomStep) }

// Recenter moves the centre to the plane point under pixel (x, y).
func (p *Params) Recenter(x, y int) {
	p.Center = complex(p.XToWorld(x), p.YToWorld(y))
}

// Pan shifts the view so the point under (fromX, fromY) ends up under
// (toX, toY).
func (p *Params) Pan(fromX, fromY, toX, toY int) {
	dx := p.XToWorld(toX) - p.XToWorld(fromX)
	dy := p.YToWorld(toY) - p.YToWorld(fromY)
	p.Center -= complex(dx, dy)
}

// ZoomBox zooms onto the pixel rectangle spanned by two corners. The longer
// side of the box is fitted to the viewport.
func (p *Params) ZoomBox(x0, y0, x1, y1 int) {
	x, y := min(x0, x1), min(y0, y1)
	w, h := abs(x1-x0), abs(y1-y0)
	if w == 0 && h == 0 {
		return
	}

	cw := p.XToWorld(p.Width) - p.XToWorld(0)
	ch := p.YToWorld(p.Height) - p.YToWorld(0)
	dw := p.XToWorld(x+w) - p.XToWorld(x)
	dh := p.YToWorld(y+h) - p.YToWorld(y)

	p.Center = complex(p.XToWorld(x+w/2), p.YToWorld(y+h/2))
	if w > h {
		p.Zoom /= cw / dw
	} else {
		p.Zoom /= ch / dh
	}
	p.AdjustAdaptive()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
