package fractal

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/gogpu/fractal/internal/pixbuf"
)

// Job errors.
var (
	// ErrSupersampling is returned for factors that are not a power of two.
	ErrSupersampling = errors.New("fractal: supersampling must be a power of two")

	// ErrBufferSize is returned when a caller-supplied buffer has the wrong length.
	ErrBufferSize = errors.New("fractal: pixel buffer size mismatch")

	// ErrTooLarge is returned when the supersampled raster cannot be addressed.
	ErrTooLarge = errors.New("fractal: raster too large")

	// ErrRowRange is returned for row ranges outside the raster.
	ErrRowRange = errors.New("fractal: row range out of bounds")
)

// maxPixels bounds a raster so that pixel offsets fit the wire format.
const maxPixels = math.MaxInt32

// Job is a pixel buffer bound to one parameter snapshot.
//
// The buffer is Width()·Height() pixels, that is the viewport size of
// Params multiplied by Supersampling on both axes. While a job is being
// rendered its buffer belongs to the renderer; once the completion
// callback has run it is read-only.
type Job struct {
	Params        *Params
	Supersampling int
	Stamp         uint64

	width, height int
	pixels        []uint32
	pooled        bool
}

// NewJob validates p and allocates the job's buffer. A nil buf yields a
// zeroed buffer from the pool; a non-nil buf must have exactly the
// supersampled size, is used as is and stays owned by the caller.
func NewJob(p *Params, supersampling int, stamp uint64, buf []uint32) (*Job, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if supersampling < 1 || supersampling&(supersampling-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrSupersampling, supersampling)
	}

	w := int64(p.Width) * int64(supersampling)
	h := int64(p.Height) * int64(supersampling)
	if w*h > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, w, h)
	}
	n := int(w * h)

	pooled := buf == nil
	if pooled {
		buf = pixbuf.Get(n)
	} else if len(buf) != n {
		return nil, fmt.Errorf("%w: have %d pixels, need %d", ErrBufferSize, len(buf), n)
	}

	return &Job{
		Params:        p,
		Supersampling: supersampling,
		Stamp:         stamp,
		width:         int(w),
		height:        int(h),
		pixels:        buf,
		pooled:        pooled,
	}, nil
}

// Width returns the raster width in pixels.
func (j *Job) Width() int { return j.width }

// Height returns the raster height in pixels.
func (j *Job) Height() int { return j.height }

// Pixels returns the raster, row-major.
func (j *Job) Pixels() []uint32 { return j.pixels }

// Rows returns the sub-slice holding rows [start, end).
func (j *Job) Rows(start, end int) ([]uint32, error) {
	if start < 0 || end > j.height || start > end {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrRowRange, start, end, j.height)
	}
	return j.pixels[start*j.width : end*j.width], nil
}

// WriteRows copies whole rows into the raster starting at row start.
func (j *Job) WriteRows(start int, px []uint32) error {
	if j.width == 0 || len(px)%j.width != 0 {
		return fmt.Errorf("%w: %d pixels is not a whole number of rows", ErrRowRange, len(px))
	}
	dst, err := j.Rows(start, start+len(px)/j.width)
	if err != nil {
		return err
	}
	copy(dst, px)
	return nil
}

// ResizeBack box-filters the raster down to the viewport size. Each output
// pixel is the alpha-weighted mean of its S×S block, so a block of one
// colour reproduces that colour exactly. A factor of 1 is a no-op.
// The raster is reduced in place.
func (j *Job) ResizeBack() {
	s := j.Supersampling
	if s <= 1 {
		return
	}

	ow, oh := j.width/s, j.height/s
	n := uint64(s * s)
	src := j.pixels

	for y := range oh {
		for x := range ow {
			// Sums of a·c reach 255·255·S², past uint32 from S = 512.
			var sa, sr, sg, sb uint64
			for dy := range s {
				row := src[(y*s+dy)*j.width+x*s:]
				for _, c := range row[:s] {
					a, r, g, b := UnpackARGB(c)
					a64 := uint64(a)
					sa += a64
					sr += a64 * uint64(r)
					sg += a64 * uint64(g)
					sb += a64 * uint64(b)
				}
			}

			var out uint32
			if sa > 0 {
				out = PackARGB(
					uint8((sa+n/2)/n),
					uint8((sr+sa/2)/sa),
					uint8((sg+sa/2)/sa),
					uint8((sb+sa/2)/sa),
				)
			}
			// Output index y*ow+x never exceeds the first source index of
			// any block not yet visited.
			src[y*ow+x] = out
		}
	}

	j.pixels = src[:ow*oh]
	j.width, j.height = ow, oh
	j.Supersampling = 1
}

// Image returns a copy of the raster as an *image.NRGBA.
func (j *Job) Image() *image.NRGBA {
	return ToNRGBA(j.pixels, j.width, j.height)
}

// Release hands a pool buffer back for reuse by later jobs. A buffer passed
// to NewJob is only dropped, never pooled. The job must not be used
// afterwards.
func (j *Job) Release() {
	if j.pixels == nil {
		return
	}
	if j.pooled {
		pixbuf.Put(j.pixels[:cap(j.pixels)])
	}
	j.pixels = nil
}
