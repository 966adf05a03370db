package fractal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Record version tags. Readers accept all three; writers emit Version.
const (
	Version              int32 = 0x13380002
	VersionNoGradientPow int32 = 0x13380001 // no gradient exponent, read as 1.0
	VersionLegacy        int32 = 0x13380000 // two unused ints after the zoom
)

// maxStops bounds the stop count read from a record.
const maxStops = 1 << 16

// Codec errors.
var (
	// ErrVersionMismatch is returned for unknown record version tags.
	ErrVersionMismatch = errors.New("fractal: parameter record version mismatch")

	// ErrCorruptParams is returned for records that decode to nonsense.
	ErrCorruptParams = errors.New("fractal: corrupt parameter record")
)

// recordWriter writes big-endian fields and remembers the first error.
type recordWriter struct {
	w   io.Writer
	n   int64
	err error
	buf [8]byte
}

func (rw *recordWriter) write(b []byte) {
	if rw.err != nil {
		return
	}
	n, err := rw.w.Write(b)
	rw.n += int64(n)
	rw.err = err
}

func (rw *recordWriter) int32(v int32) {
	binary.BigEndian.PutUint32(rw.buf[:4], uint32(v))
	rw.write(rw.buf[:4])
}

func (rw *recordWriter) float64(v float64) {
	binary.BigEndian.PutUint64(rw.buf[:8], math.Float64bits(v))
	rw.write(rw.buf[:8])
}

func (rw *recordWriter) bool(v bool) {
	rw.buf[0] = 0
	if v {
		rw.buf[0] = 1
	}
	rw.write(rw.buf[:1])
}

// WriteTo writes the current-version record. Width and Height are not part
// of the record.
func (p *Params) WriteTo(w io.Writer) (int64, error) {
	rw := &recordWriter{w: w}

	rw.int32(Version)
	rw.int32(int32(p.Kind))
	rw.float64(p.EscapeRadius)
	rw.int32(int32(p.MaxIterations))
	rw.bool(p.Adaptive)
	rw.float64(p.Zoom)
	rw.float64(real(p.Center))
	rw.float64(imag(p.Center))
	rw.float64(real(p.JuliaConstant))
	rw.float64(imag(p.JuliaConstant))
	rw.int32(int32(p.Interior))

	rw.int32(int32(len(p.Gradient)))
	for _, s := range p.Gradient {
		rw.float64(s.Position)
		rw.int32(int32(s.Color))
	}
	rw.float64(p.GradientExponent)

	if rw.err != nil {
		return rw.n, fmt.Errorf("fractal: write params: %w", rw.err)
	}
	return rw.n, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Params) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The viewport size
// of p is kept.
func (p *Params) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	q, err := ReadParams(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptParams, r.Len())
	}
	w, h := p.Width, p.Height
	*p = *q
	if w > 0 && h > 0 {
		p.Width, p.Height = w, h
	}
	return nil
}

// recordReader reads big-endian fields and remembers the first error.
type recordReader struct {
	r   io.Reader
	err error
	buf [8]byte
}

func (rr *recordReader) read(n int) []byte {
	if rr.err != nil {
		return rr.buf[:n:n]
	}
	if _, err := io.ReadFull(rr.r, rr.buf[:n]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: truncated", ErrCorruptParams)
		}
		rr.err = err
	}
	return rr.buf[:n]
}

func (rr *recordReader) int32() int32 {
	return int32(binary.BigEndian.Uint32(rr.read(4)))
}

func (rr *recordReader) float64() float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(rr.read(8)))
}

func (rr *recordReader) bool() bool {
	return rr.read(1)[0] != 0
}

// ReadParams reads exactly one record from r. The result gets the default
// viewport size. io.EOF is returned unchanged when r is empty, so stream
// readers can tell a closed peer from a broken record.
func ReadParams(r io.Reader) (*Params, error) {
	rr := &recordReader{r: r}

	version := rr.int32()
	if rr.err != nil {
		return nil, rr.err
	}
	legacy, omitPow := false, false
	switch version {
	case Version:
	case VersionNoGradientPow:
		omitPow = true
	case VersionLegacy:
		legacy = true
	default:
		return nil, fmt.Errorf("%w: tag %#x", ErrVersionMismatch, uint32(version))
	}

	p := &Params{Width: DefaultWidth, Height: DefaultHeight}
	p.Kind = Kind(rr.int32())
	p.EscapeRadius = rr.float64()
	p.MaxIterations = int(rr.int32())
	p.Adaptive = rr.bool()
	p.Zoom = rr.float64()
	if legacy {
		rr.int32()
		rr.int32()
	}
	cx, cy := rr.float64(), rr.float64()
	p.Center = complex(cx, cy)
	jr, ji := rr.float64(), rr.float64()
	p.JuliaConstant = complex(jr, ji)
	p.Interior = uint32(rr.int32())

	n := rr.int32()
	if rr.err == nil && (n < 0 || n > maxStops) {
		return nil, fmt.Errorf("%w: %d gradient stops", ErrCorruptParams, n)
	}
	if rr.err == nil {
		p.Gradient = make(Gradient, n)
		for i := range p.Gradient {
			p.Gradient[i].Position = rr.float64()
			p.Gradient[i].Color = uint32(rr.int32())
		}
	}

	p.GradientExponent = 1.0
	if !omitPow {
		p.GradientExponent = rr.float64()
	}

	if rr.err != nil {
		if errors.Is(rr.err, io.EOF) {
			return nil, fmt.Errorf("%w: truncated", ErrCorruptParams)
		}
		return nil, fmt.Errorf("fractal: read params: %w", rr.err)
	}
	return p, nil
}

// LoadParams reads a parameter file.
func LoadParams(path string) (*Params, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("fractal: open params: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadParams(bufio.NewReader(f))
}

// SaveParams writes a parameter file.
func (p *Params) SaveParams(path string) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("fractal: create params: %w", err)
	}
	if _, err := p.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
