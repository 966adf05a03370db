package sink

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/gogpu/fractal"
)

// Baseline TIFF tags used by the stream header.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagExtraSamples    = 338

	typeShort = 3
	typeLong  = 4
)

const (
	streamEntries = 11
	ifdOffset     = 8
	bpsOffset     = ifdOffset + 2 + streamEntries*12 + 4
	dataOffset    = bpsOffset + 8
)

// Stream is an uncompressed RGBA TIFF with a single strip whose rows are
// written in place. Rows that are never written stay transparent.
type Stream struct {
	f             *os.File
	width, height int

	mu     sync.Mutex
	closed bool
}

// CreateStream creates path and reserves space for a width×height image.
func CreateStream(path string, width, height int) (*Stream, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("sink: stream size %dx%d", width, height)
	}
	size := int64(width) * int64(height) * 4
	if size+dataOffset > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, width, height)
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("sink: create stream: %w", err)
	}
	if _, err := f.Write(streamHeader(width, height)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sink: write header: %w", err)
	}
	if err := f.Truncate(dataOffset + size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sink: reserve %d bytes: %w", size, err)
	}

	fractal.Logger().Debug("sink: stream created", "path", path, "width", width, "height", height)
	return &Stream{f: f, width: width, height: height}, nil
}

func streamHeader(width, height int) []byte {
	le := binary.LittleEndian
	b := make([]byte, dataOffset)

	copy(b, "II")
	le.PutUint16(b[2:], 42)
	le.PutUint32(b[4:], ifdOffset)

	le.PutUint16(b[ifdOffset:], streamEntries)
	off := ifdOffset + 2
	entry := func(tag, typ uint16, count, value uint32) {
		le.PutUint16(b[off:], tag)
		le.PutUint16(b[off+2:], typ)
		le.PutUint32(b[off+4:], count)
		if typ == typeShort && count == 1 {
			le.PutUint16(b[off+8:], uint16(value))
		} else {
			le.PutUint32(b[off+8:], value)
		}
		off += 12
	}

	entry(tagImageWidth, typeLong, 1, uint32(width))
	entry(tagImageLength, typeLong, 1, uint32(height))
	entry(tagBitsPerSample, typeShort, 4, bpsOffset)
	entry(tagCompression, typeShort, 1, 1)
	entry(tagPhotometric, typeShort, 1, 2) // RGB
	entry(tagStripOffsets, typeLong, 1, dataOffset)
	entry(tagSamplesPerPixel, typeShort, 1, 4)
	entry(tagRowsPerStrip, typeLong, 1, uint32(height))
	entry(tagStripByteCounts, typeLong, 1, uint32(width*height*4))
	entry(tagPlanarConfig, typeShort, 1, 1)
	entry(tagExtraSamples, typeShort, 1, 2) // unassociated alpha
	le.PutUint32(b[off:], 0)                // no next IFD

	for i := range 4 {
		le.PutUint16(b[bpsOffset+2*i:], 8)
	}
	return b
}

// Width returns the image width.
func (s *Stream) Width() int { return s.width }

// Height returns the image height.
func (s *Stream) Height() int { return s.height }

// WriteRows implements RowStream.
func (s *Stream) WriteRows(start int, px []uint32) error {
	if len(px)%s.width != 0 {
		return fmt.Errorf("sink: %d pixels is not a whole number of rows", len(px))
	}
	rows := len(px) / s.width
	if start < 0 || start+rows > s.height {
		return fmt.Errorf("sink: rows [%d, %d) outside image of %d", start, start+rows, s.height)
	}

	b := make([]byte, len(px)*4)
	for i, c := range px {
		a, r, g, bl := fractal.UnpackARGB(c)
		b[i*4] = r
		b[i*4+1] = g
		b[i*4+2] = bl
		b[i*4+3] = a
	}

	off := int64(dataOffset) + int64(start)*int64(s.width)*4
	if _, err := s.f.WriteAt(b, off); err != nil {
		return fmt.Errorf("sink: write rows %d+%d: %w", start, rows, err)
	}
	return nil
}

// Close flushes the file to disk and closes it.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("sink: sync stream: %w", err)
	}
	return s.f.Close()
}
