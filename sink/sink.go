// Package sink persists rendered rasters.
//
// A Sink receives a finished raster. A RowStream receives rows as they
// arrive from render nodes, so outputs larger than memory never have to be
// assembled in one buffer.
package sink

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/gogpu/fractal"
)

// Sink errors.
var (
	// ErrUnsupportedFormat is returned for unknown output formats.
	ErrUnsupportedFormat = errors.New("sink: unsupported format")

	// ErrBadDestination is returned for destinations Open cannot parse.
	ErrBadDestination = errors.New("sink: bad destination")

	// ErrTooLarge is returned when a streamed image exceeds the TIFF size limit.
	ErrTooLarge = errors.New("sink: image too large")
)

// Sink stores a complete raster of packed ARGB pixels.
type Sink interface {
	WritePixels(ctx context.Context, px []uint32, width, height int) error
}

// RowStream stores an image row range by row range. WriteRows may be
// called concurrently for disjoint ranges.
type RowStream interface {
	WriteRows(start int, px []uint32) error
	Close() error
}

// Format is an output encoding.
type Format int

const (
	// TIFF is baseline RGBA TIFF.
	TIFF Format = iota
	// PNG is 8-bit RGBA PNG.
	PNG
)

func (f Format) String() string {
	switch f {
	case TIFF:
		return "tiff"
	case PNG:
		return "png"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// FormatFor picks the format from a file name. Anything that is not
// .png is written as TIFF.
func FormatFor(name string) Format {
	if strings.EqualFold(filepath.Ext(name), ".png") {
		return PNG
	}
	return TIFF
}

// Compression selects TIFF compression.
type Compression string

const (
	None    Compression = "none"
	Deflate Compression = "deflate"
)

// ParseCompression validates a compression name. The empty string means None.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case "", None:
		return None, nil
	case Deflate:
		return Deflate, nil
	default:
		return "", fmt.Errorf("%w: compression %q", ErrUnsupportedFormat, s)
	}
}

func (c Compression) tiff() tiff.CompressionType {
	if c == Deflate {
		return tiff.Deflate
	}
	return tiff.Uncompressed
}

// Options configure the sinks returned by Open.
type Options struct {
	Compression Compression
	S3          S3Config
}

// Encode writes the raster to w in the given format.
func Encode(w io.Writer, px []uint32, width, height int, f Format, c Compression) error {
	if len(px) != width*height {
		return fmt.Errorf("sink: raster has %d pixels, want %dx%d", len(px), width, height)
	}
	img := fractal.ToNRGBA(px, width, height)

	switch f {
	case TIFF:
		if err := tiff.Encode(w, img, &tiff.Options{Compression: c.tiff(), Predictor: c == Deflate}); err != nil {
			return fmt.Errorf("sink: encode tiff: %w", err)
		}
	case PNG:
		if err := png.Encode(w, img); err != nil {
			return fmt.Errorf("sink: encode png: %w", err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
	return nil
}

// Open returns the sink for dest: "s3://bucket/key" uploads to S3, anything
// else is a file path.
func Open(ctx context.Context, dest string, opts Options) (Sink, error) {
	if rest, ok := strings.CutPrefix(dest, "s3://"); ok {
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadDestination, dest)
		}
		client, err := NewS3Client(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return &S3{
			Client:      client,
			Bucket:      bucket,
			Key:         key,
			Format:      FormatFor(key),
			Compression: opts.Compression,
		}, nil
	}
	if dest == "" {
		return nil, fmt.Errorf("%w: empty path", ErrBadDestination)
	}
	return &File{
		Path:        dest,
		Format:      FormatFor(dest),
		Compression: opts.Compression,
	}, nil
}
