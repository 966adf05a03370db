package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gogpu/fractal"
)

// File writes the image to a local path. The file appears atomically: the
// image is encoded into a temporary file next to Path and renamed.
type File struct {
	Path        string
	Format      Format
	Compression Compression
}

// WritePixels implements Sink.
func (f *File) WritePixels(ctx context.Context, px []uint32, width, height int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Clean(f.Path)
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("sink: create file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err := Encode(bw, px, width, height, f.Format, f.Compression); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sink: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sink: close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("sink: rename: %w", err)
	}

	fractal.Logger().Info("sink: wrote image", "path", path,
		"format", f.Format.String(), "width", width, "height", height)
	return nil
}
