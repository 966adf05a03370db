package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/image/tiff"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/distrib"
	"github.com/gogpu/fractal/node"
)

func startNode(t *testing.T) string {
	t.Helper()
	n, err := node.New(node.Config{Threads: 2, BunchSize: 4, IOTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		n.Close()
	})
	return ln.Addr().String()
}

func decodeTIFF(t *testing.T, path string) (w, h int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func TestRunLocalAndDistributed(t *testing.T) {
	t.Chdir(t.TempDir())
	addr := startNode(t)

	tests := []struct {
		name   string
		args   []string
		w, h   int
		output string
	}{
		{"local", []string{"--threads=2"}, 16, 12, "local.tiff"},
		{"local supersampled", []string{"--threads=2", "-s", "2", "--compression=deflate"}, 16, 12, "ss.tiff"},
		{"distributed", []string{"--workers=" + addr, "--bunch=3"}, 16, 12, "dist.tiff"},
		{"distributed stream", []string{"--workers=" + addr, "-s", "2", "--stream"}, 8, 6, "stream.tiff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{
				"--kind=mandelbrot", "--log-level=error",
				"--width=" + strconv.Itoa(tt.w), "--height=" + strconv.Itoa(tt.h),
				"--output=" + tt.output,
			}, tt.args...)
			if err := run(args); err != nil {
				t.Fatalf("run: %v", err)
			}

			w, h := decodeTIFF(t, tt.output)
			wantW, wantH := tt.w, tt.h
			if strings.Contains(tt.name, "stream") {
				wantW, wantH = tt.w*2, tt.h*2
			}
			if w != wantW || h != wantH {
				t.Errorf("image is %dx%d, want %dx%d", w, h, wantW, wantH)
			}
		})
	}
}

func TestRunParamsFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	p := fractal.NewParams()
	p.Kind = fractal.Mandelbrot
	path := filepath.Join(dir, "view.params")
	if err := p.SaveParams(path); err != nil {
		t.Fatal(err)
	}

	if err := run([]string{"--params-file=" + path, "--width=10", "--height=10", "--output=out.png", "--log-level=error"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.png")); err != nil {
		t.Error(err)
	}

	err := run([]string{"--params-file=" + path, "--preset=x", "--log-level=error"})
	if err == nil || !strings.Contains(err.Error(), "not both") {
		t.Errorf("params file plus preset error = %v", err)
	}
}

func TestRunInvalidFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, args := range [][]string{
		{"--supersampling=3"},
		{"--stream"},
		{"--kind=newton"},
		{"--no-such-flag"},
	} {
		if err := run(append(args, "--log-level=error")); err == nil {
			t.Errorf("run(%q) succeeded", args)
		}
	}
}

func TestPing(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := run([]string{"--ping", "--workers=" + startNode(t), "--log-level=error"}); err != nil {
		t.Errorf("ping: %v", err)
	}
	if err := run([]string{"--ping", "--log-level=error"}); err == nil {
		t.Error("ping without workers succeeded")
	}
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	s := &summary{
		width: 1000, height: 1000, supersampling: 2, output: "big.tiff",
		elapsed: 1500 * time.Millisecond,
		report: &distrib.Report{Workers: []distrib.WorkerReport{
			{Endpoint: distrib.Endpoint{Host: "n1", Port: 7331}, Rows: 2000, Bunches: 200},
			{Endpoint: distrib.Endpoint{Host: "n2", Port: 7331}, Err: errors.New("connection reset")},
		}},
	}
	s.print(&buf)

	out := buf.String()
	for _, want := range []string{"4,000,000 pixels", "1.5s", "2 workers, 1 failed", "n1:7331", "2,000 rows", "connection reset"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
