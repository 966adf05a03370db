package distrib

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/internal/wire"
	"github.com/gogpu/fractal/node"
)

func mandelbrot(w, h int) *fractal.Params {
	p := fractal.NewParams()
	p.Kind = fractal.Mandelbrot
	p.Zoom = 1
	p.Center = 0
	p.MaxIterations = 100
	p.Width, p.Height = w, h
	return p
}

// localRender renders p on this machine at the supersampled size.
func localRender(t *testing.T, p *fractal.Params, ss int) *fractal.Job {
	t.Helper()
	e := fractal.NewEngine(2)
	t.Cleanup(e.Close)
	j, err := fractal.NewJob(p, ss, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RenderRows(j, 0, j.Height()); err != nil {
		t.Fatal(err)
	}
	return j
}

// serve runs n on ln until the test ends.
func serve(t *testing.T, n *node.Node, ln net.Listener) Endpoint {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		n.Close()
	})

	ep, err := ParseEndpoint(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

func startNode(t *testing.T, bunch int) Endpoint {
	t.Helper()
	n, err := node.New(node.Config{Threads: 2, BunchSize: bunch, IOTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return serve(t, n, listen(t))
}

// deadEndpoint returns an address nothing listens on.
func deadEndpoint(t *testing.T) Endpoint {
	t.Helper()
	ln := listen(t)
	ep, err := ParseEndpoint(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = ln.Close()
	return ep
}

func TestRenderMatchesLocal(t *testing.T) {
	const w, h = 100, 100
	p := mandelbrot(w, h)
	want := localRender(t, p, 1)

	tests := []struct {
		name  string
		nodes int
		bunch int
	}{
		{"one node", 1, 50},
		{"two nodes", 2, 50},
		{"three nodes small bunches", 3, 7},
		{"bunch from node", 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var eps []Endpoint
			for range tt.nodes {
				eps = append(eps, startNode(t, 9))
			}
			c := &Coordinator{Endpoints: eps, BunchSize: tt.bunch, IOTimeout: 5 * time.Second}

			got, err := fractal.NewJob(p, 1, 0, nil)
			if err != nil {
				t.Fatal(err)
			}
			rep, err := c.Render(context.Background(), p, w, h, got)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if !slices.Equal(got.Pixels(), want.Pixels()) {
				t.Error("distributed image differs from the local render")
			}

			checkPartition(t, rep.Claims, h)
			limit := tt.bunch
			if limit == 0 {
				limit = 9
			}
			rows := 0
			for _, cl := range rep.Claims {
				if cl.Len() > limit {
					t.Errorf("claim %v exceeds bunch size %d", cl.RowRange, limit)
				}
			}
			for _, wr := range rep.Workers {
				if wr.Err != nil {
					t.Errorf("worker %s: %v", wr.Endpoint, wr.Err)
				}
				rows += wr.Rows
			}
			if rows != h {
				t.Errorf("workers rendered %d rows, want %d", rows, h)
			}
			if len(rep.Unrendered) != 0 || rep.Failed() != 0 {
				t.Errorf("report = %+v", rep)
			}
		})
	}
}

func TestRenderNoEndpoints(t *testing.T) {
	var c Coordinator
	if _, err := c.Render(context.Background(), mandelbrot(4, 4), 4, 4, nil); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("error = %v, want ErrNoEndpoints", err)
	}
}

func TestRenderInvalidParams(t *testing.T) {
	c := &Coordinator{Endpoints: []Endpoint{{Host: "127.0.0.1", Port: 1}}}
	if _, err := c.Render(context.Background(), mandelbrot(4, 4), 0, 4, nil); !errors.Is(err, fractal.ErrInvalidParams) {
		t.Errorf("error = %v, want ErrInvalidParams", err)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	calls int
	px    []uint32
	w, h  int
}

func (s *recordingSink) WritePixels(_ context.Context, px []uint32, w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.px = slices.Clone(px)
	s.w, s.h = w, h
	return nil
}

func TestRunAllWorkersFailed(t *testing.T) {
	c := &Coordinator{
		Endpoints:   []Endpoint{deadEndpoint(t), deadEndpoint(t)},
		BunchSize:   10,
		DialTimeout: time.Second,
	}
	s := &recordingSink{}
	rep, err := c.Run(context.Background(), RunConfig{Params: mandelbrot(20, 20), Supersampling: 1, Sink: s})
	if !errors.Is(err, ErrAllWorkersFailed) {
		t.Fatalf("error = %v, want ErrAllWorkersFailed", err)
	}
	if s.calls != 0 {
		t.Errorf("sink called %d times after a failed run", s.calls)
	}
	if rep.Failed() != 2 {
		t.Errorf("failed workers = %d, want 2", rep.Failed())
	}
	if !slices.Equal(rep.Unrendered, []RowRange{{0, 20}}) {
		t.Errorf("unrendered = %v", rep.Unrendered)
	}
}

func TestRunSupersampled(t *testing.T) {
	p := mandelbrot(24, 16)
	want := localRender(t, p, 2)
	want.ResizeBack()

	c := &Coordinator{Endpoints: []Endpoint{startNode(t, 5), startNode(t, 5)}, IOTimeout: 5 * time.Second}
	s := &recordingSink{}
	if _, err := c.Run(context.Background(), RunConfig{Params: p, Supersampling: 2, Sink: s}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.calls != 1 || s.w != 24 || s.h != 16 {
		t.Fatalf("sink got %d calls of %dx%d", s.calls, s.w, s.h)
	}
	if !slices.Equal(s.px, want.Pixels()) {
		t.Error("downscaled image differs from the local render")
	}
}

func TestRunRejectsBadSupersampling(t *testing.T) {
	c := &Coordinator{Endpoints: []Endpoint{deadEndpoint(t)}}
	_, err := c.Run(context.Background(), RunConfig{Params: mandelbrot(8, 8), Supersampling: 3, Sink: &recordingSink{}})
	if !errors.Is(err, fractal.ErrSupersampling) {
		t.Errorf("error = %v, want ErrSupersampling", err)
	}
	_, err = c.Run(context.Background(), RunConfig{Params: mandelbrot(8, 8), Supersampling: 3, Stream: &memStream{}})
	if !errors.Is(err, fractal.ErrSupersampling) {
		t.Errorf("stream error = %v, want ErrSupersampling", err)
	}
}

// memStream is a RowStream backed by a map of rows.
type memStream struct {
	mu     sync.Mutex
	width  int
	rows   map[int][]uint32
	closed bool
}

func (m *memStream) WriteRows(start int, px []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[int][]uint32)
	}
	for i := 0; i*m.width < len(px); i++ {
		m.rows[start+i] = slices.Clone(px[i*m.width : (i+1)*m.width])
	}
	return nil
}

func (m *memStream) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestRunStream(t *testing.T) {
	p := mandelbrot(10, 6)
	want := localRender(t, p, 2)

	st := &memStream{width: 20}
	c := &Coordinator{Endpoints: []Endpoint{startNode(t, 4)}, IOTimeout: 5 * time.Second}
	rep, err := c.Run(context.Background(), RunConfig{Params: p, Supersampling: 2, Stream: st})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !st.closed {
		t.Error("stream not closed")
	}
	if rep.Width != 20 || rep.Height != 12 || len(st.rows) != 12 {
		t.Fatalf("streamed %d rows of a %dx%d raster", len(st.rows), rep.Width, rep.Height)
	}
	for y := range 12 {
		if !slices.Equal(st.rows[y], want.Pixels()[y*20:(y+1)*20]) {
			t.Errorf("row %d differs from the local render", y)
		}
	}
}

type failingWriter struct{}

func (failingWriter) WriteRows(int, []uint32) error { return errors.New("disk full") }

func TestRenderDestinationError(t *testing.T) {
	c := &Coordinator{Endpoints: []Endpoint{startNode(t, 4), startNode(t, 4)}, IOTimeout: 5 * time.Second}
	_, err := c.Render(context.Background(), mandelbrot(8, 8), 8, 8, failingWriter{})
	if err == nil || errors.Is(err, ErrAllWorkersFailed) {
		t.Errorf("error = %v, want the destination error", err)
	}
}

func TestRenderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &Coordinator{Endpoints: []Endpoint{startNode(t, 4)}}
	j, err := fractal.NewJob(mandelbrot(8, 8), 1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Render(ctx, j.Params, 8, 8, j); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// gatedListener holds Accept until gate is closed.
type gatedListener struct {
	net.Listener
	gate chan struct{}
}

func (l *gatedListener) Accept() (net.Conn, error) {
	<-l.gate
	return l.Listener.Accept()
}

// startDyingNode accepts one connection, acknowledges the parameters and
// hangs up on the first RENDER_ROWS. opened is closed once the bunch has
// been claimed.
func startDyingNode(t *testing.T, opened chan<- struct{}) Endpoint {
	t.Helper()
	ln := listen(t)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conn := wire.NewConn(c, 5*time.Second)
		defer conn.Close()

		if cmd, err := conn.ReadCommand(); err != nil || cmd != wire.SetParameters {
			return
		}
		if _, err := conn.ReadParams(); err != nil {
			return
		}
		_ = conn.WriteInt(wire.Ack)
		_ = conn.Flush()

		if cmd, err := conn.ReadCommand(); err != nil || cmd != wire.RenderRows {
			return
		}
		_, _, _ = conn.ReadRange(1 << 20)
		close(opened)
	}()

	ep, err := ParseEndpoint(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func TestRenderRequeuesLostBunch(t *testing.T) {
	const w, h = 40, 30
	p := mandelbrot(w, h)
	want := localRender(t, p, 1)

	gate := make(chan struct{})
	dying := startDyingNode(t, gate)

	n, err := node.New(node.Config{Threads: 2, BunchSize: 10, IOTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	healthy := serve(t, n, &gatedListener{Listener: listen(t), gate: gate})

	c := &Coordinator{Endpoints: []Endpoint{dying, healthy}, BunchSize: 10, IOTimeout: 5 * time.Second}
	got, err := fractal.NewJob(p, 1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := c.Render(context.Background(), p, w, h, got)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !slices.Equal(got.Pixels(), want.Pixels()) {
		t.Error("image differs from the local render")
	}
	if rep.Workers[0].Err == nil || rep.Workers[0].Rows != 0 {
		t.Errorf("dying worker report = %+v", rep.Workers[0])
	}
	if rep.Workers[1].Err != nil || rep.Workers[1].Rows != h {
		t.Errorf("healthy worker report = %+v", rep.Workers[1])
	}
	checkPartition(t, rep.Claims, h)
}
