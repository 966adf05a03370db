package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/internal/wire"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Config{Threads: 2, BunchSize: 7, IOTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Close)
	return n
}

// connect starts ServeConn on one end of a pipe and returns the other end
// plus a channel with ServeConn's result.
func connect(t *testing.T, n *Node) (*wire.Conn, <-chan error) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close() })

	done := make(chan error, 1)
	go func() { done <- n.ServeConn(b) }()
	return wire.NewConn(a, time.Second), done
}

func request(t *testing.T, c *wire.Conn, cmd wire.Command, args ...int32) {
	t.Helper()
	if err := c.WriteCommand(cmd); err != nil {
		t.Fatal(err)
	}
	for _, a := range args {
		if err := c.WriteInt(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
}

func readInt(t *testing.T, c *wire.Conn) int32 {
	t.Helper()
	v, err := c.ReadInt()
	if err != nil {
		t.Fatalf("ReadInt: %v", err)
	}
	return v
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero threads", Config{Threads: 0, BunchSize: 1}},
		{"zero bunch", Config{Threads: 1, BunchSize: 0}},
		{"negative", Config{Threads: -1, BunchSize: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New(%+v) error = %v, want ErrInvalidConfig", tt.cfg, err)
			}
		})
	}
}

func TestQueries(t *testing.T) {
	n := newTestNode(t)
	c, done := connect(t, n)

	request(t, c, wire.Ping, 41)
	if v := readInt(t, c); v != 42 {
		t.Errorf("PING 41 = %d, want 42", v)
	}
	request(t, c, wire.QueryCPUCount)
	if v := readInt(t, c); v != 2 {
		t.Errorf("QUERY_CPU_COUNT = %d, want 2", v)
	}
	request(t, c, wire.QueryBunchSize)
	if v := readInt(t, c); v != 7 {
		t.Errorf("QUERY_BUNCH_SIZE = %d, want 7", v)
	}

	request(t, c, wire.Close)
	if err := <-done; err != nil {
		t.Errorf("ServeConn after CLOSE = %v", err)
	}
}

func TestRenderRows(t *testing.T) {
	n := newTestNode(t)
	c, done := connect(t, n)

	p := fractal.NewParams()
	p.Kind = fractal.Mandelbrot
	const w, h = 30, 20

	if err := c.WriteCommand(wire.SetParameters); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteParams(p, w, h); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if ack := readInt(t, c); ack != wire.Ack {
		t.Fatalf("SET_PARAMETERS ack = %d", ack)
	}

	request(t, c, wire.RenderRows, 4, 11)
	got := make([]uint32, 7*w)
	if err := c.ReadPixels(got); err != nil {
		t.Fatalf("ReadPixels: %v", err)
	}

	q := p.Clone()
	q.Width, q.Height = w, h
	want := make([]uint32, 7*w)
	fractal.RenderStrip(q, w, h, 4, 11, want)
	if !slices.Equal(got, want) {
		t.Error("node pixels differ from a local render")
	}

	_ = c.Close()
	if err := <-done; err != nil {
		t.Errorf("ServeConn after hang-up = %v", err)
	}

	st := n.Stats()
	if st.RowsRendered != 7 || st.PixelsSent != 7*w || st.Connections != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		cmd  wire.Command
		args []int32
		want error
	}{
		{"unknown command", wire.Command(1010), nil, wire.ErrUnknownCommand},
		{"rows before parameters", wire.RenderRows, []int32{0, 1}, wire.ErrNoParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t)
			c, done := connect(t, n)

			if err := c.WriteCommand(tt.cmd); err != nil {
				t.Fatal(err)
			}
			_ = c.Flush()

			if err := <-done; !errors.Is(err, tt.want) {
				t.Errorf("ServeConn error = %v, want %v", err, tt.want)
			}
			if n.Stats().ProtocolErrors != 1 {
				t.Errorf("protocol errors = %d, want 1", n.Stats().ProtocolErrors)
			}
		})
	}
}

func TestBadRange(t *testing.T) {
	n := newTestNode(t)
	c, done := connect(t, n)

	if err := c.WriteCommand(wire.SetParameters); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteParams(fractal.NewParams(), 10, 10); err != nil {
		t.Fatal(err)
	}
	_ = c.Flush()
	readInt(t, c)

	request(t, c, wire.RenderRows, 5, 11)
	if err := <-done; !errors.Is(err, wire.ErrBadRange) {
		t.Errorf("ServeConn error = %v, want ErrBadRange", err)
	}
}

func TestServeOneAtATime(t *testing.T) {
	n := newTestNode(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- n.Serve(ctx, ln) }()

	for i := range 3 {
		nc, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		c := wire.NewConn(nc, time.Second)
		request(t, c, wire.Ping, int32(i))
		if v := readInt(t, c); v != int32(i)+1 {
			t.Errorf("PING %d = %d", i, v)
		}
		request(t, c, wire.Close)
		_ = c.Close()
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeCancelDropsActiveConnection(t *testing.T) {
	n := newTestNode(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- n.Serve(ctx, ln) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	c := wire.NewConn(nc, time.Second)
	request(t, c, wire.Ping, 1)
	readInt(t, c)

	cancel()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve blocked on an idle connection after cancel")
	}
}

func TestStatusHandler(t *testing.T) {
	n := newTestNode(t)
	srv := httptest.NewServer(n.StatusHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Errorf("healthz = %d %v", resp.StatusCode, health)
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if st.Threads != 2 || st.BunchSize != 7 {
		t.Errorf("stats = %+v", st)
	}

	resp, err = http.Get(srv.URL + "/missing")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp.StatusCode)
	}
}

func TestRenderSlowerThanTimeout(t *testing.T) {
	const timeout = 20 * time.Millisecond
	n, err := New(Config{Threads: 2, BunchSize: 40, IOTimeout: timeout})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Close)
	c, done := connect(t, n)

	// Most of this view never escapes, so the bunch takes far longer
	// than the timeout to render.
	p := fractal.NewParams()
	p.Kind = fractal.Mandelbrot
	p.Adaptive = false
	p.MaxIterations = 200000
	const w, h = 400, 40

	if err := c.WriteCommand(wire.SetParameters); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteParams(p, w, h); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if ack := readInt(t, c); ack != wire.Ack {
		t.Fatalf("SET_PARAMETERS ack = %d", ack)
	}

	t0 := time.Now()
	request(t, c, wire.RenderRows, 0, h)
	got := make([]uint32, w*h)
	if err := c.ReadPixels(got); err != nil {
		t.Fatalf("ReadPixels after %v: %v", time.Since(t0), err)
	}
	if elapsed := time.Since(t0); elapsed < timeout {
		t.Logf("render took only %v", elapsed)
	}

	request(t, c, wire.Close)
	if err := <-done; err != nil {
		t.Errorf("ServeConn = %v", err)
	}
}
