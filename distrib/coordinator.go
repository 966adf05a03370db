// Package distrib splits a render across remote nodes.
//
// A Coordinator opens one connection per node, sends the parameters once
// and then lets every connection claim bunches of rows until none are
// left. Rows arrive in whatever order the nodes finish them and are
// written into the destination at their row offset.
package distrib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/sink"
)

// Coordinator errors.
var (
	// ErrNoEndpoints is returned when a run has no nodes to talk to.
	ErrNoEndpoints = errors.New("distrib: no endpoints")

	// ErrAllWorkersFailed is returned when no node survived the run. It is
	// joined with every worker's error.
	ErrAllWorkersFailed = errors.New("distrib: all workers failed")

	// ErrIncomplete is returned when rows were left unrendered.
	ErrIncomplete = errors.New("distrib: image incomplete")

	// ErrBadBunchSize is returned when a node advertises a bunch size below 1.
	ErrBadBunchSize = errors.New("distrib: bad bunch size")
)

// DefaultDialTimeout bounds connection setup when Coordinator.DialTimeout is zero.
const DefaultDialTimeout = 5 * time.Second

// RowWriter receives whole rows at a row offset. Calls for disjoint rows
// may happen concurrently.
type RowWriter interface {
	WriteRows(start int, px []uint32) error
}

// Coordinator distributes one render across Endpoints.
type Coordinator struct {
	Endpoints []Endpoint

	// BunchSize is the number of rows per request. Zero asks each node
	// for its preferred size.
	BunchSize int

	// IOTimeout bounds each request/reply exchange, including the time the
	// node spends rendering a bunch. Zero means none.
	IOTimeout time.Duration

	// DialTimeout bounds connection setup. Zero means DefaultDialTimeout.
	DialTimeout time.Duration
}

// WorkerReport describes what one connection did.
type WorkerReport struct {
	Endpoint Endpoint
	Rows     int
	Bunches  int
	Elapsed  time.Duration
	Err      error
}

// Report summarizes a distributed render.
type Report struct {
	RunID      uuid.UUID
	Started    time.Time
	Elapsed    time.Duration
	Width      int
	Height     int
	Workers    []WorkerReport
	Claims     []Claim
	Unrendered []RowRange
}

// Failed returns the number of workers that ended with an error.
func (r *Report) Failed() int {
	n := 0
	for _, w := range r.Workers {
		if w.Err != nil {
			n++
		}
	}
	return n
}

// run is the shared state of one Render call.
type run struct {
	p      *fractal.Params
	width  int
	dst    RowWriter
	claims *claimer
	log    *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	fatal   error
}

func (r *run) track(c *Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

func (r *run) untrack(c *Client) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// abort drops every open connection and stops handing out work.
func (r *run) abort(err error) {
	r.mu.Lock()
	if err != nil && r.fatal == nil {
		r.fatal = err
	}
	for c := range r.clients {
		_ = c.Abort()
	}
	r.mu.Unlock()
	r.claims.close()
}

// Render renders p at width×height across the endpoints and writes the
// rows into dst. A failed bunch is handed to a surviving worker, so the
// image is complete as long as one node stays up.
func (c *Coordinator) Render(ctx context.Context, p *fractal.Params, width, height int, dst RowWriter) (*Report, error) {
	if len(c.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if c.BunchSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadBunchSize, c.BunchSize)
	}
	p = p.Clone()
	p.Width, p.Height = width, height
	if err := p.Validate(); err != nil {
		return nil, err
	}

	rep := &Report{
		RunID:   uuid.New(),
		Started: time.Now(),
		Width:   width,
		Height:  height,
		Workers: make([]WorkerReport, len(c.Endpoints)),
	}
	r := &run{
		p:       p,
		width:   width,
		dst:     dst,
		claims:  newClaimer(height),
		log:     fractal.Logger().With("run", rep.RunID.String()),
		clients: make(map[*Client]struct{}),
	}
	r.log.Info("distrib: render started", "width", width, "height", height,
		"workers", len(c.Endpoints), "bunch", c.BunchSize)

	stop := context.AfterFunc(ctx, func() { r.abort(nil) })
	defer stop()

	type result struct {
		idx int
		rep WorkerReport
	}
	results := make(chan result, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		go func() {
			results <- result{idx: i, rep: c.work(ctx, r, i, ep)}
		}()
	}

	var errs []error
	for range c.Endpoints {
		res := <-results
		rep.Workers[res.idx] = res.rep
		if res.rep.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.rep.Endpoint, res.rep.Err))
		}
	}

	rep.Elapsed = time.Since(rep.Started)
	rep.Claims = r.claims.claims()
	rep.Unrendered = r.claims.unrendered()

	r.mu.Lock()
	fatal := r.fatal
	r.mu.Unlock()

	switch {
	case fatal != nil:
		r.log.Error("distrib: render aborted", "err", fatal)
		return rep, fatal
	case ctx.Err() != nil:
		r.log.Info("distrib: render cancelled", "unrendered", len(rep.Unrendered))
		return rep, ctx.Err()
	case len(errs) == len(c.Endpoints):
		err := errors.Join(append([]error{ErrAllWorkersFailed}, errs...)...)
		r.log.Error("distrib: render failed", "err", err)
		return rep, err
	case len(rep.Unrendered) > 0:
		return rep, fmt.Errorf("%w: %d ranges left", ErrIncomplete, len(rep.Unrendered))
	}

	r.log.Info("distrib: render finished", "elapsed", rep.Elapsed, "failed", len(errs))
	return rep, nil
}

// work drives one connection until no rows are left or the node fails.
func (c *Coordinator) work(ctx context.Context, r *run, idx int, ep Endpoint) (rep WorkerReport) {
	rep.Endpoint = ep
	t0 := time.Now()
	log := r.log.With("worker", ep.String())
	defer func() {
		rep.Elapsed = time.Since(t0)
		if rep.Err != nil && ctx.Err() == nil {
			log.Warn("distrib: worker lost", "rows", rep.Rows, "err", rep.Err)
		}
	}()

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	cl, err := Dial(dctx, ep.String(), c.IOTimeout)
	cancel()
	if err != nil {
		rep.Err = err
		return rep
	}
	r.track(cl)
	defer r.untrack(cl)
	if err := ctx.Err(); err != nil {
		_ = cl.Abort()
		rep.Err = err
		return rep
	}

	bunch := c.BunchSize
	if bunch == 0 {
		if bunch, err = cl.BunchSize(); err != nil {
			_ = cl.Abort()
			rep.Err = err
			return rep
		}
		if bunch < 1 {
			_ = cl.Abort()
			rep.Err = fmt.Errorf("%w: node reported %d", ErrBadBunchSize, bunch)
			return rep
		}
	}
	if err := cl.SetParameters(r.p, r.width, r.p.Height); err != nil {
		_ = cl.Abort()
		rep.Err = err
		return rep
	}

	var buf []uint32
	for {
		rows, ok := r.claims.claim(bunch, idx)
		if !ok {
			break
		}
		n := rows.Len() * r.width
		if cap(buf) < n {
			buf = make([]uint32, n)
		}
		px := buf[:n]

		if err := cl.RenderRows(rows.Start, rows.End, px); err != nil {
			r.claims.fail(rows)
			_ = cl.Abort()
			rep.Err = err
			return rep
		}
		if err := r.dst.WriteRows(rows.Start, px); err != nil {
			r.claims.fail(rows)
			_ = cl.Abort()
			rep.Err = err
			r.abort(fmt.Errorf("distrib: write rows %d+%d: %w", rows.Start, rows.Len(), err))
			return rep
		}
		r.claims.complete(rows, idx)
		rep.Rows += rows.Len()
		rep.Bunches++
		log.Debug("distrib: bunch done", "start", rows.Start, "end", rows.End)
	}

	if err := cl.Close(); err != nil {
		log.Debug("distrib: close", "err", err)
	}
	return rep
}

// RunConfig describes a complete distributed render.
type RunConfig struct {
	// Params carries the output size in Width and Height.
	Params        *fractal.Params
	Supersampling int

	// Sink receives the downscaled image.
	Sink sink.Sink

	// Stream, when set, takes rows directly as they arrive at the
	// supersampled size. It must have been created for that size. Sink is
	// ignored and the stream is closed when the render ends.
	Stream sink.RowStream
}

// Run renders cfg.Params across the endpoints and delivers the image. On
// failure the sink is not called.
func (c *Coordinator) Run(ctx context.Context, cfg RunConfig) (*Report, error) {
	ss := cfg.Supersampling
	if ss == 0 {
		ss = 1
	}

	if cfg.Stream != nil {
		if ss < 1 || ss&(ss-1) != 0 {
			return nil, fmt.Errorf("%w: %d", fractal.ErrSupersampling, ss)
		}
		w, h := cfg.Params.Width*ss, cfg.Params.Height*ss
		rep, err := c.Render(ctx, cfg.Params, w, h, cfg.Stream)
		if cerr := cfg.Stream.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("distrib: close stream: %w", cerr)
		}
		return rep, err
	}

	if cfg.Sink == nil {
		return nil, errors.New("distrib: run needs a sink or a stream")
	}
	job, err := fractal.NewJob(cfg.Params, ss, 0, nil)
	if err != nil {
		return nil, err
	}
	defer job.Release()

	rep, err := c.Render(ctx, cfg.Params, job.Width(), job.Height(), job)
	if err != nil {
		return rep, err
	}
	job.ResizeBack()
	if err := cfg.Sink.WritePixels(ctx, job.Pixels(), cfg.Params.Width, cfg.Params.Height); err != nil {
		return rep, err
	}
	return rep, nil
}
