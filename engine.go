package fractal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/fractal/internal/parallel"
)

// ErrEngineClosed is returned by Dispatch after Close.
var ErrEngineClosed = errors.New("fractal: engine closed")

// Engine renders jobs on a fixed number of goroutines.
//
// Thread safety: All methods are safe for concurrent use.
type Engine struct {
	threads int
	pool    *parallel.Pool

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewEngine starts an engine with the given number of render goroutines.
// If threads is 0 or negative, GOMAXPROCS is used.
func NewEngine(threads int) *Engine {
	pool := parallel.NewPool(threads)
	return &Engine{
		threads: pool.Workers(),
		pool:    pool,
	}
}

// Threads returns the number of render goroutines.
func (e *Engine) Threads() int {
	return e.threads
}

// RenderRows renders rows [start, end) of j on the calling goroutine.
func (e *Engine) RenderRows(j *Job, start, end int) error {
	dst, err := j.Rows(start, end)
	if err != nil {
		return err
	}
	RenderStrip(j.Params, j.width, j.height, start, end, dst)
	return nil
}

// RenderStripParallel is RenderStrip split into near-equal bands across
// the engine's goroutines. It returns when every band is done.
func (e *Engine) RenderStripParallel(p *Params, width, height, start, end int, dst []uint32) {
	bands := parallel.Split(end-start, e.threads)
	e.pool.Run(len(bands), func(i int) {
		b := bands[i]
		RenderStrip(p, width, height, start+b.Start, start+b.End, dst[b.Start*width:b.End*width])
	})
}

// Dispatch renders the whole of j in the background and then calls done
// exactly once with j. It returns without waiting. Completion order across
// several dispatched jobs is not defined; use a Tracker to keep the newest.
func (e *Engine) Dispatch(j *Job, done func(*Job)) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	if j == nil || len(j.pixels) != j.width*j.height {
		return fmt.Errorf("%w: job has no raster", ErrBufferSize)
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		Logger().Debug("fractal: render start",
			"stamp", j.Stamp, "width", j.width, "height", j.height, "threads", e.threads)
		e.RenderStripParallel(j.Params, j.width, j.height, 0, j.height, j.pixels)
		Logger().Debug("fractal: render done", "stamp", j.Stamp)

		if done != nil {
			done(j)
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has called back.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Close waits for in-flight jobs and stops the render goroutines.
// Close is safe to call multiple times.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	e.pool.Close()
}
