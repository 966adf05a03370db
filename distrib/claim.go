package distrib

import (
	"sync"
)

// RowRange is the half-open row interval [Start, End).
type RowRange struct {
	Start, End int
}

// Len returns the number of rows in r.
func (r RowRange) Len() int { return r.End - r.Start }

// Claim is a row range completed by one worker.
type Claim struct {
	RowRange
	Worker int // index into Coordinator.Endpoints
}

// claimer hands out row bunches to workers.
//
// Fresh rows come from a counter that only moves forward. A bunch whose
// worker fails goes back on a queue and is handed out before fresh rows.
// A worker that finds no work while other bunches are still in flight
// waits, since one of them may yet be requeued. The lock is never held
// across network I/O.
type claimer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	next     int
	height   int
	requeued []RowRange
	inflight int
	done     []Claim
	closed   bool
}

func newClaimer(height int) *claimer {
	c := &claimer{height: height}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// claim returns the next bunch of at most size rows for worker. It returns
// false once every row is rendered or the claimer is closed.
func (c *claimer) claim(size, worker int) (RowRange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return RowRange{}, false
		}
		if n := len(c.requeued); n > 0 {
			r := c.requeued[n-1]
			c.requeued = c.requeued[:n-1]
			c.inflight++
			return r, true
		}
		if c.next < c.height {
			r := RowRange{Start: c.next, End: min(c.next+size, c.height)}
			c.next = r.End
			c.inflight++
			return r, true
		}
		if c.inflight == 0 {
			return RowRange{}, false
		}
		c.cond.Wait()
	}
}

// complete records r as rendered by worker.
func (c *claimer) complete(r RowRange, worker int) {
	c.mu.Lock()
	c.inflight--
	c.done = append(c.done, Claim{RowRange: r, Worker: worker})
	c.mu.Unlock()
	c.cond.Broadcast()
}

// fail puts r back for another worker.
func (c *claimer) fail(r RowRange) {
	c.mu.Lock()
	c.inflight--
	c.requeued = append(c.requeued, r)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// close stops handing out work and wakes every waiter.
func (c *claimer) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// claims returns the completed bunches in completion order.
func (c *claimer) claims() []Claim {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Claim(nil), c.done...)
}

// unrendered returns the rows nobody has delivered. Call it after every
// worker has returned.
func (c *claimer) unrendered() []RowRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]RowRange(nil), c.requeued...)
	if c.next < c.height {
		out = append(out, RowRange{Start: c.next, End: c.height})
	}
	return out
}
