package fractal

import (
	"sync"
	"sync/atomic"
)

// Tracker hands out dispatch stamps and keeps the newest completed job.
//
// Completions may arrive in any order. A job is accepted only if its stamp
// is strictly greater than every stamp accepted before, so a slow render of
// an old view can never replace a newer one. Stale jobs still run to
// completion; their results are just dropped.
type Tracker struct {
	next atomic.Uint64

	mu      sync.Mutex
	last    uint64
	current *Job
}

// Next returns a fresh stamp. Stamps start at 1 and are never reused.
func (t *Tracker) Next() uint64 {
	return t.next.Add(1)
}

// Offer accepts j if it is newer than the current job and reports whether
// it did. Rejected jobs are not retained.
func (t *Tracker) Offer(j *Job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if j == nil || j.Stamp <= t.last {
		return false
	}
	t.last = j.Stamp
	t.current = j
	return true
}

// Current returns the accepted job, or nil before the first acceptance.
func (t *Tracker) Current() *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Last returns the stamp of the accepted job, 0 if none.
func (t *Tracker) Last() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
