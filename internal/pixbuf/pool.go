// Package pixbuf recycles packed ARGB pixel buffers.
package pixbuf

import "sync"

// Pool is a thread-safe pool of []uint32 buffers grouped by length.
//
// Renders at a fixed viewport size allocate the same buffer over and over;
// reusing them keeps multi-megabyte allocations off the garbage collector.
//
// Thread safety: All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	buckets map[int][][]uint32
	maxSize int // max buffers per bucket, 0 means unlimited
}

// NewPool creates a pool that retains at most maxPerBucket buffers of each
// length.
func NewPool(maxPerBucket int) *Pool {
	return &Pool{
		buckets: make(map[int][][]uint32),
		maxSize: maxPerBucket,
	}
}

// Get returns a zeroed buffer of exactly n pixels.
func (p *Pool) Get(n int) []uint32 {
	if n <= 0 {
		return nil
	}

	p.mu.Lock()
	bucket := p.buckets[n]
	if len(bucket) > 0 {
		buf := bucket[len(bucket)-1]
		p.buckets[n] = bucket[:len(bucket)-1]
		p.mu.Unlock()

		clear(buf)
		return buf
	}
	p.mu.Unlock()

	return make([]uint32, n)
}

// Put hands buf back for reuse. The caller must not touch buf afterwards.
func (p *Pool) Put(buf []uint32) {
	if len(buf) == 0 {
		return
	}
	buf = buf[:len(buf):len(buf)]

	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.buckets[len(buf)]
	if p.maxSize > 0 && len(bucket) >= p.maxSize {
		return
	}
	p.buckets[len(buf)] = append(bucket, buf)
}

// Len returns the number of buffers currently retained.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, b := range p.buckets {
		n += len(b)
	}
	return n
}

var defaultPool = NewPool(4)

// Get retrieves a buffer from the package-level pool.
func Get(n int) []uint32 { return defaultPool.Get(n) }

// Put returns a buffer to the package-level pool.
func Put(buf []uint32) { defaultPool.Put(buf) }
