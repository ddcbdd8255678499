package engine

import "sync/atomic"

// referenceCounter pins a code object for the duration of an activation, so
// a tier transition swapping the slot never invalidates code that is still
// on some call stack. The swap releases the slot's own reference; the last
// releaser observes zero.
type referenceCounter struct {
	n atomic.Int64
}

// acquire adds a reference.
func (r *referenceCounter) acquire() { r.n.Add(1) }

// release drops a reference, returning true when none remain.
func (r *referenceCounter) release() bool { return r.n.Add(-1) == 0 }

// count returns the current reference count.
func (r *referenceCounter) count() int64 { return r.n.Load() }
