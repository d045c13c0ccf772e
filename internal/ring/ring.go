// Package ring implements a bounded multi-producer/multi-consumer queue.
//
// The design is the classic node-based MPMC ring: http://www.1024cores.net/
// home/lock-free-algorithms/queues/bounded-mpmc-queue. Each slot carries a
// "step" stamp alongside its value so producers and consumers can tell
// whether a slot is available for them without taking a lock, and so the
// ABA problem (a slot being reused between a consumer's read of it and its
// CAS) can't corrupt the queue.
//
// Capacity is rounded up to the next power of two so index-to-slot mapping
// can use a mask instead of a modulo.
package ring

import (
	"sync/atomic"
)

type node[T any] struct {
	step  uint64
	value T
}

// Ring is a bounded MPMC queue of values of type T.
type Ring[T any] struct {
	mask  uint64
	nodes []node[T]

	_    [56]byte
	head uint64
	_    [56]byte
	tail uint64
	_    [56]byte
}

// New creates a ring able to hold at least capacity elements. capacity is
// rounded up to the next power of two.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	size := nextPow2(capacity)
	nodes := make([]node[T], size)
	for i := range nodes {
		nodes[i].step = uint64(i)
	}
	return &Ring[T]{mask: uint64(size - 1), nodes: nodes}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int {
	return len(r.nodes)
}

// Len returns an approximate number of queued elements. Safe to call
// concurrently with Push/Pop but may be stale by the time it returns.
func (r *Ring[T]) Len() int {
	tail := atomic.LoadUint64(&r.tail)
	head := atomic.LoadUint64(&r.head)
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Push offers v onto the ring. It reports false if the ring is full.
func (r *Ring[T]) Push(v T) bool {
	for {
		tail := atomic.LoadUint64(&r.tail)
		n := &r.nodes[tail&r.mask]
		step := atomic.LoadUint64(&n.step)
		diff := int64(step) - int64(tail)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.tail, tail, tail+1) {
				n.value = v
				atomic.StoreUint64(&n.step, tail+1)
				return true
			}
		case diff < 0:
			return false
		default:
			// another producer is ahead of us; retry
		}
	}
}

// Pop removes and returns the oldest element. It reports false if the ring
// is empty.
func (r *Ring[T]) Pop() (T, bool) {
	for {
		head := atomic.LoadUint64(&r.head)
		n := &r.nodes[head&r.mask]
		step := atomic.LoadUint64(&n.step)
		diff := int64(step) - int64(head+1)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.head, head, head+1) {
				v := n.value
				var zero T
				n.value = zero
				atomic.StoreUint64(&n.step, head+r.mask+1)
				return v, true
			}
		case diff < 0:
			var zero T
			return zero, false
		default:
			// another consumer is ahead of us; retry
		}
	}
}

// PopN drains up to max elements in FIFO order, calling fn for each. It
// stops early if the ring becomes empty, and returns the number of
// elements drained. This backs every poller's per-tick batch dequeue.
func (r *Ring[T]) PopN(max int, fn func(T)) int {
	n := 0
	for n < max {
		v, ok := r.Pop()
		if !ok {
			break
		}
		fn(v)
		n++
	}
	return n
}
