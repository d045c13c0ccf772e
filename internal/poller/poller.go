// Package poller provides the shared reactor loop used by every poller
// in the store (pmem pollers, the offload poller, the finalize poller):
// a single-goroutine drain of a bounded ring, parameterized only by the
// per-item processing function, so the three poller kinds share one
// loop instead of three parallel hand-rolled ones.
package poller

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fogkv/daqkv/internal/ring"
)

// Batch is the maximum number of items drained from the ring per tick.
const Batch = 32

// tickIdle is how long Run sleeps between empty ticks; pollers never
// block on a synchronization primitive inside their main loop.
const tickIdle = 200 * time.Microsecond

// Reactor drains a bounded ring of T on a single goroutine, calling
// process for each item in FIFO batches of at most Batch. Each poller
// package supplies its own process closure and item type.
type Reactor[T any] struct {
	name         string
	ring         *ring.Ring[T]
	process      func(T)
	observeBatch func(int)
	log          zerolog.Logger

	running int32
	stopped chan struct{}
}

// New builds a Reactor with the given ring capacity and per-item
// processing function.
func New[T any](name string, capacity int, process func(T), log zerolog.Logger) *Reactor[T] {
	return &Reactor[T]{
		name:    name,
		ring:    ring.New[T](capacity),
		process: process,
		log:     log.With().Str("poller", name).Logger(),
		stopped: make(chan struct{}),
	}
}

// Enqueue offers item onto the ring. It reports false (QUEUE_FULL to the
// caller) if the ring is at capacity.
func (r *Reactor[T]) Enqueue(item T) bool {
	return r.ring.Push(item)
}

// SetBatchObserver registers fn to receive the size of every non-empty
// batch the reactor drains. Must be set before Run.
func (r *Reactor[T]) SetBatchObserver(fn func(int)) { r.observeBatch = fn }

// Len reports the approximate number of items waiting to be processed —
// backs the queue-depth gauge in internal/metrics.
func (r *Reactor[T]) Len() int { return r.ring.Len() }

// Run drains the ring until stop is closed. Each tick dequeues up to
// Batch items and calls process for each; an empty tick sleeps briefly
// rather than busy-spinning. On stop, Run drains whatever is left once
// more before returning, so in-flight work is not abandoned mid-batch.
func (r *Reactor[T]) Run(stop <-chan struct{}) {
	// One OS thread per poller, as close as the runtime gets to per-core
	// affinity.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	atomic.StoreInt32(&r.running, 1)
	defer func() {
		atomic.StoreInt32(&r.running, 0)
		close(r.stopped)
	}()

	r.log.Info().Msg("poller started")
	for {
		select {
		case <-stop:
			r.drainOnce()
			r.log.Info().Msg("poller stopped")
			return
		default:
			n := r.ring.PopN(Batch, r.process)
			if n == 0 {
				time.Sleep(tickIdle)
			} else if r.observeBatch != nil {
				r.observeBatch(n)
			}
		}
	}
}

func (r *Reactor[T]) drainOnce() {
	for {
		n := r.ring.PopN(Batch, r.process)
		if n == 0 {
			return
		}
	}
}

// Running reports whether the reactor's Run loop is currently active.
func (r *Reactor[T]) Running() bool { return atomic.LoadInt32(&r.running) == 1 }

// Stopped returns a channel closed once Run has returned.
func (r *Reactor[T]) Stopped() <-chan struct{} { return r.stopped }
