package pmempoller

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fogkv/daqkv/internal/pmem"
	"github.com/fogkv/daqkv/internal/readyqueue"
	"github.com/fogkv/daqkv/internal/request"
	"github.com/fogkv/daqkv/internal/status"
)

func newTestPoller(t *testing.T, ready *readyqueue.Queue) (*Poller, *request.Pool) {
	t.Helper()
	pool, err := pmem.Open(filepath.Join(t.TempDir(), "pool.pmem"), 1<<20, true, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	reqPool := request.NewPool()
	index := pmem.NewIndex(pool, zerolog.Nop())
	return New(0, index, ready, reqPool, zerolog.Nop()), reqPool
}

func submit(t *testing.T, p *Poller, pool *request.Pool, op request.Op, key, value []byte) request.Result {
	t.Helper()
	ch := make(chan request.Result, 1)
	req := pool.Get(op)
	req.Key = key
	req.Value = value
	req.Callback = func(r request.Result) { ch <- r }
	require.True(t, p.Enqueue(req))
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poller completion")
		return request.Result{}
	}
}

func TestPollerPutGetRemove(t *testing.T) {
	p, pool := newTestPoller(t, nil)
	stop := make(chan struct{})
	go p.Run(stop)
	t.Cleanup(func() { close(stop); <-p.Stopped() })

	key := []byte("some-key-0000000")
	r := submit(t, p, pool, request.Put, key, []byte("hello"))
	require.Equal(t, status.OK, r.Code)

	r = submit(t, p, pool, request.Get, key, nil)
	require.Equal(t, status.OK, r.Code)
	require.Equal(t, []byte("hello"), r.Value)

	r = submit(t, p, pool, request.Remove, key, nil)
	require.Equal(t, status.OK, r.Code)

	r = submit(t, p, pool, request.Get, key, nil)
	require.Equal(t, status.KeyNotFound, r.Code)
}

func TestPollerFeedsReadyQueue(t *testing.T) {
	ready := readyqueue.New(4, 16, 0, 16)
	p, pool := newTestPoller(t, ready)
	stop := make(chan struct{})
	go p.Run(stop)
	t.Cleanup(func() { close(stop); <-p.Stopped() })

	key := []byte("primary-000000AA")
	r := submit(t, p, pool, request.Put, key, []byte("v"))
	require.Equal(t, status.OK, r.Code)

	full, ok := ready.DequeueNext()
	require.True(t, ok)
	require.Equal(t, key, full)
}

// A ring that is never drained rejects the first enqueue past its
// capacity, which the façade surfaces as QUEUE_FULL_ERROR.
func TestPollerRingRejectsWhenFull(t *testing.T) {
	p, pool := newTestPoller(t, nil)
	// Run is deliberately not started.

	for i := 0; i < RingCapacity; i++ {
		req := pool.Get(request.Put)
		req.Key = []byte("k")
		req.Value = []byte("v")
		req.Callback = func(request.Result) {}
		require.True(t, p.Enqueue(req), "enqueue %d of %d should fit", i, RingCapacity)
	}

	req := pool.Get(request.Put)
	req.Callback = func(request.Result) {}
	require.False(t, p.Enqueue(req), "an enqueue past capacity must be rejected")
}
