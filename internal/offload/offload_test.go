package offload

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"

	"github.com/fogkv/daqkv/internal/pmem"
	"github.com/fogkv/daqkv/internal/request"
	"github.com/fogkv/daqkv/internal/status"
)

var sharedReqPool = request.NewPool()

const allocUnit = 512

func newTestFixture(t *testing.T) (*Poller, *Finalize, *pmem.Index, func()) {
	t.Helper()
	dir := t.TempDir()
	poolPath := filepath.Join(dir, "pool.pmem")
	pool, err := pmem.Open(poolPath, 1<<20, true, zerolog.Nop())
	require.NoError(t, err)

	index := pmem.NewIndex(pool, zerolog.Nop())
	freeList := pmem.NewFreeList(pool)
	require.NoError(t, freeList.Push(-1))

	devPath := filepath.Join(dir, "device.img")
	dev, err := OpenFileDevice(devPath, allocUnit)
	require.NoError(t, err)

	var bufPool bytebufferpool.Pool
	finalize := NewFinalize(64, index, freeList, "0000:00:00.0", &bufPool, sharedReqPool, zerolog.Nop())
	off := New(64, index, freeList, dev, "0000:00:00.0", allocUnit, finalize, &bufPool, sharedReqPool, zerolog.Nop())

	stop := make(chan struct{})
	go finalize.Run(stop)
	go off.Run(stop)

	cleanup := func() {
		close(stop)
		<-finalize.Stopped()
		<-off.Stopped()
		_ = dev.Close()
		_ = pool.Close()
		_ = os.Remove(poolPath)
	}
	return off, finalize, index, cleanup
}

func waitResult(t *testing.T, ch chan request.Result) request.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for offload completion")
		return request.Result{}
	}
}

func TestOffloadUpdateThenGetThenRemove(t *testing.T) {
	off, _, index, cleanup := newTestFixture(t)
	defer cleanup()

	key := []byte("key-1")
	value := make([]byte, 4096)
	for i := range value {
		value[i] = byte(i)
	}
	require.NoError(t, index.Put(key, []byte("placeholder")))

	ch := make(chan request.Result, 1)
	require.True(t, off.Enqueue(&request.Request{
		Op:       request.Update,
		Key:      key,
		Value:    value,
		LongTerm: true,
		Callback: func(r request.Result) { ch <- r },
	}))
	res := waitResult(t, ch)
	require.Equal(t, 0, int(res.Code))

	loc, err := index.LocationOf(key)
	require.NoError(t, err)
	require.Equal(t, pmem.LocationDisk, loc)

	ch = make(chan request.Result, 1)
	require.True(t, off.Enqueue(&request.Request{
		Op:       request.Get,
		Key:      key,
		Callback: func(r request.Result) { ch <- r },
	}))
	res = waitResult(t, ch)
	require.Equal(t, 0, int(res.Code))
	require.Equal(t, value, res.Value)

	ch = make(chan request.Result, 1)
	require.True(t, off.Enqueue(&request.Request{
		Op:       request.Remove,
		Key:      key,
		Callback: func(r request.Result) { ch <- r },
	}))
	res = waitResult(t, ch)
	require.Equal(t, 0, int(res.Code))

	_, _, err = index.Get(key)
	require.Error(t, err)
}

func TestOffloadLBAReleasedAfterRemove(t *testing.T) {
	off, _, index, cleanup := newTestFixture(t)
	defer cleanup()

	put := func(key []byte, value []byte) {
		require.NoError(t, index.Put(key, []byte("placeholder")))
		var wg sync.WaitGroup
		wg.Add(1)
		require.True(t, off.Enqueue(&request.Request{
			Op: request.Update, Key: key, Value: value, LongTerm: true,
			Callback: func(r request.Result) { require.Equal(t, 0, int(r.Code)); wg.Done() },
		}))
		wg.Wait()
	}
	remove := func(key []byte) {
		var wg sync.WaitGroup
		wg.Add(1)
		require.True(t, off.Enqueue(&request.Request{
			Op: request.Remove, Key: key,
			Callback: func(r request.Result) { require.Equal(t, 0, int(r.Code)); wg.Done() },
		}))
		wg.Wait()
	}

	k1, k2 := []byte("k1"), []byte("k2")
	v := make([]byte, 128)
	put(k1, v)
	put(k2, v)

	addr1, _, err := index.GetDeviceAddr(k1)
	require.NoError(t, err)
	remove(k1)

	put(k1, v)
	addr1b, _, err := index.GetDeviceAddr(k1)
	require.NoError(t, err)
	require.Equal(t, addr1.LBA, addr1b.LBA, "a freed lba should be reused before the high-water mark advances")

	remove(k1)
	remove(k2)
}

// A value-less long-term update must offload the key's current
// pmem-resident value, not a zero-length payload.
func TestOffloadUpdateWithoutValuePromotesCurrent(t *testing.T) {
	off, _, index, cleanup := newTestFixture(t)
	defer cleanup()

	key := []byte("key-2")
	original := make([]byte, 1500)
	for i := range original {
		original[i] = byte(i * 3)
	}
	require.NoError(t, index.Put(key, original))

	ch := make(chan request.Result, 1)
	require.True(t, off.Enqueue(&request.Request{
		Op:       request.Update,
		Key:      key,
		LongTerm: true,
		Callback: func(r request.Result) { ch <- r },
	}))
	res := waitResult(t, ch)
	require.Equal(t, 0, int(res.Code))

	loc, err := index.LocationOf(key)
	require.NoError(t, err)
	require.Equal(t, pmem.LocationDisk, loc)

	ch = make(chan request.Result, 1)
	require.True(t, off.Enqueue(&request.Request{
		Op:       request.Get,
		Key:      key,
		Callback: func(r request.Result) { ch <- r },
	}))
	res = waitResult(t, ch)
	require.Equal(t, 0, int(res.Code))
	require.Equal(t, original, res.Value)

	// A second value-less update of an already-offloaded key is a no-op.
	ch = make(chan request.Result, 1)
	require.True(t, off.Enqueue(&request.Request{
		Op:       request.Update,
		Key:      key,
		LongTerm: true,
		Callback: func(r request.Result) { ch <- r },
	}))
	res = waitResult(t, ch)
	require.Equal(t, 0, int(res.Code))
}

func TestOffloadUpdateWithoutValueMissingKey(t *testing.T) {
	off, _, _, cleanup := newTestFixture(t)
	defer cleanup()

	ch := make(chan request.Result, 1)
	require.True(t, off.Enqueue(&request.Request{
		Op:       request.Update,
		Key:      []byte("never-put"),
		LongTerm: true,
		Callback: func(r request.Result) { ch <- r },
	}))
	res := waitResult(t, ch)
	require.Equal(t, int(status.KeyNotFound), int(res.Code))
}
