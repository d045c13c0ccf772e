package daqkv

import (
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// singleFieldOptions builds a store config with one 16-byte primary key
// field, a fresh pmem pool in a temp dir, and every key routed locally.
func singleFieldOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		PmemPoolPath:  filepath.Join(t.TempDir(), "pool.pmem"),
		PmemTotalSize: 16 << 20,
		PmemTruncate:  true,
		KeyFields:     []KeyField{{Size: 16, Primary: true}},
		NumPollers:    1,
		LogLevel:      zerolog.Disabled,
	}
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// paddedKey builds a full 16-byte key whose leading bytes are id.
func paddedKey(t *testing.T, s *Store, id string) Key {
	t.Helper()
	k, err := s.AllocKey()
	require.NoError(t, err)
	copy(k.Bytes(), id)
	return k
}

func TestPutGetRemoveRoundTrip(t *testing.T) {
	s := openTestStore(t, singleFieldOptions(t))

	key := paddedKey(t, s, "100")
	require.NoError(t, s.PutKV(key, NewCallerValue([]byte("abcd\x00")), NewPutOpts()))

	val, err := s.GetKV(key, NewGetOpts())
	require.NoError(t, err)
	require.Equal(t, []byte("abcd\x00"), val.Bytes())

	require.NoError(t, s.RemoveKV(key))

	_, err = s.GetKV(key, NewGetOpts())
	require.Equal(t, KeyNotFound, CodeOf(err))
}

func TestAllocPutGetAllSizes(t *testing.T) {
	opts := singleFieldOptions(t)
	opts.PmemTotalSize = 64 << 20
	s := openTestStore(t, opts)

	sizes := []int{1, 8, 16, 32, 64, 127, 128, 129, 255, 256, 512, 1023, 1024, 1025, 2048, 4096, 8192, 10240, 16384}
	for _, n := range sizes {
		key := paddedKey(t, s, "size-"+strconv.Itoa(n))

		v, err := s.Alloc(key, n)
		require.NoError(t, err)
		require.Len(t, v.Bytes(), n)
		require.Equal(t, EngineOwned, v.Owner())
		for i := range v.Bytes() {
			v.Bytes()[i] = byte(i * 7)
		}

		require.NoError(t, s.PutKV(key, v, NewPutOpts()))

		got, err := s.GetKV(key, NewGetOpts())
		require.NoError(t, err)
		require.Equal(t, v.Bytes(), got.Bytes(), "size %d", n)
	}
}

func TestGetAnyDrainsReadyKeys(t *testing.T) {
	opts := singleFieldOptions(t)
	opts.MaxReadyKeys = 4
	s := openTestStore(t, opts)

	want := map[string]bool{}
	for i := 0; i < 4; i++ {
		key := paddedKey(t, s, "rk"+strconv.Itoa(i))
		want[string(key.Primary())] = true
		require.NoError(t, s.PutKV(key, NewCallerValue([]byte("v")), NewPutOpts()))
	}

	for i := 0; i < 4; i++ {
		k, err := s.GetAny(NewGetOpts())
		require.NoError(t, err)
		require.True(t, want[string(k.Primary())], "GetAny returned a primary that was never put")
		delete(want, string(k.Primary()))
	}

	_, err := s.GetAny(NewGetOpts())
	require.Equal(t, KeyNotFound, CodeOf(err))

	key := paddedKey(t, s, "rk-late")
	require.NoError(t, s.PutKV(key, NewCallerValue([]byte("v")), NewPutOpts()))
	got, err := s.GetAny(NewGetOpts())
	require.NoError(t, err)
	require.Equal(t, key.Primary(), got.Primary())

	// Non-primary bytes of a reconstructed key are zero.
	full := got.Bytes()
	for i := len(got.Primary()); i < len(full); i++ {
		require.Zero(t, full[i])
	}
}

func offloadOptions(t *testing.T) Options {
	opts := singleFieldOptions(t)
	opts.OffloadEnabled = true
	opts.OffloadDevicePath = filepath.Join(t.TempDir(), "device.img")
	opts.OffloadBlockSize = 512
	opts.OffloadAllocUnitSize = 512
	opts.OffloadPCIAddr = "0000:00:00.0"
	return opts
}

func TestOffloadPromoteGetOverwriteRemove(t *testing.T) {
	s := openTestStore(t, offloadOptions(t))

	key := paddedKey(t, s, "cold")
	value := make([]byte, 4096)
	for i := range value {
		value[i] = byte(i)
	}
	require.NoError(t, s.PutKV(key, NewCallerValue(value), NewPutOpts()))

	off, err := s.IsOffloaded(key)
	require.NoError(t, err)
	require.False(t, off)

	// Promotion carries no payload; the pipeline offloads the value the
	// Put above stored.
	require.NoError(t, s.UpdateKV(key, Value{}, UpdateOpts{Attr: AttrLongTerm, PollerID: autoPoller}))

	off, err = s.IsOffloaded(key)
	require.NoError(t, err)
	require.True(t, off)

	got, err := s.GetKV(key, NewGetOpts())
	require.NoError(t, err)
	require.Equal(t, value, got.Bytes())

	// Overwriting an offloaded key stays on the device.
	value2 := make([]byte, 2048)
	for i := range value2 {
		value2[i] = byte(255 - i)
	}
	require.NoError(t, s.UpdateKV(key, NewCallerValue(value2), NewUpdateOpts()))
	got, err = s.GetKV(key, NewGetOpts())
	require.NoError(t, err)
	require.Equal(t, value2, got.Bytes())

	require.NoError(t, s.RemoveKV(key))
	_, err = s.GetKV(key, NewGetOpts())
	require.Equal(t, KeyNotFound, CodeOf(err))
}

func TestOffloadLBAReuseAfterRemove(t *testing.T) {
	s := openTestStore(t, offloadOptions(t))

	key := paddedKey(t, s, "reuse")
	value := make([]byte, 512)
	require.NoError(t, s.PutKV(key, NewCallerValue(value), NewPutOpts()))
	require.NoError(t, s.UpdateKV(key, Value{}, UpdateOpts{Attr: AttrLongTerm, PollerID: autoPoller}))

	mark, err := s.GetProperty("offload.max_lba")
	require.NoError(t, err)

	require.NoError(t, s.RemoveKV(key))

	key2 := paddedKey(t, s, "reuse2")
	require.NoError(t, s.PutKV(key2, NewCallerValue(value), NewPutOpts()))
	require.NoError(t, s.UpdateKV(key2, Value{}, UpdateOpts{Attr: AttrLongTerm, PollerID: autoPoller}))

	mark2, err := s.GetProperty("offload.max_lba")
	require.NoError(t, err)
	require.Equal(t, mark, mark2, "a released lba should be reused before the high-water mark advances")
}

func TestUpdateLongTermWithoutOffloadFails(t *testing.T) {
	s := openTestStore(t, singleFieldOptions(t))

	key := paddedKey(t, s, "hot")
	require.NoError(t, s.PutKV(key, NewCallerValue([]byte("v")), NewPutOpts()))

	err := s.UpdateKV(key, Value{}, UpdateOpts{Attr: AttrLongTerm, PollerID: autoPoller})
	require.Equal(t, OffloadDisabledError, CodeOf(err))
}

func TestAsyncPutObservableBySyncGetSamePoller(t *testing.T) {
	opts := singleFieldOptions(t)
	opts.NumPollers = 2
	s := openTestStore(t, opts)

	key := paddedKey(t, s, "async")
	done := make(chan StatusCode, 1)
	s.PutKVAsync(key, NewCallerValue([]byte("payload")), PutOpts{PollerID: 1}, func(code StatusCode) {
		done <- code
	})

	select {
	case code := <-done:
		require.Equal(t, OK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("async put callback never fired")
	}

	val, err := s.GetKV(key, GetOpts{PollerID: 1})
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), val.Bytes())
}

func TestAsyncGetAndRemove(t *testing.T) {
	s := openTestStore(t, singleFieldOptions(t))

	key := paddedKey(t, s, "agr")
	require.NoError(t, s.PutKV(key, NewCallerValue([]byte("x")), NewPutOpts()))

	var wg sync.WaitGroup
	wg.Add(1)
	s.GetKVAsync(key, NewGetOpts(), func(v Value, code StatusCode) {
		defer wg.Done()
		require.Equal(t, OK, code)
		require.Equal(t, []byte("x"), v.Bytes())
	})
	wg.Wait()

	wg.Add(1)
	s.RemoveKVAsync(key, func(code StatusCode) {
		defer wg.Done()
		require.Equal(t, OK, code)
	})
	wg.Wait()

	wg.Add(1)
	s.GetKVAsync(key, NewGetOpts(), func(_ Value, code StatusCode) {
		defer wg.Done()
		require.Equal(t, KeyNotFound, code)
	})
	wg.Wait()
}

func TestSatelliteWithoutNeighborsRejectsOps(t *testing.T) {
	opts := Options{
		KeyFields: []KeyField{{Size: 16, Primary: true}},
		Mode:      ModeSatellite,
		LogLevel:  zerolog.Disabled,
	}
	s := openTestStore(t, opts)

	key, err := s.AllocKey()
	require.NoError(t, err)

	err = s.PutKV(key, NewCallerValue([]byte("v")), NewPutOpts())
	require.Equal(t, NotSupported, CodeOf(err))
}

func TestGetProperty(t *testing.T) {
	s := openTestStore(t, singleFieldOptions(t))

	v, err := s.GetProperty("daqdb.version")
	require.NoError(t, err)
	require.NotEmpty(t, v)

	v, err = s.GetProperty("daqdb.mode")
	require.NoError(t, err)
	require.Equal(t, "STORAGE", v)

	v, err = s.GetProperty("dht.neighbor_count")
	require.NoError(t, err)
	require.Equal(t, "0", v)

	v, err = s.GetProperty("dht.routing_table")
	require.NoError(t, err)
	require.Equal(t, "*=[0,0]", v)

	_, err = s.GetProperty("no.such.property")
	require.Equal(t, NotImplemented, CodeOf(err))
}

func TestPoolSurvivesReopen(t *testing.T) {
	opts := singleFieldOptions(t)
	s, err := Open(opts)
	require.NoError(t, err)

	key := paddedKey(t, s, "durable")
	require.NoError(t, s.PutKV(key, NewCallerValue([]byte("still here")), NewPutOpts()))
	require.NoError(t, s.Close())

	opts.PmemTruncate = false
	s2 := openTestStore(t, opts)
	key2 := paddedKey(t, s2, "durable")
	val, err := s2.GetKV(key2, NewGetOpts())
	require.NoError(t, err)
	require.Equal(t, []byte("still here"), val.Bytes())
}

// reservePort grabs an ephemeral TCP port and releases it so a store can
// listen there moments later.
func reservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestTwoNodeClusterRoutesByPrimaryBit(t *testing.T) {
	portA := reservePort(t)
	portB := reservePort(t)

	base := func(dir string, id string, port int, start, end uint64, peerID string, peerPort int, peerStart, peerEnd uint64) Options {
		return Options{
			PmemPoolPath:  filepath.Join(dir, "pool.pmem"),
			PmemTotalSize: 16 << 20,
			PmemTruncate:  true,
			KeyFields:     []KeyField{{Size: 16, Primary: true}},
			NumPollers:    1,
			DHTListenAddr: "127.0.0.1:" + strconv.Itoa(port),
			Local:         LocalRoute{ID: id, MaskLen: 1, MaskOff: 7, Start: start, End: end},
			Neighbors: []NeighborConfig{{
				ID: peerID, IP: "127.0.0.1", Port: peerPort, Start: peerStart, End: peerEnd,
			}},
			LogLevel: zerolog.Disabled,
		}
	}

	// Node A owns routing value 0, node B owns 1, on the low bit of the
	// primary field's first byte.
	a := openTestStore(t, base(t.TempDir(), "A", portA, 0, 0, "B", portB, 1, 1))
	b := openTestStore(t, base(t.TempDir(), "B", portB, 1, 1, "A", portA, 0, 0))

	oddKeyA := paddedKey(t, a, "")
	oddKeyA.Bytes()[0] = 0x01 // low bit set: owned by B
	oddKeyB := paddedKey(t, b, "")
	oddKeyB.Bytes()[0] = 0x01

	require.False(t, a.router.IsLocal(oddKeyA.Bytes()))
	require.True(t, b.router.IsLocal(oddKeyB.Bytes()))

	// Put through A forwards to B; readable from both sides.
	require.NoError(t, a.PutKV(oddKeyA, NewCallerValue([]byte("routed")), NewPutOpts()))

	val, err := b.GetKV(oddKeyB, NewGetOpts())
	require.NoError(t, err)
	require.Equal(t, []byte("routed"), val.Bytes())

	val, err = a.GetKV(oddKeyA, NewGetOpts())
	require.NoError(t, err)
	require.Equal(t, []byte("routed"), val.Bytes())

	// Removing through either side removes it everywhere.
	require.NoError(t, a.RemoveKV(oddKeyA))

	_, err = b.GetKV(oddKeyB, NewGetOpts())
	require.Equal(t, KeyNotFound, CodeOf(err))
	_, err = a.GetKV(oddKeyA, NewGetOpts())
	require.Equal(t, KeyNotFound, CodeOf(err))
}
