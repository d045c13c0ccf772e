// Package daqkv is the public surface of a distributed key-value store
// built for high-rate data-acquisition pipelines: producers insert event
// fragments addressed by a fixed-layout composite key, consumers read
// them back, hot values live in persistent memory, and cold values are
// offloaded to an NVMe block device. Store is the façade that stitches
// together the pmem index, the NVMe offload pipeline, the pmem pollers,
// the primary-key ready queue, and the DHT routing/transport layer.
package daqkv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/errgroup"

	"github.com/fogkv/daqkv/internal/dht"
	"github.com/fogkv/daqkv/internal/logging"
	"github.com/fogkv/daqkv/internal/metrics"
	"github.com/fogkv/daqkv/internal/offload"
	"github.com/fogkv/daqkv/internal/pmem"
	"github.com/fogkv/daqkv/internal/pmempoller"
	"github.com/fogkv/daqkv/internal/readyqueue"
	"github.com/fogkv/daqkv/internal/request"
	"github.com/fogkv/daqkv/internal/status"
)

// DefaultSyncTimeout is how long a synchronous call waits for a
// poller/DHT completion before giving up with TimeOut.
const DefaultSyncTimeout = time.Second

// offloadRingCapacity sizes both the offload poller's and the finalize
// poller's request rings; kept equal so a burst that fits in the former
// never has to be rejected by the latter.
const offloadRingCapacity = 4096

const storeVersion = "1.0.0"

// Store is the public façade. Construct one with Open.
type Store struct {
	opts   Options
	layout *KeyLayout
	mode   Mode

	pool     *pmem.Pool
	index    *pmem.Index
	freeList *pmem.FreeList
	device   offload.Device

	pmemPollers   []*pmempoller.Poller
	offloadPoller *offload.Poller
	finalize      *offload.Finalize
	ready         *readyqueue.Queue

	router *dht.Router
	client *dht.Client
	server *dht.Server

	reqPool *request.Pool
	metrics *metrics.Set
	log     zerolog.Logger

	rr     uint64
	stopCh chan struct{}
	group  errgroup.Group
}

// Open creates or reattaches to a store per opts.
func Open(opts Options) (*Store, error) {
	layout, err := NewKeyLayout(opts.KeyFields)
	if err != nil {
		return nil, err
	}

	log := logging.New(opts.LogLevel, opts.LogFunc)

	reg := opts.MetricsRegisterer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ns := opts.MetricsNamespace
	if ns == "" {
		ns = "daqkv"
	}

	s := &Store{
		opts:    opts,
		layout:  layout,
		mode:    opts.Mode,
		reqPool: request.NewPool(),
		metrics: metrics.NewSet(reg, ns),
		log:     log,
		stopCh:  make(chan struct{}),
	}

	neighbors := make([]dht.Neighbor, 0, len(opts.Neighbors))
	for _, n := range opts.Neighbors {
		neighbors = append(neighbors, dht.Neighbor{
			ID: n.ID, IP: n.IP, Port: n.Port,
			MaskLen: opts.Local.MaskLen, MaskOff: opts.Local.MaskOff,
			Start: n.Start, End: n.End,
		})
	}
	local := dht.Neighbor{
		ID: opts.Local.ID, MaskLen: opts.Local.MaskLen, MaskOff: opts.Local.MaskOff,
		Start: opts.Local.Start, End: opts.Local.End, IsLocal: true,
	}
	s.router = dht.NewRouter(local, neighbors, layout.PrimaryOffset())
	if len(opts.Neighbors) > 0 {
		s.client = dht.NewClient(neighbors, log)
	}

	if opts.Mode == ModeStorage {
		if err := s.openLocal(opts, log); err != nil {
			s.Close()
			return nil, Wrap(UnknownError, "Open", err)
		}
	}

	if opts.DHTListenAddr != "" {
		srv, err := dht.NewServer(opts.DHTListenAddr, s, log)
		if err != nil {
			s.Close()
			return nil, Wrap(UnknownError, "Open", err)
		}
		s.server = srv
		go func() {
			if err := srv.Serve(); err != nil {
				s.log.Warn().Err(err).Msg("dht server exited")
			}
		}()
	}

	return s, nil
}

func (s *Store) openLocal(opts Options, log zerolog.Logger) error {
	pool, err := pmem.Open(opts.PmemPoolPath, opts.PmemTotalSize, opts.PmemTruncate, log)
	if err != nil {
		return err
	}
	s.pool = pool
	if opts.PmemAllocUnitSize > 0 {
		pool.SetAllocUnit(opts.PmemAllocUnitSize)
	}
	s.index = pmem.NewIndex(pool, log)
	s.freeList = pmem.NewFreeList(pool)
	if err := s.freeList.Push(-1); err != nil {
		return err
	}

	if opts.MaxReadyKeys > 0 {
		s.ready = readyqueue.New(opts.MaxReadyKeys, s.layout.Size(), s.layout.PrimaryOffset(), s.layout.PrimarySize())
	}

	n := opts.numPollers()
	s.pmemPollers = make([]*pmempoller.Poller, n)
	for i := 0; i < n; i++ {
		p := pmempoller.New(i, s.index, s.ready, s.reqPool, log)
		name := "pmem-" + strconv.Itoa(i)
		p.SetBatchObserver(func(batch int) { s.metrics.ObserveBatch(name, batch) })
		s.pmemPollers[i] = p
		s.group.Go(func() error { p.Run(s.stopCh); return nil })
	}

	if opts.OffloadEnabled {
		dev, err := offload.OpenFileDevice(opts.OffloadDevicePath, opts.OffloadBlockSize)
		if err != nil {
			return err
		}
		s.device = dev
		reqBufs := new(bytebufferpool.Pool)
		s.finalize = offload.NewFinalize(offloadRingCapacity, s.index, s.freeList, offload.PCIAddr(opts.OffloadPCIAddr), reqBufs, s.reqPool, log)
		s.offloadPoller = offload.New(offloadRingCapacity, s.index, s.freeList, dev, offload.PCIAddr(opts.OffloadPCIAddr), opts.OffloadAllocUnitSize, s.finalize, reqBufs, s.reqPool, log)
		s.finalize.SetBatchObserver(func(batch int) { s.metrics.ObserveBatch("finalize", batch) })
		s.offloadPoller.SetBatchObserver(func(batch int) { s.metrics.ObserveBatch("offload", batch) })
		s.group.Go(func() error { s.finalize.Run(s.stopCh); return nil })
		s.group.Go(func() error { s.offloadPoller.Run(s.stopCh); return nil })
	}

	s.group.Go(func() error { s.sampleMetrics(); return nil })

	return nil
}

// sampleMetrics updates the queue-depth/high-water gauges once per
// sampling tick until Close.
func (s *Store) sampleMetrics() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, p := range s.pmemPollers {
				s.metrics.SetQueueDepth("pmem-"+strconv.Itoa(p.ID()), p.Len())
			}
			if s.offloadPoller != nil {
				s.metrics.SetQueueDepth("offload", s.offloadPoller.Len())
			}
			if s.finalize != nil {
				s.metrics.SetQueueDepth("finalize", s.finalize.Len())
			}
			if s.ready != nil {
				s.metrics.ReadyQueueLen.Set(float64(s.ready.Len()))
			}
			if s.freeList != nil {
				s.metrics.OffloadMaxLBA.Set(float64(s.freeList.MaxLBA()))
			}
		}
	}
}

// Close stops every poller (drain then quiesce), then the DHT server,
// then releases the pmem pool.
func (s *Store) Close() error {
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	_ = s.group.Wait()
	if s.server != nil {
		s.server.Stop()
	}
	if s.client != nil {
		s.client.Close()
	}
	var err error
	if s.device != nil {
		err = s.device.Close()
	}
	if s.pool != nil {
		if cerr := s.pool.Close(); cerr != nil {
			err = cerr
		}
	}
	if s.opts.ShutdownFunc != nil {
		s.opts.ShutdownFunc()
	}
	return err
}

func errFor(code status.Code, op string) error {
	if code == status.OK {
		return nil
	}
	return NewError(code, op)
}

func (s *Store) pickPmemPoller(pollerID int) *pmempoller.Poller {
	n := len(s.pmemPollers)
	if pollerID < 0 {
		idx := int(atomic.AddUint64(&s.rr, 1)-1) % n
		return s.pmemPollers[idx]
	}
	return s.pmemPollers[pollerID%n]
}

func (s *Store) syncPmem(op request.Op, key, value []byte, pollerID int) ([]byte, status.Code) {
	if len(s.pmemPollers) == 0 {
		return nil, status.NotSupported
	}
	p := s.pickPmemPoller(pollerID)
	req := s.reqPool.Get(op)
	req.Key = key
	req.Value = value

	ch := make(chan request.Result, 1)
	req.Callback = func(r request.Result) { ch <- r }

	if !p.Enqueue(req) {
		s.reqPool.Put(req)
		return nil, status.QueueFullError
	}
	select {
	case r := <-ch:
		return r.Value, r.Code
	case <-time.After(DefaultSyncTimeout):
		return nil, status.TimeOut
	}
}

func (s *Store) syncOffload(op request.Op, key, value []byte, longTerm bool) ([]byte, status.Code) {
	if s.offloadPoller == nil {
		return nil, status.OffloadDisabledError
	}
	req := s.reqPool.Get(op)
	req.Key = key
	req.Value = value
	req.LongTerm = longTerm

	ch := make(chan request.Result, 1)
	req.Callback = func(r request.Result) { ch <- r }

	if !s.offloadPoller.Enqueue(req) {
		s.reqPool.Put(req)
		return nil, status.QueueFullError
	}
	select {
	case r := <-ch:
		return r.Value, r.Code
	case <-time.After(DefaultSyncTimeout):
		return nil, status.TimeOut
	}
}

// ---- dht.LocalStore implementation, used by the DHT server when this
// node is the target of a remote Get/Put/Remove. PollerID always
// round-robins here since the wire protocol carries no pollerId.

// Put implements dht.LocalStore for the byte-level PUT path; the typed
// public entry point is PutKV.
func (s *Store) Put(key, value []byte) status.Code {
	if s.index != nil {
		if loc, err := s.index.LocationOf(key); err == nil && loc == pmem.LocationDisk {
			_, code := s.syncOffload(request.Update, key, value, true)
			return code
		}
	}
	_, code := s.syncPmem(request.Put, key, value, autoPoller)
	return code
}

// Get implements dht.LocalStore for the byte-level GET path; the typed
// public entry point is GetKV.
func (s *Store) Get(key []byte) ([]byte, status.Code) {
	if s.index != nil {
		if loc, err := s.index.LocationOf(key); err == nil && loc == pmem.LocationDisk {
			return s.syncOffload(request.Get, key, nil, false)
		}
	}
	return s.syncPmem(request.Get, key, nil, autoPoller)
}

// Remove implements dht.LocalStore for the byte-level REMOVE path; the
// typed public entry point is RemoveKV.
func (s *Store) Remove(key []byte) status.Code {
	if s.index != nil {
		if loc, err := s.index.LocationOf(key); err == nil && loc == pmem.LocationDisk {
			_, code := s.syncOffload(request.Remove, key, nil, false)
			return code
		}
	}
	_, code := s.syncPmem(request.Remove, key, nil, autoPoller)
	return code
}

// ---- Public façade API. Named *KV (not the bare verb) because the
// bare verbs above already implement dht.LocalStore's byte-slice
// signatures — Go has no overloading to let both coexist under one
// name.

func (s *Store) remoteNeighbor(keyBytes []byte) (dht.Neighbor, bool) {
	if s.mode == ModeSatellite {
		return s.router.Lookup(keyBytes)
	}
	if s.router.IsLocal(keyBytes) {
		return dht.Neighbor{}, false
	}
	return s.router.Lookup(keyBytes)
}

// observe records one façade operation's latency and hit/miss/error
// counters against the tier that served it.
func (s *Store) observe(op, tier string, start time.Time, code status.Code) {
	s.metrics.ObserveLatency(op, tier, time.Since(start))
	switch code {
	case status.OK:
		s.metrics.RecordHit(tier)
	case status.KeyNotFound:
		s.metrics.RecordMiss(tier)
	default:
		s.metrics.RecordError(op)
	}
}

// tierOf classifies where key's value would be served from right now, for
// the metrics labels.
func (s *Store) tierOf(kb []byte) string {
	if s.index != nil {
		if loc, err := s.index.LocationOf(kb); err == nil && loc == pmem.LocationDisk {
			return metrics.TierDisk
		}
	}
	return metrics.TierPmem
}

// PutKV writes key/value, forwarding to the owning peer when the key
// routes remotely.
func (s *Store) PutKV(key Key, value Value, opts PutOpts) error {
	start := time.Now()
	kb := key.Bytes()
	if n, remote := s.remoteNeighbor(kb); remote {
		err := s.forwardPut(n, kb, value.Bytes())
		s.observe("put", metrics.TierRemote, start, status.Of(err))
		return err
	}
	if s.mode != ModeStorage {
		return NewError(NotSupported, "Put")
	}
	if s.index != nil {
		if loc, lerr := s.index.LocationOf(kb); lerr == nil && loc == pmem.LocationDisk {
			_, code := s.syncOffload(request.Update, kb, value.Bytes(), true)
			s.observe("put", metrics.TierDisk, start, code)
			return errFor(code, "Put")
		}
	}
	_, code := s.syncPmem(request.Put, kb, value.Bytes(), opts.PollerID)
	s.observe("put", metrics.TierPmem, start, code)
	return errFor(code, "Put")
}

// GetKV reads key's current value from whichever tier holds it.
func (s *Store) GetKV(key Key, opts GetOpts) (Value, error) {
	start := time.Now()
	kb := key.Bytes()
	if n, remote := s.remoteNeighbor(kb); remote {
		val, err := s.forwardGet(n, kb)
		s.observe("get", metrics.TierRemote, start, status.Of(err))
		return val, err
	}
	if s.mode != ModeStorage {
		return Value{}, NewError(NotSupported, "Get")
	}
	tier := s.tierOf(kb)
	var val []byte
	var code status.Code
	if tier == metrics.TierDisk {
		val, code = s.syncOffload(request.Get, kb, nil, false)
	} else {
		val, code = s.syncPmem(request.Get, kb, nil, opts.PollerID)
	}
	s.observe("get", tier, start, code)
	if code != status.OK {
		return Value{}, errFor(code, "Get")
	}
	return NewCallerValue(val), nil
}

// UpdateKV rewrites key's value. With the LongTerm attribute it
// diverts into the offload pipeline, moving the value to the NVMe
// tier; a zero Value there promotes the key's current value unchanged,
// so Update(key, LongTerm) with no payload offloads what a prior Put
// stored.
func (s *Store) UpdateKV(key Key, value Value, opts UpdateOpts) error {
	start := time.Now()
	kb := key.Bytes()
	if n, remote := s.remoteNeighbor(kb); remote {
		err := s.forwardPut(n, kb, value.Bytes())
		s.observe("update", metrics.TierRemote, start, status.Of(err))
		return err
	}
	if s.mode != ModeStorage {
		return NewError(NotSupported, "Update")
	}
	// A bare Update behaves like Put unless the key already lives on the
	// device, in which case it overwrites in place there; demoting it
	// back to pmem would orphan the blocks it occupies.
	if opts.Attr&AttrLongTerm == 0 && s.tierOf(kb) != metrics.TierDisk {
		_, code := s.syncPmem(request.Put, kb, value.Bytes(), opts.PollerID)
		s.observe("update", metrics.TierPmem, start, code)
		return errFor(code, "Update")
	}
	_, code := s.syncOffload(request.Update, kb, value.Bytes(), true)
	s.observe("update", metrics.TierDisk, start, code)
	return errFor(code, "Update")
}

// RemoveKV deletes key from whichever tier holds it.
func (s *Store) RemoveKV(key Key) error {
	start := time.Now()
	kb := key.Bytes()
	if n, remote := s.remoteNeighbor(kb); remote {
		err := s.forwardRemove(n, kb)
		s.observe("remove", metrics.TierRemote, start, status.Of(err))
		return err
	}
	if s.mode != ModeStorage {
		return NewError(NotSupported, "Remove")
	}
	tier := s.tierOf(kb)
	code := s.Remove(kb)
	s.observe("remove", tier, start, code)
	return errFor(code, "Remove")
}

// GetAny pops one ready primary key, reconstructed as a zeroed full
// key with only the primary field populated.
func (s *Store) GetAny(opts GetOpts) (Key, error) {
	if s.ready == nil {
		return Key{}, NewError(NotSupported, "GetAny")
	}
	full, ok := s.ready.DequeueNext()
	if !ok {
		s.metrics.RecordMiss(metrics.TierPmem)
		return Key{}, NewError(KeyNotFound, "GetAny")
	}
	s.metrics.RecordHit(metrics.TierPmem)
	return NewCallerKey(s.layout, full)
}

// Alloc carves a size-byte engine-owned value buffer from the pmem
// arena for key. The returned Value's Free is a no-op: the arena block
// it points to is reclaimed by this key's next Put/Update/Remove, not
// by an independent per-Value free.
func (s *Store) Alloc(key Key, size int) (Value, error) {
	if s.index == nil {
		return Value{}, NewError(NotSupported, "Alloc")
	}
	buf, err := s.index.AllocValueForKey(key.Bytes(), size)
	if err != nil {
		return Value{}, Wrap(codeOfIndexErr(err), "Alloc", err)
	}
	return newEngineValue(buf, func([]byte) {}), nil
}

// AllocKey returns a zero-filled, caller-owned Key of this store's key
// layout size.
func (s *Store) AllocKey() (Key, error) {
	return NewCallerKey(s.layout, make([]byte, s.layout.Size()))
}

// FreeKey releases an engine-owned Key back to its arena. Go's lack of
// overloading splits Free into FreeKey/FreeValue rather than one
// dynamically-typed Free.
func (s *Store) FreeKey(k Key) { k.Free() }

// FreeValue releases an engine-owned Value back to its arena.
func (s *Store) FreeValue(v Value) { v.Free() }

// IsOffloaded reports whether key currently resolves to LocationDisk.
// This is a local-only probe; a caller holding a remote key should
// address that node's façade directly rather than route through this
// one.
func (s *Store) IsOffloaded(key Key) (bool, error) {
	if s.index == nil {
		return false, NewError(NotSupported, "IsOffloaded")
	}
	loc, err := s.index.LocationOf(key.Bytes())
	if err != nil {
		return false, Wrap(codeOfIndexErr(err), "IsOffloaded", err)
	}
	return loc == pmem.LocationDisk, nil
}

// DHTAddr returns the DHT server's bound address, or "" if this store
// runs without one. Useful when Options.DHTListenAddr used port 0.
func (s *Store) DHTAddr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr()
}

// GetProperty returns informational store properties by name.
func (s *Store) GetProperty(name string) (string, error) {
	switch name {
	case "daqdb.version":
		return storeVersion, nil
	case "daqdb.mode":
		if s.mode == ModeSatellite {
			return "SATELLITE", nil
		}
		return "STORAGE", nil
	case "dht.neighbor_count":
		return strconv.Itoa(len(s.router.Neighbors())), nil
	case "offload.max_lba":
		if s.freeList == nil {
			return "0", nil
		}
		return strconv.FormatInt(s.freeList.MaxLBA(), 10), nil
	case "dht.routing_table":
		entries := make([]string, 0, len(s.router.Neighbors())+1)
		for _, n := range s.router.Dump() {
			tag := n.ID
			if n.IsLocal {
				tag += "*"
			}
			entries = append(entries, fmt.Sprintf("%s=[%d,%d]", tag, n.Start, n.End))
		}
		return strings.Join(entries, " "), nil
	default:
		return "", NewError(NotImplemented, "getProperty")
	}
}

func codeOfIndexErr(err error) status.Code {
	switch err {
	case pmem.ErrKeyNotFound:
		return status.KeyNotFound
	case pmem.ErrAllocation:
		return status.AllocationError
	case pmem.ErrJournalFull:
		return status.QueueFullError
	default:
		return status.UnknownError
	}
}

func (s *Store) forwardPut(n dht.Neighbor, key, value []byte) error {
	sess := s.client.Session(n.ID)
	if sess == nil {
		return NewError(UnknownError, "Put")
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSyncTimeout)
	defer cancel()
	return errFor(sess.Put(ctx, key, value), "Put")
}

func (s *Store) forwardGet(n dht.Neighbor, key []byte) (Value, error) {
	sess := s.client.Session(n.ID)
	if sess == nil {
		return Value{}, NewError(UnknownError, "Get")
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSyncTimeout)
	defer cancel()
	val, code := sess.Get(ctx, key)
	if code != status.OK {
		return Value{}, errFor(code, "Get")
	}
	return NewCallerValue(val), nil
}

func (s *Store) forwardRemove(n dht.Neighbor, key []byte) error {
	sess := s.client.Session(n.ID)
	if sess == nil {
		return NewError(UnknownError, "Remove")
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSyncTimeout)
	defer cancel()
	return errFor(sess.Remove(ctx, key), "Remove")
}
