package daqkv

import (
	"context"
	"time"

	"github.com/fogkv/daqkv/internal/dht"
	"github.com/fogkv/daqkv/internal/metrics"
	"github.com/fogkv/daqkv/internal/pmem"
	"github.com/fogkv/daqkv/internal/request"
	"github.com/fogkv/daqkv/internal/status"
)

// Every synchronous façade method has an asynchronous twin taking a
// completion callback. The callback is invoked exactly once with the
// operation's final status — on the completing poller's goroutine for
// local operations, on a transient goroutine for forwarded ones, or
// inline when the request is rejected before it was ever enqueued
// (queue full, offload disabled, wrong mode). Callback code must not
// call back into a blocking façade method on the same goroutine.

// PutCallback receives an async Put/Update/Remove completion.
type PutCallback func(StatusCode)

// GetCallback receives an async Get completion; value is only valid
// when code == OK.
type GetCallback func(Value, StatusCode)

func (s *Store) asyncPmem(op request.Op, key, value []byte, pollerID int, cb func(request.Result)) {
	if len(s.pmemPollers) == 0 {
		cb(request.Result{Code: status.NotSupported})
		return
	}
	p := s.pickPmemPoller(pollerID)
	req := s.reqPool.Get(op)
	req.Key = key
	req.Value = value
	req.Callback = cb
	if !p.Enqueue(req) {
		s.reqPool.Put(req)
		cb(request.Result{Code: status.QueueFullError})
	}
}

func (s *Store) asyncOffload(op request.Op, key, value []byte, longTerm bool, cb func(request.Result)) {
	if s.offloadPoller == nil {
		cb(request.Result{Code: status.OffloadDisabledError})
		return
	}
	req := s.reqPool.Get(op)
	req.Key = key
	req.Value = value
	req.LongTerm = longTerm
	req.Callback = cb
	if !s.offloadPoller.Enqueue(req) {
		s.reqPool.Put(req)
		cb(request.Result{Code: status.QueueFullError})
	}
}

// forwardAsync runs a remote call on its own goroutine, since the DHT
// session's send path blocks on the response.
func (s *Store) forwardAsync(n dht.Neighbor, fn func(ctx context.Context, sess *dht.Session) request.Result, cb func(request.Result)) {
	sess := s.client.Session(n.ID)
	if sess == nil {
		cb(request.Result{Code: status.UnknownError})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSyncTimeout)
		defer cancel()
		cb(fn(ctx, sess))
	}()
}

// PutKVAsync is PutKV's asynchronous twin.
func (s *Store) PutKVAsync(key Key, value Value, opts PutOpts, cb PutCallback) {
	start := time.Now()
	kb := key.Bytes()
	done := func(tier string) func(request.Result) {
		return func(r request.Result) {
			s.observe("put", tier, start, r.Code)
			cb(r.Code)
		}
	}
	if n, remote := s.remoteNeighbor(kb); remote {
		s.forwardAsync(n, func(ctx context.Context, sess *dht.Session) request.Result {
			return request.Result{Code: sess.Put(ctx, kb, value.Bytes())}
		}, done(metrics.TierRemote))
		return
	}
	if s.mode != ModeStorage {
		cb(NotSupported)
		return
	}
	if s.index != nil {
		if loc, err := s.index.LocationOf(kb); err == nil && loc == pmem.LocationDisk {
			s.asyncOffload(request.Update, kb, value.Bytes(), true, done(metrics.TierDisk))
			return
		}
	}
	s.asyncPmem(request.Put, kb, value.Bytes(), opts.PollerID, done(metrics.TierPmem))
}

// GetKVAsync is GetKV's asynchronous twin.
func (s *Store) GetKVAsync(key Key, opts GetOpts, cb GetCallback) {
	start := time.Now()
	kb := key.Bytes()
	done := func(tier string) func(request.Result) {
		return func(r request.Result) {
			s.observe("get", tier, start, r.Code)
			if r.Code != status.OK {
				cb(Value{}, r.Code)
				return
			}
			cb(NewCallerValue(r.Value), status.OK)
		}
	}
	if n, remote := s.remoteNeighbor(kb); remote {
		s.forwardAsync(n, func(ctx context.Context, sess *dht.Session) request.Result {
			val, code := sess.Get(ctx, kb)
			return request.Result{Code: code, Value: val}
		}, done(metrics.TierRemote))
		return
	}
	if s.mode != ModeStorage {
		cb(Value{}, NotSupported)
		return
	}
	if s.tierOf(kb) == metrics.TierDisk {
		s.asyncOffload(request.Get, kb, nil, false, done(metrics.TierDisk))
		return
	}
	s.asyncPmem(request.Get, kb, nil, opts.PollerID, done(metrics.TierPmem))
}

// UpdateKVAsync is UpdateKV's asynchronous twin.
func (s *Store) UpdateKVAsync(key Key, value Value, opts UpdateOpts, cb PutCallback) {
	start := time.Now()
	kb := key.Bytes()
	done := func(tier string) func(request.Result) {
		return func(r request.Result) {
			s.observe("update", tier, start, r.Code)
			cb(r.Code)
		}
	}
	if n, remote := s.remoteNeighbor(kb); remote {
		s.forwardAsync(n, func(ctx context.Context, sess *dht.Session) request.Result {
			return request.Result{Code: sess.Put(ctx, kb, value.Bytes())}
		}, done(metrics.TierRemote))
		return
	}
	if s.mode != ModeStorage {
		cb(NotSupported)
		return
	}
	if opts.Attr&AttrLongTerm == 0 && s.tierOf(kb) != metrics.TierDisk {
		s.asyncPmem(request.Put, kb, value.Bytes(), opts.PollerID, done(metrics.TierPmem))
		return
	}
	s.asyncOffload(request.Update, kb, value.Bytes(), true, done(metrics.TierDisk))
}

// RemoveKVAsync is RemoveKV's asynchronous twin.
func (s *Store) RemoveKVAsync(key Key, cb PutCallback) {
	start := time.Now()
	kb := key.Bytes()
	done := func(tier string) func(request.Result) {
		return func(r request.Result) {
			s.observe("remove", tier, start, r.Code)
			cb(r.Code)
		}
	}
	if n, remote := s.remoteNeighbor(kb); remote {
		s.forwardAsync(n, func(ctx context.Context, sess *dht.Session) request.Result {
			return request.Result{Code: sess.Remove(ctx, kb)}
		}, done(metrics.TierRemote))
		return
	}
	if s.mode != ModeStorage {
		cb(NotSupported)
		return
	}
	if s.tierOf(kb) == metrics.TierDisk {
		s.asyncOffload(request.Remove, kb, nil, false, done(metrics.TierDisk))
		return
	}
	s.asyncPmem(request.Remove, kb, nil, autoPoller, done(metrics.TierPmem))
}
