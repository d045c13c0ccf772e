// Package pmempoller implements the pmem pollers: workers that drain
// rings of pmem-only requests (Put/Get/Remove with no offload) and
// apply them directly to the pmem index.
package pmempoller

import (
	"github.com/rs/zerolog"

	"github.com/fogkv/daqkv/internal/pmem"
	"github.com/fogkv/daqkv/internal/poller"
	"github.com/fogkv/daqkv/internal/readyqueue"
	"github.com/fogkv/daqkv/internal/request"
	"github.com/fogkv/daqkv/internal/status"
)

// RingCapacity is the default request ring size per pmem poller.
const RingCapacity = 4096

// Poller is one pmem poller: structurally identical to the offload
// poller but without device I/O — each tick dequeues up to poller.Batch
// requests and performs the corresponding index operation inline, then
// invokes the callback.
type Poller struct {
	id      int
	index   *pmem.Index
	ready   *readyqueue.Queue // nil if maxReadyKeys == 0
	pool    *request.Pool
	reactor *poller.Reactor[*request.Request]
}

// New builds pmem poller id draining into index, optionally feeding ready
// (the primary-key ready queue) on successful Puts.
func New(id int, index *pmem.Index, ready *readyqueue.Queue, reqPool *request.Pool, log zerolog.Logger) *Poller {
	p := &Poller{id: id, index: index, ready: ready, pool: reqPool}
	p.reactor = poller.New(
		"pmem",
		RingCapacity,
		p.process,
		log.With().Int("poller_id", id).Logger(),
	)
	return p
}

// ID returns this poller's index, used by Store for explicit pollerId
// routing and round-robin selection.
func (p *Poller) ID() int { return p.id }

// Enqueue offers req onto this poller's ring. It reports false
// (QUEUE_FULL_ERROR to the caller) if the ring is full.
func (p *Poller) Enqueue(req *request.Request) bool { return p.reactor.Enqueue(req) }

// Len reports the approximate queue depth, for metrics.
func (p *Poller) Len() int { return p.reactor.Len() }

// SetBatchObserver forwards per-tick batch sizes to fn, for metrics.
// Must be set before Run.
func (p *Poller) SetBatchObserver(fn func(int)) { p.reactor.SetBatchObserver(fn) }

// Run drains the ring until stop is closed.
func (p *Poller) Run(stop <-chan struct{}) { p.reactor.Run(stop) }

// Stopped returns a channel closed once Run has returned.
func (p *Poller) Stopped() <-chan struct{} { return p.reactor.Stopped() }

func (p *Poller) process(req *request.Request) {
	defer p.pool.Put(req)

	switch req.Op {
	case request.Put:
		err := p.index.Put(req.Key, req.Value)
		if err != nil {
			req.Callback(request.Result{Code: codeOf(err)})
			return
		}
		if p.ready != nil {
			p.ready.EnqueueNext(req.Key)
		}
		req.Callback(request.Result{Code: status.OK})

	case request.Get:
		val, loc, err := p.index.Get(req.Key)
		if err != nil {
			req.Callback(request.Result{Code: codeOf(err)})
			return
		}
		if loc == pmem.LocationDisk {
			// Offloaded values are not this poller's concern; the façade
			// routes GET for offloaded keys to the offload poller
			// instead, so reaching here means a caller bypassed that
			// routing.
			req.Callback(request.Result{Code: status.UnknownError})
			return
		}
		req.Callback(request.Result{Code: status.OK, Value: val})

	case request.Remove:
		err := p.index.Remove(req.Key)
		if err != nil {
			req.Callback(request.Result{Code: codeOf(err)})
			return
		}
		req.Callback(request.Result{Code: status.OK})

	default:
		req.Callback(request.Result{Code: status.NotSupported})
	}
}

func codeOf(err error) status.Code {
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
