// Package offload implements the offload poller and the finalize
// poller: the NVMe block-device tier values are promoted to under a
// long-term Update.
package offload

import (
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"

	"github.com/fogkv/daqkv/internal/pmem"
	"github.com/fogkv/daqkv/internal/poller"
	"github.com/fogkv/daqkv/internal/request"
	"github.com/fogkv/daqkv/internal/status"
)

// Task carries a Request plus its I/O bookkeeping (allocated LBA, DMA
// buffer, written size, result flag, update-pmem-on-success flag)
// across the async device-I/O boundary from the offload poller to the
// finalize poller.
type Task struct {
	Req           *request.Request
	LBA           int64
	Buf           *bytebufferpool.ByteBuffer
	Size          int // unpadded value size written on an UPDATE
	OK            bool
	UpdatePmemIOV bool
}

// PCIAddr is the NVMe controller address recorded in every DeviceAddr
// this poller produces, fixed for the lifetime of one Device.
type PCIAddr string

// Poller is the single-threaded reactor that drains offload requests
// (long-term Update, offloaded Get, offloaded Remove) and issues block
// I/O, handing completions to the finalize poller's ring.
type Poller struct {
	index     *pmem.Index
	freeList  *pmem.FreeList
	device    Device
	pciAddr   PCIAddr
	allocUnit int
	finalize  *Finalize
	reqBufs   *bytebufferpool.Pool
	reqPool   *request.Pool
	reactor   *poller.Reactor[*request.Request]
}

// New builds the offload poller. finalize is the reactor completed
// Tasks are handed to; reqBufs is the DMA buffer pool shared with
// finalize so buffers carved here are returned there once delivered;
// reqPool is the shared Request pool a request is returned to once this
// stage is done with it on every path that doesn't hand off to finalize.
func New(ringCapacity int, index *pmem.Index, freeList *pmem.FreeList, device Device, pciAddr PCIAddr, allocUnit int, finalize *Finalize, reqBufs *bytebufferpool.Pool, reqPool *request.Pool, log zerolog.Logger) *Poller {
	p := &Poller{
		index:     index,
		freeList:  freeList,
		device:    device,
		pciAddr:   pciAddr,
		allocUnit: allocUnit,
		finalize:  finalize,
		reqBufs:   reqBufs,
		reqPool:   reqPool,
	}
	p.reactor = poller.New("offload", ringCapacity, p.process, log)
	return p
}

// Enqueue offers req onto the offload ring. It reports false
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
	switch req.Op {
	case request.Update:
		p.processUpdate(req)
	case request.Get:
		p.processGet(req)
	case request.Remove:
		p.processRemove(req)
	default:
		req.Callback(request.Result{Code: status.NotSupported})
	}
}

func (p *Poller) processUpdate(req *request.Request) {
	// A value-less UPDATE promotes whatever the key currently holds in
	// pmem; only an UPDATE carrying a payload replaces the value.
	value := req.Value
	if len(value) == 0 {
		cur, loc, err := p.index.Get(req.Key)
		if err != nil {
			req.Callback(request.Result{Code: status.KeyNotFound})
			p.reqPool.Put(req)
			return
		}
		if loc == pmem.LocationDisk {
			// Already offloaded and no replacement payload: nothing to do.
			req.Callback(request.Result{Code: status.OK})
			p.reqPool.Put(req)
			return
		}
		value = cur
	}

	lba, err := p.freeList.Get()
	if err != nil {
		req.Callback(request.Result{Code: status.AllocationError})
		p.reqPool.Put(req)
		return
	}

	blocks := BlocksFor(len(value), p.allocUnit)
	padded := blocks * p.allocUnit
	buf := p.reqBufs.Get()
	buf.B = growTo(buf.B, padded)
	copy(buf.B, value)
	for i := len(value); i < padded; i++ {
		buf.B[i] = 0
	}

	blockLBA := lba * int64(p.allocUnit) / int64(p.device.BlockSize())
	ok := p.device.WriteAt(blockLBA, buf.B) == nil

	p.enqueueFinalize(&Task{Req: req, LBA: lba, Buf: buf, Size: len(value), OK: ok, UpdatePmemIOV: true})
}

func (p *Poller) processGet(req *request.Request) {
	addr, size, err := p.index.GetDeviceAddr(req.Key)
	if err != nil {
		req.Callback(request.Result{Code: status.KeyNotFound})
		p.reqPool.Put(req)
		return
	}

	blocks := BlocksFor(size, p.allocUnit)
	buf := p.reqBufs.Get()
	buf.B = growTo(buf.B, blocks*p.allocUnit)

	blockLBA := addr.LBA * int64(p.allocUnit) / int64(p.device.BlockSize())
	ok := p.device.ReadAt(blockLBA, buf.B) == nil
	if ok {
		buf.B = buf.B[:size]
	}

	p.enqueueFinalize(&Task{Req: req, LBA: addr.LBA, Buf: buf, OK: ok})
}

func (p *Poller) processRemove(req *request.Request) {
	addr, _, err := p.index.GetDeviceAddr(req.Key)
	if err != nil {
		req.Callback(request.Result{Code: status.KeyNotFound})
		p.reqPool.Put(req)
		return
	}
	p.enqueueFinalize(&Task{Req: req, LBA: addr.LBA, OK: true})
}

func (p *Poller) enqueueFinalize(task *Task) {
	if !p.finalize.Enqueue(task) {
		// The finalize ring is sized to match the offload ring's
		// capacity, so this only triggers under sustained saturation;
		// release the DMA buffer here rather than leaking it silently.
		if task.Buf != nil {
			p.reqBufs.Put(task.Buf)
		}
		task.Req.Callback(request.Result{Code: status.QueueFullError})
		p.reqPool.Put(task.Req)
	}
}

func growTo(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
