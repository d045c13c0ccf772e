package offload

import (
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"

	"github.com/fogkv/daqkv/internal/pmem"
	"github.com/fogkv/daqkv/internal/poller"
	"github.com/fogkv/daqkv/internal/request"
	"github.com/fogkv/daqkv/internal/status"
)

// Finalize is the single-threaded post-I/O stage that drains the
// offload poller's completion ring, applies the matching pmem-index
// mutation, and invokes the originating request's callback. The index's
// location flag only flips once the backing I/O has completed.
type Finalize struct {
	index    *pmem.Index
	freeList *pmem.FreeList
	pciAddr  PCIAddr
	reqBufs  *bytebufferpool.Pool
	reqPool  *request.Pool
	reactor  *poller.Reactor[*Task]
}

// NewFinalize builds the finalize poller. reqBufs must be the same pool
// the offload poller carves its DMA buffers from, so finalize can
// return them once a task's payload has been delivered; reqPool is the
// shared Request pool every task's Request is returned to once this,
// the terminal stage, has invoked its callback.
func NewFinalize(ringCapacity int, index *pmem.Index, freeList *pmem.FreeList, pciAddr PCIAddr, reqBufs *bytebufferpool.Pool, reqPool *request.Pool, log zerolog.Logger) *Finalize {
	fz := &Finalize{index: index, freeList: freeList, pciAddr: pciAddr, reqBufs: reqBufs, reqPool: reqPool}
	fz.reactor = poller.New("finalize", ringCapacity, fz.process, log)
	return fz
}

// Enqueue offers task onto finalize's completion ring. Reports false if
// the ring is full; callers must still release the request's resources
// themselves in that case (see offload.Poller.enqueueFinalize).
func (fz *Finalize) Enqueue(task *Task) bool { return fz.reactor.Enqueue(task) }

// Len reports the approximate queue depth, for metrics.
func (fz *Finalize) Len() int { return fz.reactor.Len() }

// SetBatchObserver forwards per-tick batch sizes to fn, for metrics.
// Must be set before Run.
func (fz *Finalize) SetBatchObserver(fn func(int)) { fz.reactor.SetBatchObserver(fn) }

// Run drains the completion ring until stop is closed.
func (fz *Finalize) Run(stop <-chan struct{}) { fz.reactor.Run(stop) }

// Stopped returns a channel closed once Run has returned.
func (fz *Finalize) Stopped() <-chan struct{} { return fz.reactor.Stopped() }

func (fz *Finalize) process(task *Task) {
	req := task.Req
	defer func() {
		if task.Buf != nil {
			fz.reqBufs.Put(task.Buf)
		}
		fz.reqPool.Put(req)
	}()

	switch req.Op {
	case request.Get:
		fz.finalizeGet(task)
	case request.Update:
		fz.finalizeUpdate(task)
	case request.Remove:
		fz.finalizeRemove(task)
	default:
		req.Callback(request.Result{Code: status.NotSupported})
	}
}

func (fz *Finalize) finalizeGet(task *Task) {
	if !task.OK {
		task.Req.Callback(request.Result{Code: status.UnknownError})
		return
	}
	value := append([]byte(nil), task.Buf.B...)
	task.Req.Callback(request.Result{Code: status.OK, Value: value})
}

func (fz *Finalize) finalizeUpdate(task *Task) {
	if !task.OK {
		// Re-push the LBA so a failed write never leaks it.
		_ = fz.freeList.Push(task.LBA)
		task.Req.Callback(request.Result{Code: status.UnknownError})
		return
	}
	addr := pmem.DeviceAddr{PCIAddr: string(fz.pciAddr), LBA: task.LBA}
	var prev pmem.DeviceAddr
	var prevDisk bool
	var err error
	if task.UpdatePmemIOV {
		prev, prevDisk, err = fz.index.UpdateValueWrapper(task.Req.Key, addr, task.Size)
	} else {
		_, _, err = fz.index.AllocateIOVForKey(task.Req.Key, addr, task.Size, false)
	}
	if err != nil {
		_ = fz.freeList.Push(task.LBA)
		task.Req.Callback(request.Result{Code: status.UnknownError})
		return
	}
	if prevDisk && prev.LBA != task.LBA {
		// An overwrite of an already-offloaded value: release the blocks
		// the old copy occupied.
		_ = fz.freeList.Push(prev.LBA)
	}
	task.Req.Callback(request.Result{Code: status.OK})
}

func (fz *Finalize) finalizeRemove(task *Task) {
	if !task.OK {
		task.Req.Callback(request.Result{Code: status.UnknownError})
		return
	}
	// Delete the index entry, then push the LBA back to the free-list.
	// These are two separate transactions: a crash between them leaves
	// the LBA off the free-list. Last completion wins when a concurrent
	// promote and remove collide on one key.
	if err := fz.index.Remove(task.Req.Key); err != nil {
		task.Req.Callback(request.Result{Code: status.UnknownError})
		return
	}
	if err := fz.freeList.Push(task.LBA); err != nil {
		task.Req.Callback(request.Result{Code: status.UnknownError})
		return
	}
	task.Req.Callback(request.Result{Code: status.OK})
}
