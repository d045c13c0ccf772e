package pmem

import (
	"encoding/binary"
	"errors"
)

// ErrFreeListNotInitialized is raised when Get is called before the
// sentinel Push(-1) has marked the list initialized; popping an
// uninitialized list is a programmer error.
var ErrFreeListNotInitialized = errors.New("offload free-list: not initialized")

// ErrDuplicateLBA is raised if a caller attempts to push an LBA already
// present on the stack; no LBA may appear twice.
var ErrDuplicateLBA = errors.New("offload free-list: duplicate lba")

// FreeList is the persistent LIFO stack of released LBAs: a free chain
// plus a monotonic high-water mark (maxLBA) that lazily "allocates"
// LBAs that were never released by simply incrementing past them.
//
// The stack and the high-water mark are snapshotted into the pool's
// header page after every mutation, so a reopened pool never hands out
// an LBA that still backs a live offloaded value.
type FreeList struct {
	pool *Pool

	stack       []int64
	present     map[int64]struct{}
	maxLBA      int64
	initialized bool
}

// NewFreeList attaches a FreeList to pool, reloading any snapshot a
// previous process persisted. It starts uninitialized; Push must be
// called with -1 once (conventionally at Open) to mark it ready.
func NewFreeList(pool *Pool) *FreeList {
	f := &FreeList{pool: pool, present: make(map[int64]struct{})}
	f.load()
	return f
}

func (f *FreeList) load() {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()

	f.maxLBA = f.pool.readSuperblock(sbFreeListMaxLBA)
	n := f.pool.readSuperblock(sbFreeListLen)
	if n < 0 || n > freeListSnapshotCap {
		return
	}
	snap := f.pool.freeListSnapshot()
	for i := int64(0); i < n; i++ {
		lba := int64(binary.LittleEndian.Uint64(snap[i*8 : i*8+8]))
		f.stack = append(f.stack, lba)
		f.present[lba] = struct{}{}
	}
}

// persist snapshots the stack and high-water mark into the pool header.
// Callers hold pool.mu (every mutation runs inside a Txn).
func (f *FreeList) persist() {
	f.pool.writeSuperblock(sbFreeListMaxLBA, f.maxLBA)
	n := int64(len(f.stack))
	if n > freeListSnapshotCap {
		n = freeListSnapshotCap
	}
	snap := f.pool.freeListSnapshot()
	for i := int64(0); i < n; i++ {
		binary.LittleEndian.PutUint64(snap[i*8:i*8+8], uint64(f.stack[i]))
	}
	f.pool.writeSuperblock(sbFreeListLen, n)
}

// Push releases lba back to the stack, or — when lba == -1 — marks the
// list initialized without pushing anything.
func (f *FreeList) Push(lba int64) error {
	return f.pool.Run(func(t *Txn) error {
		if lba == -1 {
			wasInit := f.initialized
			f.initialized = true
			t.LogUndo(func() { f.initialized = wasInit })
			return nil
		}
		if _, dup := f.present[lba]; dup {
			return ErrDuplicateLBA
		}
		f.stack = append(f.stack, lba)
		f.present[lba] = struct{}{}
		t.LogUndo(func() {
			f.stack = f.stack[:len(f.stack)-1]
			delete(f.present, lba)
			f.persist()
		})
		f.persist()
		return nil
	})
}

// Get pops an LBA from the free stack, or — if the stack is empty —
// hands out maxLBA and increments it (lazy population). It fails with
// ErrFreeListNotInitialized if the list was never marked ready via
// Push(-1).
func (f *FreeList) Get() (lba int64, err error) {
	err = f.pool.Run(func(t *Txn) error {
		if !f.initialized {
			return ErrFreeListNotInitialized
		}
		if n := len(f.stack); n > 0 {
			lba = f.stack[n-1]
			f.stack = f.stack[:n-1]
			delete(f.present, lba)
			t.LogUndo(func() {
				f.stack = append(f.stack, lba)
				f.present[lba] = struct{}{}
				f.persist()
			})
			f.persist()
			return nil
		}
		lba = f.maxLBA
		prevMax := f.maxLBA
		f.maxLBA++
		t.LogUndo(func() {
			f.maxLBA = prevMax
			f.persist()
		})
		f.persist()
		return nil
	})
	return lba, err
}

// MaxLBA reports the current high-water mark, used by metrics and by
// Store.GetProperty("offload.max_lba").
func (f *FreeList) MaxLBA() int64 {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	return f.maxLBA
}
