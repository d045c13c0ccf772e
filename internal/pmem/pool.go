// Package pmem implements the store's persistent-memory subsystem: the
// mmap-backed pool (Pool), the undo-log transaction wrapper (Txn), the
// key index (Index) and the offload free-list (FreeList).
package pmem

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rs/zerolog"
)

// Pool owns the memory-mapped pool file backing the index's durability
// journal and the value arena. A single Pool is the only globally
// shared resource in the store: every mutation to the index or the
// free-list takes pool.mu, so concurrent transactions on the same pool
// always serialize.
//
// Layout of the mapped file:
//
//	[0, headerSize)                     fixed superblock (journal cursor, free-list snapshot)
//	[headerSize, headerSize+journalSize) append-only index journal, replayed on Open
//	[headerSize+journalSize, size)       value arena (bump + free-list allocator)
type Pool struct {
	path string
	file *os.File
	data []byte
	size int64

	headerSize  int64
	journalSize int64

	mu  sync.Mutex
	log zerolog.Logger

	arena *arena
}

const (
	poolHeaderSize        = 4096
	defaultJournalFraction = 4 // 1/4 of the pool backs the index journal
)

// superblock slot indices (each slot is one little-endian uint64).
const (
	sbJournalCursor = iota // next free byte offset within the journal region
	sbFreeListMaxLBA
	sbFreeListLen // number of valid int64 entries at the start of the free-list snapshot region
)

// freeListSnapshotOffset is where FreeList persists its stack as a flat
// array of int64 LBAs, right after the superblock's fixed slots. The
// snapshot must fit in the remainder of the header page.
const freeListSnapshotOffset = 8 * 8
const freeListSnapshotCap = (poolHeaderSize - freeListSnapshotOffset) / 8

// Open maps or creates the pool file at path with the given total size.
// If the file already exists it is reattached to (mmap'd as-is) and its
// index journal is replayed, rather than recreated. truncate forces a
// delete-on-open for callers that explicitly opt in (tests, benchmarks,
// the `pmem.truncate` option); it discards all persisted state.
func Open(path string, size int64, truncate bool, log zerolog.Logger) (*Pool, error) {
	minSize := poolHeaderSize * 8
	if size < int64(minSize) {
		size = int64(minSize)
	}

	flags := os.O_RDWR | os.O_CREATE
	existed := false
	if st, err := os.Stat(path); err == nil {
		existed = true
		if !truncate {
			size = st.Size()
		}
	}
	if truncate {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	if !existed || truncate {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	journalSize := (size - poolHeaderSize) / defaultJournalFraction
	p := &Pool{
		path:        path,
		file:        f,
		data:        data,
		size:        size,
		headerSize:  poolHeaderSize,
		journalSize: journalSize,
		log:         log.With().Str("component", "pmem.pool").Logger(),
		arena:       newArena(data[poolHeaderSize+journalSize:]),
	}
	if !existed || truncate {
		p.writeSuperblock(sbJournalCursor, 0)
	}
	if existed && !truncate {
		p.log.Info().Str("path", path).Msg("reattached to existing pmem pool")
	} else {
		p.log.Info().Str("path", path).Bool("truncated", truncate).Msg("initialized pmem pool")
	}
	return p, nil
}

// Close flushes and unmaps the pool file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
		p.log.Warn().Err(err).Msg("msync failed on close")
	}
	if err := unix.Munmap(p.data); err != nil {
		return err
	}
	return p.file.Close()
}

func (p *Pool) readSuperblock(slot int) int64 {
	off := slot * 8
	return int64(binary.LittleEndian.Uint64(p.data[off : off+8]))
}

func (p *Pool) writeSuperblock(slot int, v int64) {
	off := slot * 8
	binary.LittleEndian.PutUint64(p.data[off:off+8], uint64(v))
}

// journalRegion returns the mapped bytes backing the index journal.
func (p *Pool) journalRegion() []byte {
	return p.data[p.headerSize : p.headerSize+p.journalSize]
}

// freeListSnapshot returns the header bytes backing the free-list's
// persisted stack.
func (p *Pool) freeListSnapshot() []byte {
	return p.data[freeListSnapshotOffset:p.headerSize]
}

// SetAllocUnit sets the value arena's minimum allocation granularity
// (pmem.allocUnitSize). Must be called before the first allocation;
// values below 1 or non-powers-of-two are rounded up to the next power
// of two.
func (p *Pool) SetAllocUnit(n int) {
	if n < 1 {
		n = 1
	}
	unit := int64(1)
	for unit < int64(n) {
		unit <<= 1
	}
	p.arena.mu.Lock()
	p.arena.minUnit = unit
	p.arena.mu.Unlock()
}
