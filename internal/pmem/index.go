package pmem

import (
	"encoding/binary"
	"errors"

	"github.com/rs/zerolog"
)

// Location mirrors daqkv.LocationTag without importing the root package
// (which itself depends on internal/pmem's sibling packages), avoiding an
// import cycle. The root package's Store translates between the two at
// the façade boundary.
type Location uint8

const (
	LocationPmem Location = iota
	LocationDisk
)

// DeviceAddr mirrors daqkv.DeviceAddr for the same reason.
type DeviceAddr struct {
	PCIAddr string
	LBA     int64
}

// entry is the pmem index's per-key record: a value pointer (either an
// arena offset when Location is Pmem, or a DeviceAddr when Location is
// Disk), its size, and the location tag. Pointer and location are always
// mutated together inside one Txn.
type entry struct {
	off  int64 // valid when loc == LocationPmem
	size int
	loc  Location
	dev  DeviceAddr // valid when loc == LocationDisk
}

// Index is the pmem key index: a content-addressed map from full key
// bytes to a value pointer/size/location triple. All mutating methods
// run inside a Pool transaction and append one record to the pool's
// durability journal, which Open replays to rebuild the map after a
// restart.
type Index struct {
	pool    *Pool
	arena   *arena
	entries map[string]*entry
	log     zerolog.Logger
}

const (
	journalOpPut byte = iota + 1
	journalOpRemove
	journalOpDisk
)

// Sentinel errors. ErrKeyNotFound / ErrAllocation are returned by index
// operations; the root package translates them into daqkv.KeyNotFound /
// daqkv.AllocationError at the façade boundary.
var (
	ErrKeyNotFound  = errors.New("pmem index: key not found")
	ErrAllocation   error = errArenaFull
	ErrJournalFull        = errors.New("pmem index: journal full")
)

// NewIndex attaches an Index to pool's arena and replays any existing
// durability journal to rebuild the in-memory map, so the index
// survives a process restart.
func NewIndex(pool *Pool, log zerolog.Logger) *Index {
	ix := &Index{
		pool:    pool,
		arena:   pool.arena,
		entries: make(map[string]*entry),
		log:     log.With().Str("component", "pmem.index").Logger(),
	}
	ix.replay()
	return ix
}

func (ix *Index) replay() {
	region := ix.pool.journalRegion()
	cursor := ix.pool.readSuperblock(sbJournalCursor)
	var offset int64
	n := 0
	for offset < cursor {
		op := region[offset]
		keyLen := int64(binary.LittleEndian.Uint32(region[offset+1 : offset+5]))
		valLen := int64(binary.LittleEndian.Uint32(region[offset+5 : offset+9]))
		key := append([]byte(nil), region[offset+9:offset+9+keyLen]...)
		val := region[offset+9+keyLen : offset+9+keyLen+valLen]

		switch op {
		case journalOpPut:
			off, err := ix.arena.alloc(len(val))
			if err == nil {
				copy(ix.arena.slice(off, len(val)), val)
				ix.entries[string(key)] = &entry{off: off, size: len(val), loc: LocationPmem}
			}
		case journalOpRemove:
			delete(ix.entries, string(key))
		case journalOpDisk:
			addr, size := decodeDiskValue(val)
			ix.entries[string(key)] = &entry{dev: addr, size: size, loc: LocationDisk}
		}
		offset += 9 + keyLen + valLen
		n++
	}
	if n > 0 {
		ix.log.Info().Int("records", n).Msg("replayed pmem index journal")
	}
}

func (ix *Index) appendJournal(op byte, key, value []byte) error {
	region := ix.pool.journalRegion()
	cursor := ix.pool.readSuperblock(sbJournalCursor)
	need := int64(9 + len(key) + len(value))
	if cursor+need > int64(len(region)) {
		return ErrJournalFull
	}
	buf := region[cursor:]
	buf[0] = op
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(value)))
	copy(buf[9:9+len(key)], key)
	copy(buf[9+len(key):9+len(key)+len(value)], value)
	ix.pool.writeSuperblock(sbJournalCursor, cursor+need)
	return nil
}

func encodeDiskValue(addr DeviceAddr, size int) []byte {
	buf := make([]byte, 4+8+2+len(addr.PCIAddr))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(addr.LBA))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(addr.PCIAddr)))
	copy(buf[14:], addr.PCIAddr)
	return buf
}

func decodeDiskValue(buf []byte) (DeviceAddr, int) {
	size := int(binary.LittleEndian.Uint32(buf[0:4]))
	lba := int64(binary.LittleEndian.Uint64(buf[4:12]))
	pciLen := int(binary.LittleEndian.Uint16(buf[12:14]))
	pci := string(buf[14 : 14+pciLen])
	return DeviceAddr{PCIAddr: pci, LBA: lba}, size
}

// Put copies value into a freshly allocated arena block and installs (or
// replaces) key's entry, all inside one transaction, journaling the
// change for crash/restart recovery.
func (ix *Index) Put(key, value []byte) error {
	return ix.pool.Run(func(t *Txn) error {
		off, err := ix.arena.alloc(len(value))
		if err != nil {
			return ErrAllocation
		}
		if err := ix.appendJournal(journalOpPut, key, value); err != nil {
			ix.arena.free(off, len(value))
			return err
		}
		copy(ix.arena.slice(off, len(value)), value)

		k := string(key)
		prev, existed := ix.entries[k]
		ix.entries[k] = &entry{off: off, size: len(value), loc: LocationPmem}

		t.LogUndo(func() {
			ix.arena.free(off, len(value))
			if existed {
				ix.entries[k] = prev
			} else {
				delete(ix.entries, k)
			}
		})
		if existed && prev.loc == LocationPmem {
			// The old block is only safe to release once this Put is
			// guaranteed to commit (no failure path remains below this
			// point); freeing it here, rather than in the undo closure,
			// keeps an aborted Put's rollback able to restore prev intact.
			ix.arena.free(prev.off, prev.size)
		}
		return nil
	})
}

// Get returns a copy of the value bytes for key and its current
// location. Callers that observe LocationDisk must resolve the value via
// GetDeviceAddr instead.
func (ix *Index) Get(key []byte) (value []byte, loc Location, err error) {
	ix.pool.mu.Lock()
	defer ix.pool.mu.Unlock()

	e, ok := ix.entries[string(key)]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	if e.loc == LocationDisk {
		return nil, LocationDisk, nil
	}
	out := make([]byte, e.size)
	copy(out, ix.arena.slice(e.off, e.size))
	return out, LocationPmem, nil
}

// GetDeviceAddr returns the offloaded address and size for a key whose
// entry's location is LocationDisk.
func (ix *Index) GetDeviceAddr(key []byte) (DeviceAddr, int, error) {
	ix.pool.mu.Lock()
	defer ix.pool.mu.Unlock()

	e, ok := ix.entries[string(key)]
	if !ok {
		return DeviceAddr{}, 0, ErrKeyNotFound
	}
	if e.loc != LocationDisk {
		return DeviceAddr{}, 0, ErrKeyNotFound
	}
	return e.dev, e.size, nil
}

// Remove deletes key's entry and frees its arena allocation (if it was
// still pmem-resident; offloaded entries have nothing to free here — the
// caller is responsible for freeing the LBA through FreeList).
func (ix *Index) Remove(key []byte) error {
	return ix.pool.Run(func(t *Txn) error {
		k := string(key)
		e, ok := ix.entries[k]
		if !ok {
			return ErrKeyNotFound
		}
		if err := ix.appendJournal(journalOpRemove, key, nil); err != nil {
			return err
		}
		delete(ix.entries, k)
		t.LogUndo(func() {
			ix.entries[k] = e
		})
		if e.loc == LocationPmem {
			// Freeing the arena block is not undone on abort: the entry
			// restore above already makes the key look untouched, and a
			// block sitting in the free list is otherwise harmless (it
			// simply becomes available for reuse slightly early).
			ix.arena.free(e.off, e.size)
		}
		return nil
	})
}

// AllocValueForKey reserves n bytes in the arena for key without copying
// any payload yet (backs the public Alloc API) and installs the pointer.
// The caller writes into the returned slice directly; the journal record
// is written eagerly with the (as-yet unwritten) zero-valued bytes and is
// therefore only a placeholder — callers that need the written bytes to
// survive a crash should follow up with an explicit Put.
func (ix *Index) AllocValueForKey(key []byte, n int) (buf []byte, err error) {
	err = ix.pool.Run(func(t *Txn) error {
		off, allocErr := ix.arena.alloc(n)
		if allocErr != nil {
			return ErrAllocation
		}
		if err := ix.appendJournal(journalOpPut, key, make([]byte, n)); err != nil {
			ix.arena.free(off, n)
			return err
		}
		k := string(key)
		prev, existed := ix.entries[k]
		ix.entries[k] = &entry{off: off, size: n, loc: LocationPmem}
		t.LogUndo(func() {
			ix.arena.free(off, n)
			if existed {
				ix.entries[k] = prev
			} else {
				delete(ix.entries, k)
			}
		})
		if existed && prev.loc == LocationPmem {
			ix.arena.free(prev.off, prev.size)
		}
		buf = ix.arena.slice(off, n)
		return nil
	})
	return buf, err
}

// AllocateIOVForKey allocates a persistent device-address slot for key
// and, if installPointer is set, installs it — switching the entry's
// location to LocationDisk and freeing its prior arena allocation. This
// is called by the finalize poller once an offload write has completed
// successfully. When the entry was already offloaded, the address it
// held is returned with prevDisk set so the caller can release that LBA
// back to the free-list.
func (ix *Index) AllocateIOVForKey(key []byte, addr DeviceAddr, size int, installPointer bool) (prevAddr DeviceAddr, prevDisk bool, err error) {
	err = ix.pool.Run(func(t *Txn) error {
		k := string(key)
		prev, ok := ix.entries[k]
		if !ok {
			return ErrKeyNotFound
		}
		if !installPointer {
			return nil
		}
		if err := ix.appendJournal(journalOpDisk, key, encodeDiskValue(addr, size)); err != nil {
			return err
		}
		if prev.loc == LocationPmem {
			ix.arena.free(prev.off, prev.size)
		} else {
			prevAddr, prevDisk = prev.dev, true
		}
		ix.entries[k] = &entry{dev: addr, size: size, loc: LocationDisk}
		t.LogUndo(func() {
			ix.entries[k] = prev
		})
		return nil
	})
	return prevAddr, prevDisk, err
}

// UpdateValueWrapper installs addr as key's value pointer and switches
// its location to LocationDisk — the always-install form of
// AllocateIOVForKey, used by the finalize poller on a completed offload
// write.
func (ix *Index) UpdateValueWrapper(key []byte, addr DeviceAddr, size int) (prevAddr DeviceAddr, prevDisk bool, err error) {
	return ix.AllocateIOVForKey(key, addr, size, true)
}

// LocationOf reports the current location tag for key.
func (ix *Index) LocationOf(key []byte) (Location, error) {
	ix.pool.mu.Lock()
	defer ix.pool.mu.Unlock()
	e, ok := ix.entries[string(key)]
	if !ok {
		return 0, ErrKeyNotFound
	}
	return e.loc, nil
}
