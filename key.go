package daqkv

import "fmt"

// KeyField describes one field of the composite key layout declared at
// Open time (Options.KeyFields). Exactly one field must be marked
// Primary; its bytes are what the DHT router hashes and what the
// primary-key ready queue carries.
type KeyField struct {
	Size    int
	Primary bool
}

// KeyLayout is the immutable, store-wide description of the composite
// key: total size and the byte offset of the primary field, computed
// once at Open and reused by every Key constructed against this store.
type KeyLayout struct {
	fields        []KeyField
	totalSize     int
	primaryOffset int
	primarySize   int
}

// NewKeyLayout validates fields (exactly one Primary) and precomputes the
// total size and primary field offset.
func NewKeyLayout(fields []KeyField) (*KeyLayout, error) {
	if len(fields) == 0 {
		return nil, NewError(NotSupported, "NewKeyLayout")
	}
	primaryIdx := -1
	offset := 0
	total := 0
	for i, f := range fields {
		if f.Size <= 0 {
			return nil, NewError(NotSupported, "NewKeyLayout")
		}
		if f.Primary {
			if primaryIdx != -1 {
				return nil, NewError(NotSupported, "NewKeyLayout: more than one primary field")
			}
			primaryIdx = i
			offset = total
		}
		total += f.Size
	}
	if primaryIdx == -1 {
		return nil, NewError(NotSupported, "NewKeyLayout: no primary field")
	}
	return &KeyLayout{
		fields:        append([]KeyField(nil), fields...),
		totalSize:     total,
		primaryOffset: offset,
		primarySize:   fields[primaryIdx].Size,
	}, nil
}

// Size returns the total byte size of a full key under this layout.
func (l *KeyLayout) Size() int { return l.totalSize }

// PrimaryOffset returns the byte offset of the primary field within a
// full key buffer.
func (l *KeyLayout) PrimaryOffset() int { return l.primaryOffset }

// PrimarySize returns the byte size of the primary field.
func (l *KeyLayout) PrimarySize() int { return l.primarySize }

// Ownership tags whether a buffer was allocated by the caller (plain
// heap, released by the caller's own Free) or by the engine (carved from
// a pmem arena or a DHT transmit arena, released back to its pool/arena).
type Ownership uint8

const (
	// CallerOwned buffers are plain heap allocations the caller is
	// responsible for via Free.
	CallerOwned Ownership = iota
	// EngineOwned buffers came from a pre-registered arena (pmem value
	// arena or DHT transmit arena) and must be returned to it.
	EngineOwned
)

// Key is a fixed-size composite key buffer plus its ownership tag. Keys
// compare by full byte content; only the primary field's bytes matter for
// routing and the ready queue.
type Key struct {
	layout *KeyLayout
	bytes  []byte
	owner  Ownership
	// release, when non-nil, returns an EngineOwned buffer to the arena
	// it was carved from. CallerOwned keys leave this nil; Free on a
	// CallerOwned key is a no-op for the engine (stdlib GC reclaims it).
	release func([]byte)
}

// NewCallerKey builds a caller-owned key from an existing byte slice. The
// slice must already match layout.Size(); it is not copied.
func NewCallerKey(layout *KeyLayout, buf []byte) (Key, error) {
	if len(buf) != layout.Size() {
		return Key{}, NewError(NotSupported, "NewCallerKey: size mismatch")
	}
	return Key{layout: layout, bytes: buf, owner: CallerOwned}, nil
}

// newEngineKey is used by the DHT server/client to wrap a buffer borrowed
// from a transport arena.
func newEngineKey(layout *KeyLayout, buf []byte, release func([]byte)) Key {
	return Key{layout: layout, bytes: buf, owner: EngineOwned, release: release}
}

// Bytes returns the full key buffer. Callers must not retain it past the
// key's Free.
func (k Key) Bytes() []byte { return k.bytes }

// Primary returns the primary field's bytes as a sub-slice of the full
// key buffer.
func (k Key) Primary() []byte {
	off := k.layout.PrimaryOffset()
	return k.bytes[off : off+k.layout.PrimarySize()]
}

// Owner reports whether this key is caller- or engine-owned.
func (k Key) Owner() Ownership { return k.owner }

// Free releases an engine-owned key back to its arena. It is a no-op for
// caller-owned keys.
func (k Key) Free() {
	if k.owner == EngineOwned && k.release != nil {
		k.release(k.bytes)
	}
}

// ZeroKeyWithPrimary reconstructs a full, zero-filled key buffer with only
// the primary field populated from primary — the shape GetAny hands back
// after a ready-queue pop.
func ZeroKeyWithPrimary(layout *KeyLayout, primary []byte) (Key, error) {
	if len(primary) != layout.PrimarySize() {
		return Key{}, NewError(NotSupported, "ZeroKeyWithPrimary: size mismatch")
	}
	buf := make([]byte, layout.Size())
	copy(buf[layout.PrimaryOffset():], primary)
	return Key{layout: layout, bytes: buf, owner: CallerOwned}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("Key(%x)", k.bytes)
}
