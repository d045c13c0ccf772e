package daqkv

// LocationTag marks whether a pmem index entry's pointer refers to a pmem
// address (PMEM) or a device address record (DISK). Readers that observe
// DISK must reinterpret the pointer as a DeviceAddr.
type LocationTag uint8

const (
	// LocationPmem means the value lives in the pmem arena.
	LocationPmem LocationTag = iota
	// LocationDisk means the value has been offloaded to the NVMe device.
	LocationDisk
)

func (l LocationTag) String() string {
	if l == LocationDisk {
		return "DISK"
	}
	return "PMEM"
}

// DeviceAddr identifies an offloaded value's location on the block
// device: a PCI bus address for the NVMe controller plus the LBA the
// value starts at.
type DeviceAddr struct {
	PCIAddr string
	LBA     int64
}

// Value is a variable-length byte buffer plus its ownership tag. Values
// obtained through Store.Alloc are EngineOwned, carved from the pmem
// arena for a specific key; values built for a DRAM copy on the Get path
// are CallerOwned.
type Value struct {
	bytes   []byte
	owner   Ownership
	release func([]byte)
}

// NewCallerValue wraps an existing byte slice as a caller-owned value.
func NewCallerValue(buf []byte) Value {
	return Value{bytes: buf, owner: CallerOwned}
}

func newEngineValue(buf []byte, release func([]byte)) Value {
	return Value{bytes: buf, owner: EngineOwned, release: release}
}

// Bytes returns the value's buffer.
func (v Value) Bytes() []byte { return v.bytes }

// Len returns the value's size in bytes.
func (v Value) Len() int { return len(v.bytes) }

// Owner reports whether this value is caller- or engine-owned.
func (v Value) Owner() Ownership { return v.owner }

// Free releases an engine-owned value back to the arena it was carved
// from. It is a no-op for caller-owned values.
func (v Value) Free() {
	if v.owner == EngineOwned && v.release != nil {
		v.release(v.bytes)
	}
}
