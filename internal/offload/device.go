// Package offload implements the offload poller and the finalize
// poller: the NVMe block-device tier values are promoted to under a
// long-term Update.
package offload

import (
	"os"

	"golang.org/x/sys/unix"
)

// Device is the block-I/O surface the offload poller issues reads and
// writes against. A real deployment opens the NVMe namespace's device
// node directly; tests use a plain file as the backing store.
type Device interface {
	ReadAt(lba int64, buf []byte) error
	WriteAt(lba int64, buf []byte) error
	BlockSize() int
	Close() error
}

// FileDevice is a Device backed by an *os.File — a raw block device node
// in production, a regular file in tests.
type FileDevice struct {
	f         *os.File
	blockSize int
}

// OpenFileDevice opens path (a block device node or a plain file) for
// direct-style block I/O. O_DIRECT is requested but not required to
// succeed: regular filesystems backing test fixtures commonly reject it,
// and falling back to buffered I/O only affects performance, not
// correctness, for this store's purposes.
func OpenFileDevice(path string, blockSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.IoctlSetInt(int(f.Fd()), unix.F_SETFL, unix.O_DIRECT); err != nil {
		// Best-effort: proceed with buffered I/O.
		_ = err
	}
	return &FileDevice{f: f, blockSize: blockSize}, nil
}

// BlockSize returns the device's block size in bytes.
func (d *FileDevice) BlockSize() int { return d.blockSize }

// ReadAt reads len(buf) bytes (rounded by the caller to a multiple of
// BlockSize) starting at the byte offset lba*BlockSize.
func (d *FileDevice) ReadAt(lba int64, buf []byte) error {
	_, err := d.f.ReadAt(buf, lba*int64(d.blockSize))
	return err
}

// WriteAt writes buf starting at the byte offset lba*BlockSize.
func (d *FileDevice) WriteAt(lba int64, buf []byte) error {
	_, err := d.f.WriteAt(buf, lba*int64(d.blockSize))
	return err
}

// Close closes the underlying file.
func (d *FileDevice) Close() error { return d.f.Close() }

// BlocksFor returns the number of allocUnitSize blocks needed to hold n
// bytes, i.e. ceil(n / allocUnitSize).
func BlocksFor(n, allocUnitSize int) int {
	if allocUnitSize <= 0 {
		return 0
	}
	return (n + allocUnitSize - 1) / allocUnitSize
}
