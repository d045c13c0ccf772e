package daqkv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Mode selects whether a Store holds a local partition (Storage) or is
// a pure forwarding node with no local storage subsystems (Satellite):
// a satellite forwards every operation to a peer via the DHT client.
type Mode uint8

const (
	ModeStorage Mode = iota
	ModeSatellite
)

// NeighborConfig describes one DHT peer: its network address and the
// [Start, End] routing range it owns.
type NeighborConfig struct {
	ID      string
	IP      string
	Port    int
	Start   uint64
	End     uint64
}

// LocalRoute is this node's own routing range within the static DHT
// key-space partition (the same start/end shape as NeighborConfig, but
// describing the local node instead of a peer). Its mask window is the
// one Open applies to every neighbor as well.
type LocalRoute struct {
	ID      string
	MaskLen int
	MaskOff int
	Start   uint64
	End     uint64
}

// Options configures Open.
type Options struct {
	// PmemPoolPath is pmem.poolPath: the backing pool file.
	PmemPoolPath string
	// PmemTotalSize is pmem.totalSize in bytes.
	PmemTotalSize int64
	// PmemAllocUnitSize is pmem.allocUnitSize: the minimum granularity of
	// value allocations in the pmem arena. <= 0 leaves the arena's natural
	// power-of-two size classes unmodified.
	PmemAllocUnitSize int
	// PmemTruncate deletes and recreates the pool file on open. Open
	// defaults to reattaching to an existing pool; this is an escape
	// hatch for tests and benchmarks, never the default.
	PmemTruncate bool

	// OffloadEnabled turns on the NVMe offload pipeline. When false, an
	// Update with AttrLongTerm fails immediately with
	// OffloadDisabledError.
	OffloadEnabled bool
	// OffloadDevicePath is the block device node (or, in tests, a plain
	// file) the offload poller issues I/O against.
	OffloadDevicePath string
	// OffloadAllocUnitSize is offload.allocUnitSize: must be a multiple
	// of the device's block size.
	OffloadAllocUnitSize int
	// OffloadBlockSize is the device's native block size.
	OffloadBlockSize int
	// OffloadPCIAddr is offload.nvmeAddr, recorded in every DeviceAddr
	// this node produces.
	OffloadPCIAddr string

	// DHTListenAddr is where the DHT server listens, e.g.
	// "0.0.0.0:7777". Empty disables the server (useful for a pure
	// Satellite/thin-client build).
	DHTListenAddr string
	// Local is this node's own routing range.
	Local LocalRoute
	// Neighbors is the static peer list; the set never changes for the
	// lifetime of the process.
	Neighbors []NeighborConfig

	// KeyFields is key.fields[]: the composite key layout.
	KeyFields []KeyField

	// NumPollers is runtime.numOfPollers: how many pmem pollers to run.
	// Defaults to 1 if <= 0.
	NumPollers int
	// MaxReadyKeys is runtime.maxReadyKeys: the primary-key ready
	// queue's capacity. <= 0 disables the ready queue entirely.
	MaxReadyKeys int
	// LogFunc is runtime.logFunc: an optional sink mirrored alongside
	// the default logger output.
	LogFunc func(string)
	// ShutdownFunc is runtime.shutdownFunc: invoked once Close has fully
	// quiesced every poller and the DHT server.
	ShutdownFunc func()

	// Mode selects Storage vs Satellite.
	Mode Mode

	// MetricsNamespace prefixes every Prometheus metric name.
	MetricsNamespace string
	// MetricsRegisterer receives the store's metrics; defaults to a
	// fresh prometheus.NewRegistry() if nil, so tests never collide with
	// the process-wide default registry.
	MetricsRegisterer prometheus.Registerer

	// LogLevel sets the zerolog level for the store's root logger.
	LogLevel zerolog.Level
}

func (o Options) numPollers() int {
	if o.NumPollers <= 0 {
		return 1
	}
	return o.NumPollers
}

// Attr is the per-call attribute bitmask carried by Update options.
type Attr uint8

const (
	AttrEmpty    Attr = 0
	AttrLongTerm Attr = 1 << 0
)

// autoPoller is the sentinel PollerID meaning "pick one, round-robin".
const autoPoller = -1

// PutOpts configures Put.
type PutOpts struct {
	// PollerID explicitly pins this call to one pmem poller so a
	// subsequent Get on the same PollerID is guaranteed to observe it.
	// Use NewPutOpts (or set to autoPoller's -1) for round-robin; note
	// the struct zero value pins poller 0.
	PollerID int
}

// GetOpts configures Get and GetAny.
type GetOpts struct {
	PollerID int
}

// UpdateOpts configures Update.
type UpdateOpts struct {
	Attr     Attr
	PollerID int
}

// NewPutOpts returns PutOpts defaulted to round-robin poller selection.
func NewPutOpts() PutOpts { return PutOpts{PollerID: autoPoller} }

// NewGetOpts returns GetOpts defaulted to round-robin poller selection.
func NewGetOpts() GetOpts { return GetOpts{PollerID: autoPoller} }

// NewUpdateOpts returns UpdateOpts defaulted to round-robin poller
// selection and the EMPTY attribute.
func NewUpdateOpts() UpdateOpts { return UpdateOpts{PollerID: autoPoller} }
