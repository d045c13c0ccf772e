package daqkv

import "github.com/fogkv/daqkv/internal/status"

// StatusCode is the taxonomy returned by every store operation, mirrored
// across the façade, the DHT wire protocol, and poller completion
// callbacks. Below errnoBoundary, a StatusCode aliases the corresponding
// errno value so device-level failures can be reported without a lossy
// translation. It is a type alias over internal/status.Code so internal
// pollers and the DHT transport can produce/compare codes without
// importing this package (which imports them), while callers outside the
// module only ever see daqkv.StatusCode.
type StatusCode = status.Code

// The StatusCode taxonomy, re-exported from internal/status.
const (
	OK                   = status.OK
	KeyNotFound          = status.KeyNotFound
	AllocationError      = status.AllocationError
	OffloadDisabledError = status.OffloadDisabledError
	TimeOut              = status.TimeOut
	QueueFullError       = status.QueueFullError
	NotImplemented       = status.NotImplemented
	NotSupported         = status.NotSupported
	UnknownError         = status.UnknownError
)

// Error is the typed failure surfaced by every synchronous façade method
// and reconstructed symmetrically on the DHT client side of a remote
// call.
type Error = status.Error

// NewError builds a typed Error for the given code, tagging it with the
// operation name (e.g. "Get", "Put") for diagnostics.
func NewError(code StatusCode, op string) *Error { return status.New(code, op) }

// Wrap attaches a StatusCode to an underlying cause, folding the cause's
// message into the error text for logging/debugging while still exposing
// a stable Code for callers that only care about the taxonomy. The cause
// itself is not returned by Unwrap.
func Wrap(code StatusCode, op string, cause error) *Error { return status.Wrap(code, op, cause) }

// CodeOf extracts the StatusCode carried by err, returning UnknownError
// if err does not wrap an *Error, or OK if err is nil.
func CodeOf(err error) StatusCode { return status.Of(err) }
