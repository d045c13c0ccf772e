// Package status holds the StatusCode taxonomy and typed error shared by
// every layer of the store (façade, pollers, DHT wire protocol). It lives
// beneath the root package so internal pollers/transport code can return
// and compare codes without importing the root daqkv package (which
// itself imports the poller/transport packages), which would otherwise
// create an import cycle.
package status

import (
	goerrors "github.com/agilira/go-errors"
)

// Code is the taxonomy returned by every store operation, mirrored across
// the façade, the DHT wire protocol, and poller completion callbacks.
// Below errnoBoundary, a Code aliases the corresponding errno value so
// device-level failures can be reported without a lossy translation.
type Code int32

const (
	OK                   Code = 0
	KeyNotFound          Code = -1
	AllocationError      Code = -2
	OffloadDisabledError Code = -3
	TimeOut              Code = -4
	QueueFullError       Code = -5
	NotImplemented       Code = -6
	NotSupported         Code = -7
	UnknownError         Code = -8

	errnoBoundary Code = -1000
)

var names = map[Code]string{
	OK:                   "OK",
	KeyNotFound:          "KEY_NOT_FOUND",
	AllocationError:      "ALLOCATION_ERROR",
	OffloadDisabledError: "OFFLOAD_DISABLED_ERROR",
	TimeOut:              "TIME_OUT",
	QueueFullError:       "QUEUE_FULL_ERROR",
	NotImplemented:       "NOT_IMPLEMENTED",
	NotSupported:         "NOT_SUPPORTED",
	UnknownError:         "UNKNOWN_ERROR",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	if c <= errnoBoundary {
		return "ERRNO"
	}
	return "STATUS_UNKNOWN"
}

// Error is the typed failure carried across every package boundary in
// the store, wrapping github.com/agilira/go-errors so Code survives
// errors.As/errors.Is instead of being lost in a formatted string.
type Error struct {
	Code Code
	Op   string
	err  *goerrors.Error
}

// New builds a typed Error for code, tagging it with the operation name
// (e.g. "Get", "Put") for diagnostics.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op, err: goerrors.New(code.String(), op+": "+code.String())}
}

// Wrap attaches code to an underlying cause, folding the cause's message
// into the error text while still exposing a stable Code for callers
// that only care about the taxonomy. The cause itself is not returned by
// Unwrap.
func Wrap(code Code, op string, cause error) *Error {
	if cause == nil {
		return New(code, op)
	}
	return &Error{Code: code, Op: op, err: goerrors.New(code.String(), op+": "+code.String()+": "+cause.Error())}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Of extracts the Code carried by err, returning UnknownError if err does
// not wrap an *Error, or OK if err is nil.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	for err != nil {
		if v, ok := err.(*Error); ok {
			e = v
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e != nil {
		return e.Code
	}
	return UnknownError
}
