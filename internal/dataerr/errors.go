// Package dataerr classifies failures of the local store and the remote run
// service.
package dataerr

import (
	"errors"
	"fmt"
)

var (
	// ErrDiskFull matches any LocalStorageError of kind DiskFull.
	ErrDiskFull = errors.New("disk full")
	// ErrNoConnectivity matches any NetworkError of kind NoConnectivity.
	ErrNoConnectivity = errors.New("no connectivity")
	// ErrInvalidRun marks a run with too little path data to keep.
	ErrInvalidRun = errors.New("run has fewer than two fixes")
	// ErrRunNotFound is returned by the local store for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
)

type LocalKind int

const (
	LocalUnknown LocalKind = iota
	DiskFull
)

func (k LocalKind) String() string {
	if k == DiskFull {
		return "disk_full"
	}
	return "unknown"
}

// LocalStorageError is fatal to the operation that hit it.
type LocalStorageError struct {
	Op   string
	Kind LocalKind
	Err  error
}

func (e *LocalStorageError) Error() string {
	return fmt.Sprintf("local storage %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *LocalStorageError) Unwrap() error { return e.Err }

func (e *LocalStorageError) Is(target error) bool {
	return target == ErrDiskFull && e.Kind == DiskFull
}

type NetworkKind int

const (
	Unknown NetworkKind = iota
	NoConnectivity
	Timeout
	Unauthorized
	NotFound
	Conflict
	TooManyRequests
	PayloadTooLarge
	ServerError
	Serialization
)

var networkKindNames = map[NetworkKind]string{
	Unknown:         "unknown",
	NoConnectivity:  "no_connectivity",
	Timeout:         "timeout",
	Unauthorized:    "unauthorized",
	NotFound:        "not_found",
	Conflict:        "conflict",
	TooManyRequests: "too_many_requests",
	PayloadTooLarge: "payload_too_large",
	ServerError:     "server_error",
	Serialization:   "serialization",
}

func (k NetworkKind) String() string {
	if s, ok := networkKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// NetworkError is any failure talking to the remote run service.
type NetworkError struct {
	Op     string
	Kind   NetworkKind
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("remote %s (%s)", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool {
	return target == ErrNoConnectivity && e.Kind == NoConnectivity
}

// KindFromStatus maps an HTTP status code onto a NetworkKind.
func KindFromStatus(status int) NetworkKind {
	switch {
	case status == 401:
		return Unauthorized
	case status == 404:
		return NotFound
	case status == 408:
		return Timeout
	case status == 409:
		return Conflict
	case status == 413:
		return PayloadTooLarge
	case status == 429:
		return TooManyRequests
	case status >= 500 && status <= 599:
		return ServerError
	default:
		return Unknown
	}
}

// NetworkKindOf returns the kind of the first NetworkError in err's chain.
func NetworkKindOf(err error) (NetworkKind, bool) {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Kind, true
	}
	return Unknown, false
}

// IsLocal reports whether err came from the local store.
func IsLocal(err error) bool {
	var le *LocalStorageError
	return errors.As(err, &le)
}
