package pkg

import (
	"errors"
	"fmt"
)

// Acquisition startup failures. These halt acquisition; the caller must
// restart explicitly.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrNoProviderAvailable = errors.New("no location provider available")
)

// ErrAuthExpired marks a 401-equivalent response from the server. It forces
// session invalidation and at most one re-authorization attempt per sync
// cycle.
var ErrAuthExpired = errors.New("session expired or unauthorized")

// ErrStoreClosed is returned by store operations after the last Close.
var ErrStoreClosed = errors.New("position store is closed")

// SyncErrorClass classifies a sync cycle failure.
type SyncErrorClass string

const (
	SyncAuthRejected      SyncErrorClass = "auth_rejected"
	SyncUnknownHost       SyncErrorClass = "unknown_host"
	SyncMalformedEndpoint SyncErrorClass = "malformed_endpoint"
	SyncConnectFailed     SyncErrorClass = "connect_failed"
	SyncNoActiveTrack     SyncErrorClass = "no_active_track"
	SyncOther             SyncErrorClass = "other"
)

// SyncError wraps an underlying failure with its classification. The
// classification drives the persisted error message and retry decisions.
type SyncError struct {
	Class SyncErrorClass
	Err   error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return string(e.Class)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError wraps err with the given class.
func NewSyncError(class SyncErrorClass, err error) *SyncError {
	return &SyncError{Class: class, Err: err}
}

// ClassifySyncError extracts the class from err, falling back to SyncOther
// for anything unclassified.
func ClassifySyncError(err error) SyncErrorClass {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, ErrAuthExpired) {
		return SyncAuthRejected
	}
	return SyncOther
}
