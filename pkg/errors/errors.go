package convosync_errors

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
	ErrTransient          = errors.New("transient failure")
)

// Call and media errors
var (
	ErrCallInProgress    = errors.New("call already in progress")
	ErrNoActiveCall      = errors.New("no active call")
	ErrPermissionDenied  = errors.New("device permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrRelayJoin         = errors.New("relay join failed")
	ErrTokenUnavailable  = errors.New("relay token unavailable")
)

// IsRetryable reports whether err is worth retrying from the caller's side.
// Authorization and validation failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidTransition):
		return false
	}
	return true
}

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now()
	return &now
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
