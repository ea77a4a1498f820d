package tracksync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrAuthExpired       = errors.New("auth expired")
	ErrNoActiveWorkspace = errors.New("no active workspace")
	ErrSyncFailed        = errors.New("sync failed")

	// Transport failure classes surfaced by the tracker client.
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRemoteNotFound = errors.New("remote entity not found")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnavailable    = errors.New("service unavailable")
	ErrInvalidRequest = errors.New("invalid request")
)

type FailureClass string

const (
	FailureUnauthorized FailureClass = "unauthorized"
	FailureNotFound     FailureClass = "not_found"
	FailureRateLimited  FailureClass = "rate_limited"
	FailureUnavailable  FailureClass = "unavailable"
	FailureInvalid      FailureClass = "invalid"
)

// TrackerError carries the classified outcome of a tracker API call.
type TrackerError struct {
	Status  int
	Class   FailureClass
	Code    string
	Message string
}

func (e *TrackerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tracker call failed: status=%d class=%s code=%s message=%s", e.Status, e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("tracker call failed: status=%d class=%s message=%s", e.Status, e.Class, e.Message)
}

func (e *TrackerError) Is(target error) bool {
	switch e.Class {
	case FailureUnauthorized:
		return target == ErrUnauthorized
	case FailureNotFound:
		return target == ErrRemoteNotFound
	case FailureRateLimited:
		return target == ErrRateLimited
	case FailureUnavailable:
		return target == ErrUnavailable
	case FailureInvalid:
		return target == ErrInvalidRequest
	}
	return false
}

// Retryable reports whether the client may retry the call itself.
// Unauthorized is excluded: the caller owns the one refresh-and-retry.
func (e *TrackerError) Retryable() bool {
	return e.Class == FailureRateLimited || e.Class == FailureUnavailable
}

func classifyStatus(status int) FailureClass {
	switch {
	case status == 401 || status == 403:
		return FailureUnauthorized
	case status == 404:
		return FailureNotFound
	case status == 429:
		return FailureRateLimited
	case status >= 500:
		return FailureUnavailable
	default:
		return FailureInvalid
	}
}

// SyncError is the terminal per-attempt failure surfaced to callers once
// retries and fallbacks are exhausted.
type SyncError struct {
	LocalID string
	Kind    EntityKind
	Reason  string
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for %s/%s: %s", e.Kind, e.LocalID, e.Reason)
}

func (e *SyncError) Is(target error) bool {
	return target == ErrSyncFailed
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
