package trailhead

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the trailhead package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrAuthRequired is returned for 401/403 responses. Items failing with
	// this error are not retried until re-authentication.
	ErrAuthRequired = errors.New("authentication required")

	// ErrServerUnreachable is returned when the remote API cannot be
	// reached at the transport level.
	ErrServerUnreachable = errors.New("server unreachable")

	// ErrCacheCorrupted is returned when the local cache fails its
	// integrity check and has been wiped.
	ErrCacheCorrupted = errors.New("local cache corrupted")

	// ErrVersionNotFound is returned when a requested version does not
	// exist in the version store.
	ErrVersionNotFound = errors.New("version not found")

	// ErrSyncDisabled is returned by ForceSync when the engine is not
	// permitted to flush (disabled, offline or unauthenticated).
	ErrSyncDisabled = errors.New("sync is disabled")
)

// SyncErrorType categorizes remote sync failures.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified sync error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeAuth indicates an authentication failure (401/403).
	SyncErrorTypeAuth
	// SyncErrorTypeUnreachable indicates a transport-level failure.
	SyncErrorTypeUnreachable
	// SyncErrorTypeServer indicates a non-2xx response from the server.
	SyncErrorTypeServer
	// SyncErrorTypeSerialization indicates a payload could not be encoded.
	SyncErrorTypeSerialization
)

// SyncError provides detailed information about remote sync failures.
type SyncError struct {
	Type       SyncErrorType
	Op         string
	StatusCode int
	// ServerBody holds a truncated copy of the server error body, attached
	// to status for diagnostics.
	ServerBody string
	Cause      error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("sync %s failed", e.Op)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.ServerBody != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.ServerBody)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeAuth:
		return target == ErrAuthRequired
	case SyncErrorTypeUnreachable:
		return target == ErrServerUnreachable
	}
	return false
}

// Retryable reports whether the error should feed the retry/backoff path.
// Auth failures are surfaced and halted, never retried automatically.
func (e *SyncError) Retryable() bool {
	return e.Type != SyncErrorTypeAuth && e.Type != SyncErrorTypeSerialization
}

func newSyncError(errType SyncErrorType, op string, status int, body string, cause error) *SyncError {
	return &SyncError{
		Type:       errType,
		Op:         op,
		StatusCode: status,
		ServerBody: body,
		Cause:      cause,
	}
}

// CacheError reports a local cache integrity failure.
type CacheError struct {
	Message    string
	Duplicates int
	Total      int
}

func (e *CacheError) Error() string {
	if e.Total > 0 {
		return fmt.Sprintf("%s (%d/%d duplicate ids)", e.Message, e.Duplicates, e.Total)
	}
	return e.Message
}

// Is implements error matching for CacheError.
func (e *CacheError) Is(target error) bool {
	return target == ErrCacheCorrupted
}
