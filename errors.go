package vibesync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the vibesync package.
var (
	// ErrClientClosed is returned when operations are attempted on a closed client.
	ErrClientClosed = errors.New("sync client is closed")

	// ErrQueueFull is returned when the offline queue reaches its pending limit.
	ErrQueueFull = errors.New("offline queue is full")

	// ErrDrainInProgress is returned when a queue drain is requested while
	// another drain is still running.
	ErrDrainInProgress = errors.New("queue drain already in progress")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("queue store is closed")

	// ErrInvalidOperation is returned for malformed queued operations.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrSnapshotUnsupported is returned when a resync is requested but the
	// remote does not implement snapshot pulls.
	ErrSnapshotUnsupported = errors.New("remote does not support snapshots")

	// ErrUnknownCodec is returned for unrecognized wire or compression codecs.
	ErrUnknownCodec = errors.New("unknown codec")

	// ErrInvalidEnvelope is returned for malformed realtime envelopes.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrNotConnected is returned when a realtime publish is attempted
	// without an established connection.
	ErrNotConnected = errors.New("realtime connection not established")

	// ErrKeyNotFound is returned when an archive key does not exist.
	ErrKeyNotFound = errors.New("archive key not found")
)

// RemoteError provides detailed information about failed remote calls.
type RemoteError struct {
	// Status is the HTTP status code, or 0 for transport-level failures.
	Status  int
	Op      string
	Message string
	Cause   error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Status > 0 && e.Message != "":
		return fmt.Sprintf("remote %s failed: status %d: %s", e.Op, e.Status, e.Message)
	case e.Status > 0:
		return fmt.Sprintf("remote %s failed: status %d", e.Op, e.Status)
	case e.Cause != nil:
		return fmt.Sprintf("remote %s failed: %v", e.Op, e.Cause)
	default:
		return fmt.Sprintf("remote %s failed", e.Op)
	}
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient. Server errors, rate
// limiting, and transport failures are retryable; other client errors are not.
func (e *RemoteError) Retryable() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == 429
}

// newRemoteError creates a RemoteError for an HTTP status.
func newRemoteError(op string, status int, message string) *RemoteError {
	return &RemoteError{Status: status, Op: op, Message: message}
}

// StoreErrorOp categorizes queue store failures.
type StoreErrorOp int

const (
	// StoreOpLoad indicates a load failure.
	StoreOpLoad StoreErrorOp = iota
	// StoreOpWrite indicates an append or update failure.
	StoreOpWrite
	// StoreOpRemove indicates a removal failure.
	StoreOpRemove
)

// StoreError provides detailed information about queue store failures.
type StoreError struct {
	Op    StoreErrorOp
	Path  string
	Cause error
}

func (e *StoreError) Error() string {
	op := "store write"
	switch e.Op {
	case StoreOpLoad:
		op = "store load"
	case StoreOpRemove:
		op = "store remove"
	}
	if e.Path != "" {
		return fmt.Sprintf("%s failed [%s]: %v", op, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", op, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// newStoreError creates a new StoreError.
func newStoreError(op StoreErrorOp, path string, cause error) *StoreError {
	return &StoreError{Op: op, Path: path, Cause: cause}
}
