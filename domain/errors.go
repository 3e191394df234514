package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed mutation before it reaches the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid mutation: " + e.Reason
	}
	return fmt.Sprintf("invalid mutation: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError reports a Local Store failure. It is never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "local store " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// NetworkError reports that the remote store could not be reached.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return "remote " + e.Op + ": " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// PermissionError reports that the remote store rejected the caller.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string { return "remote " + e.Op + " not permitted: " + e.Err.Error() }
func (e *PermissionError) Unwrap() error { return e.Err }

// SyncError is surfaced when a queued mutation exhausted its attempts. The
// mutation stays queued as failed until retried.
type SyncError struct {
	OpID       string
	EntityType EntityType
	EntityID   string
	Attempts   int
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s failed after %d attempts: %v", e.EntityType, e.EntityID, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// DiscardedLocalChange is the informational result of a conflict the remote
// record won. It is surfaced as a notice, not as a failure.
type DiscardedLocalChange struct {
	EntityType    EntityType
	EntityID      string
	LocalVersion  int64
	RemoteVersion int64
}

func (e *DiscardedLocalChange) Error() string {
	return fmt.Sprintf("local change to %s %s (v%d) discarded in favour of remote v%d", e.EntityType, e.EntityID, e.LocalVersion, e.RemoteVersion)
}

// DeliveryError reports a reminder that could not be shown.
type DeliveryError struct {
	TaskID     string
	Permission bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Permission {
		return "reminder for task " + e.TaskID + " not permitted: " + e.Err.Error()
	}
	return "reminder for task " + e.TaskID + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }
