package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key is absent from the store. It is
	// distinct from an empty value.
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyLocked is returned when another instance already owns the
	// data directory. It is fatal at startup; the process must not serve.
	ErrAlreadyLocked = errors.New("data directory is locked by another instance")

	// ErrNotPrimary is returned when a mutating command reaches a node that
	// is not the cluster primary.
	ErrNotPrimary = errors.New("not the primary node")
)

// CorruptionError reports a WAL or checkpoint record that failed its
// integrity check. Recovery truncates at the corruption point and continues;
// the error never propagates to Get/Set callers.
type CorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corruption in %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corruption in %s: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsCorruption checks if an error is a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// DurabilityError reports that the underlying storage medium rejected a
// write. It must surface to the caller as a failed operation, never a
// silent success.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability failure during %s: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// IsDurabilityError checks if an error is a DurabilityError.
func IsDurabilityError(err error) bool {
	var de *DurabilityError
	return errors.As(err, &de)
}
