// Package service holds the allocation logic on top of the pool store, the
// transaction log and the Redis cache.
//
// Errors here are translated into HTTP statuses by the handler layer.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when the user/device has no dispatch quota
	// left for the current day (or lifetime, when a total cap is configured).
	ErrQuotaExceeded = errors.New("dispatch quota exceeded")

	// ErrInvalidRequest wraps input validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidTransition is returned when a status change would move a
	// record backward or skip a state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrArchiveUnavailable is returned when export is requested but no
	// object storage is configured.
	ErrArchiveUnavailable = errors.New("archive storage not configured")
)

// PoolExhaustedError reports that no identifier could be claimed.
// Retryable is true when unassigned rows exist but were all held by
// concurrent claimers.
type PoolExhaustedError struct {
	TenantID  string
	Retryable bool
}

func (e *PoolExhaustedError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("identifier pool of tenant %s is busy, retry", e.TenantID)
	}
	return fmt.Sprintf("identifier pool of tenant %s is exhausted", e.TenantID)
}

// DataIntegrityError marks a single record whose stored extension payload
// cannot be decoded. It is reported per record and never fails a batch.
type DataIntegrityError struct {
	ID  string
	Err error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("record %s: %v", e.ID, e.Err)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
