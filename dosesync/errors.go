package dosesync

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for remote calls. Transient errors are retried by the sync
// queue with backoff; validation and conflict errors are never retried.
var (
	ErrTransient    = errors.New("transient remote error")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrSyncInProgress is returned by SyncOnce when a reconciliation cycle is
// already running. Cycles never overlap.
var ErrSyncInProgress = errors.New("sync cycle already in progress")

// retryable reports whether an error from a remote call should be retried
// with backoff. Validation, conflict and not-found errors can never succeed
// on retry; everything else (network faults, 5xx) is considered transient.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnauthorized):
		return false
	}
	return true
}

// PermanentFailure reports a queue entry that was dropped after exhausting
// its retries or failing with a non-retryable error. These are the only
// queue outcomes surfaced to the caller.
type PermanentFailure struct {
	Entry      QueueEntry
	Err        error
	ReportedAt time.Time
}

func (f *PermanentFailure) Error() string {
	return fmt.Sprintf("sync of %s %s/%s permanently failed after %d retries: %v",
		f.Entry.Op, f.Entry.Collection, f.Entry.RecordID, f.Entry.RetryCount, f.Err)
}

func (f *PermanentFailure) Unwrap() error { return f.Err }
