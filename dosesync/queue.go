package dosesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// QueueEntry is one pending mutation awaiting remote acknowledgement.
// Entries move pending -> in-flight -> acknowledged (removed), back to
// pending with a retry schedule on transient failure, or dead (removed and
// surfaced) on permanent failure.
type QueueEntry struct {
	ID          string    `json:"id"`
	Op          string    `json:"op"` // create, update, delete
	Collection  string    `json:"collection"`
	RecordID    string    `json:"recordId"`
	Payload     Record    `json:"payload,omitempty"` // snapshot in local vocabulary, nil for delete
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	RetryCount  int       `json:"retryCount"`
	NextRetryAt time.Time `json:"nextRetryAt"`
}

func (e QueueEntry) target() string { return e.Collection + "/" + e.RecordID }

// Sender performs the remote call for one queue entry.
type Sender func(ctx context.Context, e QueueEntry) error

// DrainResult summarizes one drain sweep.
type DrainResult struct {
	Sent     int
	Failures []PermanentFailure
}

// Queue is the ordered, persisted list of pending mutations. It lives
// inside the dataset document; the orchestrator persists the dataset after
// every queue mutation.
type Queue struct {
	ds     *Dataset
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time
}

func newQueue(ds *Dataset, cfg *Config, logger *slog.Logger, now func() time.Time) *Queue {
	return &Queue{ds: ds, cfg: cfg, logger: logger, now: now}
}

// Enqueue appends a mutation to the tail of the queue with retry count 0 and
// immediate eligibility. The queue does not deduplicate by content.
func (q *Queue) Enqueue(op, collection, recordID string, payload Record) QueueEntry {
	now := q.now()
	entry := QueueEntry{
		ID:          uuid.New().String(),
		Op:          op,
		Collection:  collection,
		RecordID:    recordID,
		Payload:     payload.Clone(),
		EnqueuedAt:  now,
		RetryCount:  0,
		NextRetryAt: now,
	}
	q.ds.Queue = append(q.ds.Queue, entry)
	return entry
}

// Len returns the number of pending entries.
func (q *Queue) Len() int { return len(q.ds.Queue) }

// Drain sweeps the queue head to tail, attempting every due entry.
//
// Ordering guarantee: entries for the same collection+record are applied in
// enqueue order; once one of them is skipped or fails, later entries for
// that record stay queued behind it. Entries for different records may be
// retried independently, since remote operations are id-scoped upserts.
//
// Transient failures bump the retry count and schedule the next attempt with
// exponential backoff; after MaxRetries the entry is dropped and reported in
// the result. Non-retryable failures (validation, conflict) are dropped and
// reported without retries. An auth failure aborts the whole sweep with no
// retry bump, leaving every remaining entry pending for the next cycle.
func (q *Queue) Drain(ctx context.Context, send Sender) (DrainResult, error) {
	var result DrainResult
	now := q.now()

	blocked := make(map[string]bool)
	kept := q.ds.Queue[:0:0]

	for i, entry := range q.ds.Queue {
		if err := ctx.Err(); err != nil {
			kept = append(kept, q.ds.Queue[i:]...)
			q.ds.Queue = kept
			return result, err
		}

		if blocked[entry.target()] {
			kept = append(kept, entry)
			continue
		}
		if entry.NextRetryAt.After(now) {
			blocked[entry.target()] = true
			kept = append(kept, entry)
			continue
		}

		err := send(ctx, entry)
		if err == nil {
			result.Sent++
			continue
		}

		if errors.Is(err, ErrUnauthorized) {
			kept = append(kept, q.ds.Queue[i:]...)
			q.ds.Queue = kept
			return result, fmt.Errorf("drain aborted: %w", err)
		}

		if !retryable(err) {
			q.logger.Warn("Dropping queue entry after non-retryable failure",
				"op", entry.Op, "collection", entry.Collection, "record_id", entry.RecordID, "error", err)
			result.Failures = append(result.Failures, PermanentFailure{Entry: entry, Err: err, ReportedAt: now})
			continue
		}

		entry.RetryCount++
		if entry.RetryCount >= q.cfg.MaxRetries {
			q.logger.Warn("Dropping queue entry after max retries",
				"op", entry.Op, "collection", entry.Collection, "record_id", entry.RecordID,
				"retries", entry.RetryCount, "error", err)
			result.Failures = append(result.Failures, PermanentFailure{Entry: entry, Err: err, ReportedAt: now})
			continue
		}

		entry.NextRetryAt = now.Add(backoffDelay(q.cfg.BackoffBase, entry.RetryCount))
		blocked[entry.target()] = true
		kept = append(kept, entry)
		q.logger.Debug("Queue entry scheduled for retry",
			"op", entry.Op, "collection", entry.Collection, "record_id", entry.RecordID,
			"retry", entry.RetryCount, "next_attempt", entry.NextRetryAt, "error", err)
	}

	q.ds.Queue = kept
	return result, nil
}

// Cleanup discards entries older than the queue age ceiling regardless of
// retry state, bounding growth from entries targeting a permanently
// unreachable resource. Returns the number removed.
func (q *Queue) Cleanup() int {
	cutoff := q.now().Add(-q.cfg.QueueMaxAge)
	kept := q.ds.Queue[:0:0]
	removed := 0
	for _, entry := range q.ds.Queue {
		if entry.EnqueuedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	if removed > 0 {
		q.logger.Info("Removed stale queue entries", "count", removed)
	}
	q.ds.Queue = kept
	return removed
}

// backoffDelay returns the delay before retry attempt retryCount (1-based):
// base, 2*base, 4*base, ... yielding 1s, 2s, 4s, 8s, 16s with a 1s base.
func backoffDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return base << (retryCount - 1)
}
