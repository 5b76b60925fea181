package dosesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the tunable sync policy. The defaults reflect observed
// production behavior; treat them as configuration, not invariants.
type Config struct {
	MaxRetries   int           // retries before a queue entry is dropped and surfaced
	BackoffBase  time.Duration // first retry delay, doubles per attempt
	BackoffMax   time.Duration // cap for the background loop's failure backoff
	QueueMaxAge  time.Duration // age ceiling for queue entries
	TombstoneTTL time.Duration // pending-deletion suppression window
	SyncInterval time.Duration // background loop cadence
}

// DefaultConfig returns the default sync policy.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   5,
		BackoffBase:  1 * time.Second,
		BackoffMax:   60 * time.Second,
		QueueMaxAge:  1 * time.Hour,
		TombstoneTTL: 120 * time.Second,
		SyncInterval: 30 * time.Second,
	}
}

// FailureHandler receives queue entries dropped after exhausting retries or
// failing permanently. Failures are never silently discarded.
type FailureHandler func(f PermanentFailure)

// Client owns the local dataset and drives reconciliation against the cloud
// API. All mutations (user-initiated CRUD and sync merges) serialize behind
// a single mutex, and a reconciliation cycle never overlaps another.
type Client struct {
	api       *API
	store     Store
	cfg       *Config
	userID    string
	logger    *slog.Logger
	onFailure FailureHandler

	mu         sync.Mutex
	ds         *Dataset
	queue      *Queue
	tombstones *TombstoneSet
	syncing    atomic.Bool
	now        func() time.Time
}

// NewClient loads the dataset from the store and returns a ready client.
func NewClient(store Store, api *API, userID string, cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ds, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load local store: %w", err)
	}
	c := &Client{
		api:    api,
		store:  store,
		cfg:    cfg,
		userID: userID,
		logger: logger,
		ds:     ds,
		now:    time.Now,
	}
	c.queue = newQueue(ds, cfg, logger, func() time.Time { return c.now() })
	c.tombstones = newTombstoneSet(ds, cfg.TombstoneTTL, logger, func() time.Time { return c.now() })
	return c, nil
}

// SetFailureHandler installs the handler for permanent sync failures.
func (c *Client) SetFailureHandler(h FailureHandler) { c.onFailure = h }

// Records returns a snapshot of a collection. The snapshot never aliases
// the live dataset.
func (c *Client) Records(collection string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.ds.Collections[collection]
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// PendingOps returns the number of queued mutations awaiting sync.
func (c *Client) PendingOps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ds.Queue)
}

// AddRecord stores a new record locally and queues its creation for the
// next sync. The record may arrive in either vocabulary; it is normalized
// to the local one, assigned an id and timestamps as needed.
func (c *Client) AddRecord(collection string, rec Record) (Record, error) {
	spec, ok := CollectionByName(collection)
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", ErrValidation, collection)
	}

	local := ToLocalFormat(rec.Clone())
	for _, field := range spec.Required {
		if _, present := CanonicalValue(local, field); !present {
			return nil, fmt.Errorf("%w: %s requires field %s", ErrValidation, collection, field)
		}
	}

	now := c.now().UTC().Format(time.RFC3339)
	if _, present := CanonicalValue(local, FieldID); !present {
		_ = SetCanonicalValue(local, FieldID, uuid.New().String(), VocabLocal)
	}
	if c.userID != "" {
		if _, present := CanonicalValue(local, FieldUserID); !present {
			_ = SetCanonicalValue(local, FieldUserID, c.userID, VocabLocal)
		}
	}
	if _, present := CanonicalValue(local, FieldTimestamp); !present {
		_ = SetCanonicalValue(local, FieldTimestamp, now, VocabLocal)
	}
	_ = SetCanonicalValue(local, FieldUpdatedAt, now, VocabLocal)

	id, _ := CanonicalString(local, FieldID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ds.Collections[collection] = append(c.ds.Collections[collection], local)
	c.queue.Enqueue(OpCreate, collection, id, local)
	if err := c.store.Save(c.ds); err != nil {
		return nil, err
	}
	return local.Clone(), nil
}

// UpdateRecord applies a partial update to a record by id and queues the
// patch. Identity never changes: the id in the patch is ignored.
func (c *Client) UpdateRecord(collection, id string, patch Record) (Record, error) {
	if _, ok := CollectionByName(collection); !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", ErrValidation, collection)
	}

	localPatch := ToLocalFormat(patch.Clone())
	for _, spelling := range fieldSpecs[FieldID].spellings() {
		delete(localPatch, spelling)
	}
	_ = SetCanonicalValue(localPatch, FieldUpdatedAt, c.now().UTC().Format(time.RFC3339), VocabLocal)

	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.ds.Collections[collection]
	idx := indexByID(records, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	merged := records[idx].Clone()
	for k, v := range localPatch {
		merged[k] = v
	}
	records[idx] = merged
	c.queue.Enqueue(OpUpdate, collection, id, localPatch)
	if err := c.store.Save(c.ds); err != nil {
		return nil, err
	}
	return merged.Clone(), nil
}

// DeleteRecord removes a record from the local view immediately, inserts a
// pending-deletion tombstone, and queues the remote delete.
func (c *Client) DeleteRecord(collection, id string) error {
	if _, ok := CollectionByName(collection); !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrValidation, collection)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if indexByID(c.ds.Collections[collection], id) < 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	c.deleteLocked(collection, id)
	return c.store.Save(c.ds)
}

// deleteLocked marks the tombstone, drops the record from the local view and
// queues the remote delete. Caller holds the mutex.
func (c *Client) deleteLocked(collection, id string) {
	c.tombstones.Mark(collection, id)
	records := c.ds.Collections[collection]
	kept := records[:0:0]
	for _, r := range records {
		if rid, _ := CanonicalString(r, FieldID); rid == id {
			continue
		}
		kept = append(kept, r)
	}
	c.ds.Collections[collection] = kept
	c.queue.Enqueue(OpDelete, collection, id, nil)
}

// SyncOnce runs one reconciliation cycle: sweep tombstones, drain the queue
// outward, pull the remote snapshot, merge it (all-or-nothing), deduplicate,
// sweep again. Returns ErrSyncInProgress if a cycle is already running.
//
// A failure while draining leaves unsent entries pending for the next cycle.
// A failure while pulling aborts the cycle before any remote record is
// merged; a partial remote snapshot is never applied.
func (c *Client) SyncOnce(ctx context.Context) error {
	if !c.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer c.syncing.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tombstones.SweepExpired()
	c.queue.Cleanup()

	drainRes, drainErr := c.queue.Drain(ctx, c.sendEntry)
	c.reportFailures(drainRes.Failures)
	if err := c.store.Save(c.ds); err != nil {
		return err
	}
	if drainErr != nil {
		return fmt.Errorf("push phase failed: %w", drainErr)
	}

	// Pull every collection before touching local state.
	remote := make(map[string][]Record, len(Collections))
	for _, spec := range Collections {
		records, err := c.api.List(ctx, spec.Name)
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", spec.Name, err)
		}
		remote[spec.Name] = records
	}

	if c.remoteEmpty(remote) && c.localRecordCount() > 0 && len(c.ds.Queue) == 0 {
		// Fresh backend, established local data: seed via bulk import
		// instead of merging an empty snapshot.
		if err := c.seedRemote(ctx); err != nil {
			c.logger.Warn("Bulk seeding failed, will retry next cycle", "error", err)
		}
	} else {
		c.mergeRemote(remote)
	}

	c.resolveDuplicates()
	c.tombstones.SweepExpired()
	return c.store.Save(c.ds)
}

// Run drives reconciliation on a timer until the context is canceled. The
// delay doubles after a failed cycle, capped at BackoffMax, and resets on
// success.
func (c *Client) Run(ctx context.Context) {
	delay := c.cfg.SyncInterval
	for {
		if err := sleepWithContext(ctx, delay); err != nil {
			return
		}
		err := c.SyncOnce(ctx)
		switch {
		case err == nil, errors.Is(err, ErrSyncInProgress):
			delay = c.cfg.SyncInterval
		default:
			c.logger.Warn("Sync cycle failed", "error", err, "retry_in", delay)
			delay *= 2
			if delay > c.cfg.BackoffMax {
				delay = c.cfg.BackoffMax
			}
		}
	}
}

// sendEntry performs the remote call for one queue entry. Payloads are
// shaped into the wire vocabulary at send time, so the queue keeps local
// snapshots.
func (c *Client) sendEntry(ctx context.Context, e QueueEntry) error {
	switch e.Op {
	case OpCreate:
		_, err := c.api.Create(ctx, e.Collection, ToRemoteFormat(e.Payload))
		return err
	case OpUpdate:
		_, err := c.api.Patch(ctx, e.Collection, e.RecordID, ToRemoteFormat(e.Payload))
		return err
	case OpDelete:
		err := c.api.Delete(ctx, e.Collection, e.RecordID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		// Remote delete confirmed (or the record was already gone);
		// the tombstone has done its job.
		c.tombstones.Remove(e.Collection, e.RecordID)
		return nil
	default:
		return fmt.Errorf("%w: unknown queue op %q", ErrValidation, e.Op)
	}
}

// mergeRemote folds the pulled snapshot into the local collections. Remote
// records are converted to the local vocabulary; tombstoned ids are skipped;
// when both sides hold an id, the more recently updated copy wins and remote
// wins ties (it is the converged state other devices already observe).
// Local records absent from the snapshot are kept; they may still be queued.
func (c *Client) mergeRemote(remote map[string][]Record) {
	for _, spec := range Collections {
		local := c.ds.Collections[spec.Name]
		index := make(map[string]int, len(local))
		merged := make([]Record, len(local))
		copy(merged, local)
		for i, r := range local {
			if id, ok := CanonicalString(r, FieldID); ok {
				index[id] = i
			}
		}

		for _, raw := range remote[spec.Name] {
			rec := ToLocalFormat(raw)
			id, ok := CanonicalString(rec, FieldID)
			if !ok {
				c.logger.Warn("Skipping remote record without id", "collection", spec.Name)
				continue
			}
			if c.tombstones.Contains(spec.Name, id) {
				continue
			}
			if i, exists := index[id]; exists {
				if !updateTime(rec).Before(updateTime(merged[i])) {
					merged[i] = rec
				}
				continue
			}
			index[id] = len(merged)
			merged = append(merged, rec)
		}
		c.ds.Collections[spec.Name] = merged
	}
}

// resolveDuplicates reduces every duplicate set to one survivor, routing
// loser deletions through the tombstone tracker so they apply locally and
// propagate remotely. Idempotent.
func (c *Client) resolveDuplicates() {
	for _, spec := range Collections {
		if !spec.Dedupe() {
			continue
		}
		losers := DuplicateLosers(spec, c.ds.Collections[spec.Name])
		for _, id := range losers {
			c.deleteLocked(spec.Name, id)
		}
		if len(losers) > 0 {
			c.logger.Info("Removed duplicate records", "collection", spec.Name, "count", len(losers))
		}
	}
}

func (c *Client) seedRemote(ctx context.Context) error {
	payload := make(map[string][]Record, len(Collections))
	for _, spec := range Collections {
		records := c.ds.Collections[spec.Name]
		if len(records) == 0 {
			continue
		}
		out := make([]Record, len(records))
		for i, r := range records {
			out[i] = ToRemoteFormat(r)
		}
		payload[spec.Name] = out
	}
	result, err := c.api.BulkImport(ctx, payload)
	if err != nil {
		return err
	}
	c.logger.Info("Seeded remote from local dataset",
		"imported", result.TotalImported, "failed", result.TotalFailed)
	return nil
}

func (c *Client) reportFailures(failures []PermanentFailure) {
	for _, f := range failures {
		if c.onFailure != nil {
			c.onFailure(f)
			continue
		}
		c.logger.Error("Permanent sync failure", "error", f.Error())
	}
}

func (c *Client) remoteEmpty(remote map[string][]Record) bool {
	for _, records := range remote {
		if len(records) > 0 {
			return false
		}
	}
	return true
}

func (c *Client) localRecordCount() int {
	n := 0
	for _, records := range c.ds.Collections {
		n += len(records)
	}
	return n
}

func indexByID(records []Record, id string) int {
	for i, r := range records {
		if rid, ok := CanonicalString(r, FieldID); ok && rid == id {
			return i
		}
	}
	return -1
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
