package dosesync

import (
	"log/slog"
	"time"
)

// Tombstone records a local delete so a stale remote copy cannot resurrect
// the record during the next sync. Tombstones are time-boxed: after the
// expiry window a remote copy that still exists (the remote delete failed or
// never arrived) is allowed back, favoring convergence with the server over
// permanent local suppression.
type Tombstone struct {
	Collection string    `json:"collection"`
	RecordID   string    `json:"recordId"`
	DeletedAt  time.Time `json:"deletedAt"`
}

// TombstoneSet manages the pending-deletion tombstones inside the dataset.
type TombstoneSet struct {
	ds     *Dataset
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func newTombstoneSet(ds *Dataset, ttl time.Duration, logger *slog.Logger, now func() time.Time) *TombstoneSet {
	return &TombstoneSet{ds: ds, ttl: ttl, logger: logger, now: now}
}

// Mark inserts a tombstone for the record at the current time. Marking an
// already-tombstoned record refreshes the deletion timestamp.
func (t *TombstoneSet) Mark(collection, recordID string) {
	now := t.now()
	for i := range t.ds.Tombstones {
		ts := &t.ds.Tombstones[i]
		if ts.Collection == collection && ts.RecordID == recordID {
			ts.DeletedAt = now
			return
		}
	}
	t.ds.Tombstones = append(t.ds.Tombstones, Tombstone{
		Collection: collection,
		RecordID:   recordID,
		DeletedAt:  now,
	})
}

// Contains reports whether a live (unexpired) tombstone exists for the
// record. The orchestrator consults this before merging any remote-origin
// record into the local collections.
func (t *TombstoneSet) Contains(collection, recordID string) bool {
	cutoff := t.now().Add(-t.ttl)
	for _, ts := range t.ds.Tombstones {
		if ts.Collection == collection && ts.RecordID == recordID {
			return ts.DeletedAt.After(cutoff)
		}
	}
	return false
}

// Remove drops the tombstone once the remote delete is confirmed.
func (t *TombstoneSet) Remove(collection, recordID string) {
	kept := t.ds.Tombstones[:0:0]
	for _, ts := range t.ds.Tombstones {
		if ts.Collection == collection && ts.RecordID == recordID {
			continue
		}
		kept = append(kept, ts)
	}
	t.ds.Tombstones = kept
}

// SweepExpired removes tombstones whose age exceeds the expiry window.
// Called before and after every sync cycle. Returns the number removed.
func (t *TombstoneSet) SweepExpired() int {
	cutoff := t.now().Add(-t.ttl)
	kept := t.ds.Tombstones[:0:0]
	removed := 0
	for _, ts := range t.ds.Tombstones {
		if !ts.DeletedAt.After(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ts)
	}
	if removed > 0 {
		t.logger.Debug("Swept expired tombstones", "count", removed)
	}
	t.ds.Tombstones = kept
	return removed
}
