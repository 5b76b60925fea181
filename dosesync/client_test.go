package dosesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore keeps the dataset in memory, standing in for FileStore/SQLiteStore.
type memStore struct {
	ds    *Dataset
	saves int
}

func (m *memStore) Load() (*Dataset, error) {
	if m.ds == nil {
		m.ds = NewDataset()
	}
	return m.ds, nil
}

func (m *memStore) Save(ds *Dataset) error {
	m.ds = ds
	m.saves++
	return nil
}

func (m *memStore) Clear() error {
	m.ds = nil
	return nil
}

// fakeRemote simulates the cloud API behind a roundTripFunc: per-collection
// id-keyed documents in the remote vocabulary, with injectable failures.
type fakeRemote struct {
	mu   sync.Mutex
	data map[string]map[string]Record

	failList   map[string]int // collection -> status returned on GET
	failDelete int            // status returned on every DELETE
	failCreate int            // status returned on every POST to a collection

	bulkCalls int
	deletes   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		data:     make(map[string]map[string]Record),
		failList: make(map[string]int),
	}
}

func (f *fakeRemote) put(collection string, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[collection] == nil {
		f.data[collection] = make(map[string]Record)
	}
	id, _ := rec["id"].(string)
	f.data[collection][id] = rec.Clone()
}

func (f *fakeRemote) get(collection, id string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[collection][id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (f *fakeRemote) roundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/v1/"), "/")
	collection := parts[0]

	switch {
	case req.Method == http.MethodPost && collection == "sync":
		f.bulkCalls++
		var payload map[string][]Record
		_ = json.NewDecoder(req.Body).Decode(&payload)
		imported := 0
		for name, records := range payload {
			if f.data[name] == nil {
				f.data[name] = make(map[string]Record)
			}
			for _, rec := range records {
				id, _ := rec["id"].(string)
				f.data[name][id] = rec
				imported++
			}
		}
		body, _ := json.Marshal(BulkImportResult{Success: true, TotalImported: imported})
		return jsonResponse(http.StatusOK, string(body)), nil

	case req.Method == http.MethodGet:
		if status := f.failList[collection]; status != 0 {
			return jsonResponse(status, `{"success":false,"error":"list failed"}`), nil
		}
		var records []Record
		for _, rec := range f.data[collection] {
			records = append(records, rec)
		}
		sort.Slice(records, func(i, j int) bool {
			a, _ := records[i]["id"].(string)
			b, _ := records[j]["id"].(string)
			return a < b
		})
		body, _ := json.Marshal(map[string]any{"success": true, "data": records, "count": len(records)})
		return jsonResponse(http.StatusOK, string(body)), nil

	case req.Method == http.MethodPost:
		if f.failCreate != 0 {
			return jsonResponse(f.failCreate, `{"success":false,"error":"create failed"}`), nil
		}
		var rec Record
		_ = json.NewDecoder(req.Body).Decode(&rec)
		id, _ := rec["id"].(string)
		if f.data[collection] == nil {
			f.data[collection] = make(map[string]Record)
		}
		f.data[collection][id] = rec
		body, _ := json.Marshal(map[string]any{"success": true, "data": rec})
		return jsonResponse(http.StatusCreated, string(body)), nil

	case req.Method == http.MethodPatch:
		id := parts[1]
		existing, ok := f.data[collection][id]
		if !ok {
			return jsonResponse(http.StatusNotFound, `{"success":false,"error":"not_found"}`), nil
		}
		var patch Record
		_ = json.NewDecoder(req.Body).Decode(&patch)
		for k, v := range patch {
			existing[k] = v
		}
		body, _ := json.Marshal(map[string]any{"success": true, "data": existing})
		return jsonResponse(http.StatusOK, string(body)), nil

	case req.Method == http.MethodDelete:
		id := parts[1]
		if f.failDelete != 0 {
			return jsonResponse(f.failDelete, `{"success":false,"error":"delete failed"}`), nil
		}
		f.deletes = append(f.deletes, collection+"/"+id)
		if _, ok := f.data[collection][id]; !ok {
			return jsonResponse(http.StatusNotFound, `{"success":false,"error":"not_found"}`), nil
		}
		delete(f.data[collection], id)
		return jsonResponse(http.StatusOK, `{"success":true,"message":"deleted"}`), nil
	}

	return jsonResponse(http.StatusNotFound, `{"success":false,"error":"no route"}`), nil
}

func newTestClient(t *testing.T, store *memStore, remote *fakeRemote) (*Client, *fakeClock) {
	t.Helper()
	api := NewAPI("https://api.example.com", StaticToken("tok"), slog.Default())
	api.HTTP = &http.Client{Transport: roundTripFunc(remote.roundTrip)}

	c, err := NewClient(store, api, "u1", nil, slog.Default())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return c, clock
}

func TestAddRecord_AssignsIdentityAndQueuesCreate(t *testing.T) {
	c, clock := newTestClient(t, &memStore{}, newFakeRemote())

	rec, err := c.AddRecord(CollectionInjections, Record{
		"timestamp": "2026-03-01T08:00:00Z",
		"doseMg":    2.5, // remote vocabulary accepted on input
	})
	require.NoError(t, err)

	id, ok := CanonicalString(rec, FieldID)
	require.True(t, ok)
	require.NotEmpty(t, id)
	user, _ := CanonicalString(rec, FieldUserID)
	require.Equal(t, "u1", user)
	updated, _ := CanonicalString(rec, FieldUpdatedAt)
	require.Equal(t, clock.Now().UTC().Format(time.RFC3339), updated)
	_, hasRemoteSpelling := rec["doseMg"]
	require.False(t, hasRemoteSpelling)
	dose, ok := CanonicalFloat(rec, FieldDose)
	require.True(t, ok)
	require.Equal(t, 2.5, dose)

	require.Equal(t, 1, c.PendingOps())
	require.Len(t, c.Records(CollectionInjections), 1)
}

func TestAddRecord_MissingRequiredField(t *testing.T) {
	c, _ := newTestClient(t, &memStore{}, newFakeRemote())

	_, err := c.AddRecord(CollectionInjections, Record{"timestamp": "2026-03-01T08:00:00Z"})
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, c.PendingOps())
}

func TestUpdateRecord_MergesPatchAndIgnoresId(t *testing.T) {
	c, _ := newTestClient(t, &memStore{}, newFakeRemote())
	rec, err := c.AddRecord(CollectionWeights, Record{
		"timestamp": "2026-03-01T07:00:00Z",
		"weight_kg": 81.4,
	})
	require.NoError(t, err)
	id, _ := CanonicalString(rec, FieldID)

	updated, err := c.UpdateRecord(CollectionWeights, id, Record{"id": "hijack", "notes": "after run"})
	require.NoError(t, err)
	gotID, _ := CanonicalString(updated, FieldID)
	require.Equal(t, id, gotID)
	require.Equal(t, "after run", updated["notes"])
	w, _ := CanonicalFloat(updated, FieldWeight)
	require.Equal(t, 81.4, w)

	require.Equal(t, 2, c.PendingOps())

	_, err = c.UpdateRecord(CollectionWeights, "missing", Record{"notes": "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSyncOnce_PushesQueuedMutationsInWireFormat(t *testing.T) {
	remote := newFakeRemote()
	c, _ := newTestClient(t, &memStore{}, remote)

	rec, err := c.AddRecord(CollectionInjections, Record{
		"timestamp":      "2026-03-01T08:00:00Z",
		"dose_mg":        2.5,
		"injection_site": "left_abdomen",
	})
	require.NoError(t, err)
	id, _ := CanonicalString(rec, FieldID)

	require.NoError(t, c.SyncOnce(context.Background()))
	require.Zero(t, c.PendingOps())

	stored, ok := remote.get(CollectionInjections, id)
	require.True(t, ok)
	require.Equal(t, 2.5, stored["doseMg"])
	require.Equal(t, "left_abdomen", stored["injectionSite"])
	_, hasLocalSpelling := stored["dose_mg"]
	require.False(t, hasLocalSpelling)
}

func TestSyncOnce_GuardsAgainstOverlap(t *testing.T) {
	c, _ := newTestClient(t, &memStore{}, newFakeRemote())
	c.syncing.Store(true)
	require.ErrorIs(t, c.SyncOnce(context.Background()), ErrSyncInProgress)
	c.syncing.Store(false)
	require.NoError(t, c.SyncOnce(context.Background()))
}

func TestSyncOnce_PullFailureAbortsBeforeMerge(t *testing.T) {
	remote := newFakeRemote()
	remote.put(CollectionInjections, Record{"id": "remote-1", "timestamp": "2026-03-01T08:00:00Z",
		"doseMg": 5.0, "updatedAt": "2026-03-01T08:00:00Z"})
	remote.failList[CollectionWeights] = http.StatusInternalServerError

	c, _ := newTestClient(t, &memStore{}, remote)
	err := c.SyncOnce(context.Background())
	require.ErrorIs(t, err, ErrTransient)

	// Nothing merged: the snapshot was incomplete.
	require.Empty(t, c.Records(CollectionInjections))
}

func TestSyncOnce_MergePrefersNewerCopyRemoteWinsTies(t *testing.T) {
	remote := newFakeRemote()
	remote.put(CollectionInjections, Record{"id": "a", "timestamp": "2026-03-01T08:00:00Z",
		"doseMg": 5.0, "notes": "remote newer", "updatedAt": "2026-03-01T10:00:00Z"})
	remote.put(CollectionInjections, Record{"id": "b", "timestamp": "2026-03-01T09:00:00Z",
		"doseMg": 2.0, "notes": "remote older", "updatedAt": "2026-03-01T08:00:00Z"})
	remote.put(CollectionInjections, Record{"id": "c", "timestamp": "2026-03-01T10:00:00Z",
		"doseMg": 3.0, "notes": "remote tie", "updatedAt": "2026-03-01T09:00:00Z"})

	store := &memStore{ds: NewDataset()}
	store.ds.Collections[CollectionInjections] = []Record{
		{"id": "a", "timestamp": "2026-03-01T08:00:00Z", "dose_mg": 5.0, "notes": "local older", "updated_at": "2026-03-01T09:00:00Z"},
		{"id": "b", "timestamp": "2026-03-01T09:00:00Z", "dose_mg": 2.0, "notes": "local newer", "updated_at": "2026-03-01T09:30:00Z"},
		{"id": "c", "timestamp": "2026-03-01T10:00:00Z", "dose_mg": 3.0, "notes": "local tie", "updated_at": "2026-03-01T09:00:00Z"},
		{"id": "d", "timestamp": "2026-03-02T08:00:00Z", "dose_mg": 4.0, "notes": "local only", "updated_at": "2026-03-01T09:00:00Z"},
	}

	c, _ := newTestClient(t, store, remote)
	require.NoError(t, c.SyncOnce(context.Background()))

	byID := make(map[string]Record)
	for _, r := range c.Records(CollectionInjections) {
		id, _ := CanonicalString(r, FieldID)
		byID[id] = r
	}
	require.Len(t, byID, 4)
	require.Equal(t, "remote newer", byID["a"]["notes"])
	require.Equal(t, "local newer", byID["b"]["notes"])
	require.Equal(t, "remote tie", byID["c"]["notes"])
	require.Equal(t, "local only", byID["d"]["notes"])
}

func TestDeleteRecord_TombstoneBlocksResurrectionUntilExpiry(t *testing.T) {
	remote := newFakeRemote()
	c, clock := newTestClient(t, &memStore{}, remote)

	rec, err := c.AddRecord(CollectionInjections, Record{
		"timestamp": "2026-03-01T08:00:00Z", "dose_mg": 2.5,
	})
	require.NoError(t, err)
	id, _ := CanonicalString(rec, FieldID)
	require.NoError(t, c.SyncOnce(context.Background()))

	// The remote delete keeps failing, so the stale remote copy lingers.
	remote.failDelete = http.StatusServiceUnavailable
	require.NoError(t, c.DeleteRecord(CollectionInjections, id))
	require.Empty(t, c.Records(CollectionInjections))

	require.NoError(t, c.SyncOnce(context.Background()))
	require.Empty(t, c.Records(CollectionInjections), "tombstone must suppress the stale remote copy")
	require.Equal(t, 1, c.PendingOps(), "delete stays queued for retry")

	// Past the suppression window the remote copy is allowed back.
	clock.Advance(121 * time.Second)
	require.NoError(t, c.SyncOnce(context.Background()))
	require.Len(t, c.Records(CollectionInjections), 1)
}

func TestDeleteRecord_RemoteGoneCountsAsConfirmed(t *testing.T) {
	remote := newFakeRemote()
	c, _ := newTestClient(t, &memStore{}, remote)

	rec, err := c.AddRecord(CollectionWeights, Record{
		"timestamp": "2026-03-01T07:00:00Z", "weight_kg": 81.4,
	})
	require.NoError(t, err)
	id, _ := CanonicalString(rec, FieldID)
	require.NoError(t, c.SyncOnce(context.Background()))

	// Another device already deleted it remotely.
	remote.mu.Lock()
	delete(remote.data[CollectionWeights], id)
	remote.mu.Unlock()

	require.NoError(t, c.DeleteRecord(CollectionWeights, id))
	require.NoError(t, c.SyncOnce(context.Background()))
	require.Zero(t, c.PendingOps())
	require.Empty(t, c.Records(CollectionWeights))
}

func TestSyncOnce_ResolvesDuplicatesAfterMerge(t *testing.T) {
	remote := newFakeRemote()
	remote.put(CollectionInjections, Record{"id": "dup-remote", "userId": "u1",
		"timestamp": "2026-03-01T08:05:00Z", "doseMg": 2.0, "injectionSite": "thigh",
		"updatedAt": "2026-03-01T08:05:00Z"})

	store := &memStore{ds: NewDataset()}
	store.ds.Collections[CollectionInjections] = []Record{
		{"id": "dup-local", "user_id": "u1", "timestamp": "2026-03-01T08:00:00Z",
			"dose_mg": 2.0, "injection_site": "thigh", "notes": "with breakfast",
			"updated_at": "2026-03-01T08:00:00Z"},
	}

	c, _ := newTestClient(t, store, remote)
	require.NoError(t, c.SyncOnce(context.Background()))

	records := c.Records(CollectionInjections)
	require.Len(t, records, 1)
	id, _ := CanonicalString(records[0], FieldID)
	require.Equal(t, "dup-local", id, "the more complete record survives")

	// The loser's deletion is queued and propagates on the next cycle.
	require.NoError(t, c.SyncOnce(context.Background()))
	require.Contains(t, remote.deletes, "injections/dup-remote")
	require.Len(t, c.Records(CollectionInjections), 1)
}

func TestSyncOnce_SeedsEmptyRemoteViaBulkImport(t *testing.T) {
	remote := newFakeRemote()
	store := &memStore{ds: NewDataset()}
	store.ds.Collections[CollectionWeights] = []Record{
		{"id": "w1", "user_id": "u1", "timestamp": "2026-03-01T07:00:00Z",
			"weight_kg": 81.4, "updated_at": "2026-03-01T07:00:00Z"},
		{"id": "w2", "user_id": "u1", "timestamp": "2026-03-02T07:00:00Z",
			"weight_kg": 81.1, "updated_at": "2026-03-02T07:00:00Z"},
	}

	c, _ := newTestClient(t, store, remote)
	require.NoError(t, c.SyncOnce(context.Background()))

	require.Equal(t, 1, remote.bulkCalls)
	stored, ok := remote.get(CollectionWeights, "w1")
	require.True(t, ok)
	require.Equal(t, 81.4, stored["weightKg"])
	require.Len(t, c.Records(CollectionWeights), 2, "seeding must not clear local data")
}

func TestSyncOnce_UnauthorizedLeavesQueueIntact(t *testing.T) {
	remote := newFakeRemote()
	remote.failCreate = http.StatusUnauthorized

	c, _ := newTestClient(t, &memStore{}, remote)
	_, err := c.AddRecord(CollectionWeights, Record{
		"timestamp": "2026-03-01T07:00:00Z", "weight_kg": 81.4,
	})
	require.NoError(t, err)

	err = c.SyncOnce(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, 1, c.PendingOps())
}

func TestSyncOnce_MaxRetriesReportsPermanentFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.failCreate = http.StatusServiceUnavailable

	c, clock := newTestClient(t, &memStore{}, remote)
	var reported []PermanentFailure
	c.SetFailureHandler(func(f PermanentFailure) { reported = append(reported, f) })

	_, err := c.AddRecord(CollectionWeights, Record{
		"timestamp": "2026-03-01T07:00:00Z", "weight_kg": 81.4,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.SyncOnce(context.Background()))
		clock.Advance(30 * time.Second)
	}

	require.Zero(t, c.PendingOps())
	require.Len(t, reported, 1)
	require.Equal(t, OpCreate, reported[0].Entry.Op)
	require.ErrorIs(t, reported[0].Err, ErrTransient)
}

func TestSettingsSyncAsSingletonDocument(t *testing.T) {
	remote := newFakeRemote()
	c, _ := newTestClient(t, &memStore{}, remote)

	_, err := c.AddRecord(CollectionSettings, Record{"id": "settings", "weight_unit": "kg"})
	require.NoError(t, err)
	require.NoError(t, c.SyncOnce(context.Background()))

	stored, ok := remote.get(CollectionSettings, "settings")
	require.True(t, ok)
	require.Equal(t, "kg", stored["weightUnit"])
}
