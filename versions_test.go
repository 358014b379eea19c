package trailhead

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestVersionStore(t *testing.T) (*VersionStore, *LocalStore) {
	t.Helper()
	store := newTestStore(t)
	vs := NewVersionStore(store, DefaultVersionStoreConfig())
	t.Cleanup(vs.Close)
	return vs, store
}

func TestVersionCreateAndRestore(t *testing.T) {
	vs, _ := newTestVersionStore(t)

	initiatives := []Initiative{
		{ID: "a", Name: "Alpha", Tasks: []Task{{ID: "t1", InitiativeID: "a", Name: "one"}}},
		{ID: "b", Name: "Beta"},
	}

	meta, err := vs.CreateVersion(initiatives)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if meta.EntityCount != 2 || meta.TaskCount != 1 {
		t.Errorf("unexpected counts: %+v", meta)
	}
	if meta.SizeBytes <= 0 {
		t.Errorf("expected positive payload size, got %d", meta.SizeBytes)
	}

	gotInitiatives, gotTasks, err := vs.RestoreVersion(meta.ID)
	if err != nil {
		t.Fatalf("RestoreVersion: %v", err)
	}
	if len(gotInitiatives) != 2 || gotInitiatives[0].Name != "Alpha" {
		t.Errorf("unexpected restored initiatives: %+v", gotInitiatives)
	}
	if len(gotTasks) != 1 || gotTasks[0].Name != "one" {
		t.Errorf("unexpected restored tasks: %+v", gotTasks)
	}
}

func TestVersionCreateIsolatedFromInput(t *testing.T) {
	vs, _ := newTestVersionStore(t)

	initiatives := []Initiative{{ID: "a", Name: "before", Fields: map[string]any{"k": "v"}}}
	meta, err := vs.CreateVersion(initiatives)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	// Mutating the input after capture must not affect the stored version.
	initiatives[0].Name = "after"
	initiatives[0].Fields["k"] = "changed"

	got, _, err := vs.RestoreVersion(meta.ID)
	if err != nil {
		t.Fatalf("RestoreVersion: %v", err)
	}
	if got[0].Name != "before" || got[0].Fields["k"] != "v" {
		t.Errorf("stored version shares state with input: %+v", got[0])
	}
}

func TestVersionRestoreMissing(t *testing.T) {
	vs, _ := newTestVersionStore(t)

	if _, _, err := vs.RestoreVersion("v99999999"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestVersionRestoreCorruptBlob(t *testing.T) {
	vs, store := newTestVersionStore(t)

	meta, err := vs.CreateVersion([]Initiative{{ID: "a"}})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := store.Put(versionKeyPrefix+meta.ID, []byte("not snappy")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, _, err := vs.RestoreVersion(meta.ID); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound for corrupt blob, got %v", err)
	}
}

func TestVersionListAscending(t *testing.T) {
	vs, _ := newTestVersionStore(t)

	m1, _ := vs.CreateVersion([]Initiative{{ID: "a"}})
	m2, _ := vs.CreateVersion([]Initiative{{ID: "a"}, {ID: "b"}})
	m3, _ := vs.CreateVersion([]Initiative{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	list := vs.ListVersions()
	if len(list) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(list))
	}
	if list[0].ID != m1.ID || list[1].ID != m2.ID || list[2].ID != m3.ID {
		t.Errorf("listing not in creation order: %+v", list)
	}
	for i := 1; i < len(list); i++ {
		if list[i].Timestamp < list[i-1].Timestamp {
			t.Errorf("timestamps not non-decreasing at %d: %q < %q", i, list[i].Timestamp, list[i-1].Timestamp)
		}
	}
}

func TestVersionSequenceSurvivesReopen(t *testing.T) {
	store := newTestStore(t)
	vs := NewVersionStore(store, DefaultVersionStoreConfig())
	m1, err := vs.CreateVersion([]Initiative{{ID: "a"}})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	vs.Close()

	vs2 := NewVersionStore(store, DefaultVersionStoreConfig())
	defer vs2.Close()
	m2, err := vs2.CreateVersion([]Initiative{{ID: "a"}})
	if err != nil {
		t.Fatalf("CreateVersion after reopen: %v", err)
	}
	if m2.ID <= m1.ID {
		t.Errorf("expected monotonic ids across reopen, got %q then %q", m1.ID, m2.ID)
	}
}

func TestVersionCleanupRespectsRetention(t *testing.T) {
	vs, store := newTestVersionStore(t)

	old, _ := vs.CreateVersion([]Initiative{{ID: "a"}})
	boundary, _ := vs.CreateVersion([]Initiative{{ID: "b"}})
	recent, _ := vs.CreateVersion([]Initiative{{ID: "c"}})

	// Age the first two entries by rewriting the index: one clearly past
	// the 30-day window, one just inside it.
	backdate := map[string]string{
		old.ID:      time.Now().UTC().AddDate(0, 0, -45).Format(time.RFC3339Nano),
		boundary.ID: time.Now().UTC().AddDate(0, 0, -29).Format(time.RFC3339Nano),
	}
	data, ok, err := store.Get(versionIndexKey)
	if err != nil || !ok {
		t.Fatalf("read index: %v", err)
	}
	var index []VersionMetadata
	if err := json.Unmarshal(data, &index); err != nil {
		t.Fatalf("decode index: %v", err)
	}
	for i := range index {
		if ts, ok := backdate[index[i].ID]; ok {
			index[i].Timestamp = ts
		}
	}
	data, _ = json.Marshal(index)
	if err := store.Put(versionIndexKey, data); err != nil {
		t.Fatalf("write index: %v", err)
	}

	deleted, err := vs.CleanupOldVersions(30)
	if err != nil {
		t.Fatalf("CleanupOldVersions: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected exactly 1 version deleted, got %d", deleted)
	}

	if _, _, err := vs.RestoreVersion(old.ID); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected aged-out version gone, got %v", err)
	}
	if _, _, err := vs.RestoreVersion(boundary.ID); err != nil {
		t.Errorf("version inside retention window deleted: %v", err)
	}
	if _, _, err := vs.RestoreVersion(recent.ID); err != nil {
		t.Errorf("recent version deleted: %v", err)
	}
}

func TestVersionMarkSynced(t *testing.T) {
	vs, _ := newTestVersionStore(t)

	meta, _ := vs.CreateVersion([]Initiative{{ID: "a"}})
	if err := vs.MarkSynced(meta.ID, "s3://bucket/key"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	list := vs.ListVersions()
	if !list[0].SyncedToRemote || list[0].RemoteArchiveRef != "s3://bucket/key" {
		t.Errorf("sync mark not persisted: %+v", list[0])
	}

	if err := vs.MarkSynced("v99999999", "ref"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound for unknown id, got %v", err)
	}
}

func TestVersionExport(t *testing.T) {
	vs, _ := newTestVersionStore(t)
	vs.config.CreatedBy = "tester"

	meta, _ := vs.CreateVersion([]Initiative{{ID: "a", Name: "Alpha"}})

	snap, err := vs.ExportVersion(meta.ID)
	if err != nil {
		t.Fatalf("ExportVersion: %v", err)
	}
	if snap.ID == "" {
		t.Error("expected generated snapshot id")
	}
	if snap.Name != "version-"+meta.ID {
		t.Errorf("unexpected snapshot name %q", snap.Name)
	}
	if snap.Timestamp != meta.Timestamp {
		t.Errorf("expected version timestamp carried over, got %q", snap.Timestamp)
	}
	if snap.CreatedBy != "tester" {
		t.Errorf("expected creator recorded, got %q", snap.CreatedBy)
	}
	if len(snap.Initiatives) != 1 || snap.Initiatives[0].Name != "Alpha" {
		t.Errorf("unexpected snapshot payload: %+v", snap.Initiatives)
	}
}

func TestVersionDebouncedCollapsesEdits(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultVersionStoreConfig()
	cfg.DebounceInterval = 30 * time.Millisecond
	vs := NewVersionStore(store, cfg)
	defer vs.Close()

	current := []Initiative{{ID: "a", Name: "v1"}}
	provider := func() []Initiative { return current }

	vs.CreateVersionDebounced(provider)
	current = []Initiative{{ID: "a", Name: "v2"}}
	vs.CreateVersionDebounced(provider)
	current = []Initiative{{ID: "a", Name: "v3"}}
	vs.CreateVersionDebounced(provider)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(vs.ListVersions()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	list := vs.ListVersions()
	if len(list) != 1 {
		t.Fatalf("expected rapid edits collapsed to 1 version, got %d", len(list))
	}
	got, _, err := vs.RestoreVersion(list[0].ID)
	if err != nil {
		t.Fatalf("RestoreVersion: %v", err)
	}
	if got[0].Name != "v3" {
		t.Errorf("expected latest state captured, got %q", got[0].Name)
	}
}

func TestVersionIndexSkipsCorruptEntry(t *testing.T) {
	vs, store := newTestVersionStore(t)

	meta, _ := vs.CreateVersion([]Initiative{{ID: "a"}})

	// Splice a garbage entry into the stored index by hand.
	data, _, _ := store.Get(versionIndexKey)
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode index: %v", err)
	}
	raw = append(raw, json.RawMessage(`{"id":""}`), json.RawMessage(`42`))
	data, _ = json.Marshal(raw)
	if err := store.Put(versionIndexKey, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	list := vs.ListVersions()
	if len(list) != 1 || list[0].ID != meta.ID {
		t.Errorf("expected corrupt entries skipped, got %+v", list)
	}
}
