package trailhead

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Storage keys used by the version store.
const (
	versionKeyPrefix = "version:"
	versionIndexKey  = "version_index"
	versionSeqKey    = "version_seq"
)

// VersionStoreConfig configures local point-in-time versioning.
type VersionStoreConfig struct {
	// RetentionDays is how long versions are kept. Default: 30.
	RetentionDays int `yaml:"retention_days"`

	// DebounceInterval collapses rapid successive edits into one version.
	// Default: 2s.
	DebounceInterval time.Duration `yaml:"debounce_interval"`

	// CreatedBy is recorded on exported snapshots.
	CreatedBy string `yaml:"created_by"`
}

// DefaultVersionStoreConfig returns default version store configuration.
func DefaultVersionStoreConfig() VersionStoreConfig {
	return VersionStoreConfig{
		RetentionDays:    30,
		DebounceInterval: 2 * time.Second,
	}
}

// VersionMetadata describes one stored version, independent of the live
// sync queue.
type VersionMetadata struct {
	ID               string `json:"id"`
	Timestamp        string `json:"timestamp"`
	EntityCount      int    `json:"entityCount"`
	TaskCount        int    `json:"taskCount"`
	SizeBytes        int    `json:"sizeBytes"`
	SyncedToRemote   bool   `json:"syncedToRemote"`
	RemoteArchiveRef string `json:"remoteArchiveRef,omitempty"`
}

// versionData is the serialized payload stored per version.
type versionData struct {
	Initiatives []Initiative `json:"initiatives"`
	Tasks       []Task       `json:"tasks"`
}

// VersionStore takes periodic, retention-bounded local snapshots of the
// full entity set for point-in-time restore. It is deliberately separate
// from the mutation queue: version capture failures never affect sync and
// vice versa.
type VersionStore struct {
	store  *LocalStore
	config VersionStoreConfig

	mu            sync.Mutex
	debounceTimer *time.Timer
	closed        bool
}

// NewVersionStore creates a version store on top of the local store.
func NewVersionStore(store *LocalStore, config VersionStoreConfig) *VersionStore {
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 2 * time.Second
	}
	return &VersionStore{store: store, config: config}
}

// CreateVersion captures the current entity set as a new version. The
// input is deep-cloned and nested tasks are flattened into a deduplicated
// top-level list before serializing. Returns the metadata of the created
// version.
func (vs *VersionStore) CreateVersion(initiatives []Initiative) (*VersionMetadata, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.createVersionLocked(initiatives)
}

func (vs *VersionStore) createVersionLocked(initiatives []Initiative) (*VersionMetadata, error) {
	cloned := make([]Initiative, len(initiatives))
	var tasks []Task
	for i, in := range initiatives {
		cloned[i] = in.Clone()
		tasks = append(tasks, cloned[i].Tasks...)
	}
	tasks, _ = dedupeTasks(tasks, "version flatten")

	payload, err := json.Marshal(versionData{Initiatives: cloned, Tasks: tasks})
	if err != nil {
		return nil, fmt.Errorf("serialize version: %w", err)
	}
	blob := snappy.Encode(nil, payload)

	seq, err := vs.nextSeq()
	if err != nil {
		return nil, err
	}

	meta := VersionMetadata{
		ID:          fmt.Sprintf("v%08d", seq),
		Timestamp:   nowTimestamp(),
		EntityCount: len(cloned),
		TaskCount:   len(tasks),
		SizeBytes:   len(payload),
	}

	if err := vs.store.Put(versionKeyPrefix+meta.ID, blob); err != nil {
		return nil, fmt.Errorf("persist version blob: %w", err)
	}

	index := vs.readIndex()
	index = append([]VersionMetadata{meta}, index...)
	vs.writeIndex(index)

	if _, err := vs.cleanupLocked(vs.config.RetentionDays); err != nil {
		slog.Warn("version retention cleanup failed", "err", err)
	}

	return &meta, nil
}

// CreateVersionDebounced schedules a version capture behind a short
// debounce so rapid successive edits produce one version. The provider is
// invoked when the timer fires, so the captured set is current.
func (vs *VersionStore) CreateVersionDebounced(provider func() []Initiative) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed {
		return
	}

	if vs.debounceTimer != nil {
		vs.debounceTimer.Stop()
	}
	vs.debounceTimer = time.AfterFunc(vs.config.DebounceInterval, func() {
		vs.mu.Lock()
		defer vs.mu.Unlock()
		if vs.closed {
			return
		}
		if _, err := vs.createVersionLocked(provider()); err != nil {
			slog.Warn("debounced version capture failed", "err", err)
		}
	})
}

// CleanupOldVersions deletes every version strictly older than
// now - retentionDays, both blob and metadata entry, and returns the
// number deleted. Entries newer than the cutoff are never touched.
func (vs *VersionStore) CleanupOldVersions(retentionDays int) (int, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.cleanupLocked(retentionDays)
}

func (vs *VersionStore) cleanupLocked(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = vs.config.RetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)

	index := vs.readIndex()
	kept := index[:0:0]
	deleted := 0
	for _, meta := range index {
		if timestampBefore(meta.Timestamp, cutoff) {
			if err := vs.store.Delete(versionKeyPrefix + meta.ID); err != nil {
				slog.Warn("version blob delete failed", "id", meta.ID, "err", err)
			}
			deleted++
			continue
		}
		kept = append(kept, meta)
	}
	if deleted > 0 {
		vs.writeIndex(kept)
		slog.Info("cleaned up old versions", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// RestoreVersion returns the entity and task sets stored in a version.
// It is a pure read: the caller decides whether to re-apply the state.
// Missing or corrupt versions return ErrVersionNotFound, never partial
// data.
func (vs *VersionStore) RestoreVersion(id string) ([]Initiative, []Task, error) {
	blob, ok, err := vs.store.Get(versionKeyPrefix + id)
	if err != nil || !ok {
		return nil, nil, ErrVersionNotFound
	}

	payload, err := snappy.Decode(nil, blob)
	if err != nil {
		slog.Warn("version blob corrupt", "id", id, "err", err)
		return nil, nil, ErrVersionNotFound
	}

	var data versionData
	if err := json.Unmarshal(payload, &data); err != nil {
		slog.Warn("version payload undecodable", "id", id, "err", err)
		return nil, nil, ErrVersionNotFound
	}
	return data.Initiatives, data.Tasks, nil
}

// ExportVersion wraps a version's data as an immutable Snapshot for
// archival push. The caller archives it and then calls MarkSynced with the
// returned archive reference.
func (vs *VersionStore) ExportVersion(id string) (*Snapshot, error) {
	initiatives, _, err := vs.RestoreVersion(id)
	if err != nil {
		return nil, err
	}

	vs.mu.Lock()
	var ts string
	for _, meta := range vs.readIndex() {
		if meta.ID == id {
			ts = meta.Timestamp
			break
		}
	}
	vs.mu.Unlock()

	return &Snapshot{
		ID:          uuid.NewString(),
		Timestamp:   ts,
		Name:        "version-" + id,
		Initiatives: initiatives,
		CreatedBy:   vs.config.CreatedBy,
	}, nil
}

// MarkSynced records that a version has been archived remotely.
func (vs *VersionStore) MarkSynced(id, archiveRef string) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	index := vs.readIndex()
	for i := range index {
		if index[i].ID == id {
			index[i].SyncedToRemote = true
			index[i].RemoteArchiveRef = archiveRef
			vs.writeIndex(index)
			return nil
		}
	}
	return ErrVersionNotFound
}

// ListVersions returns version metadata in ascending timestamp order.
func (vs *VersionStore) ListVersions() []VersionMetadata {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	index := vs.readIndex()
	out := make([]VersionMetadata, len(index))
	// Index is stored newest-first; listing is oldest-first.
	for i, meta := range index {
		out[len(index)-1-i] = meta
	}
	return out
}

// Close cancels any pending debounced capture.
func (vs *VersionStore) Close() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.closed = true
	if vs.debounceTimer != nil {
		vs.debounceTimer.Stop()
		vs.debounceTimer = nil
	}
}

// readIndex decodes the metadata index. Corruption is isolated per entry:
// one undecodable entry is skipped and logged, the rest of the list
// survives.
func (vs *VersionStore) readIndex() []VersionMetadata {
	data, ok, err := vs.store.Get(versionIndexKey)
	if err != nil || !ok {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Error("version index undecodable, resetting", "err", err)
		return nil
	}

	index := make([]VersionMetadata, 0, len(raw))
	for _, entry := range raw {
		var meta VersionMetadata
		if err := json.Unmarshal(entry, &meta); err != nil || meta.ID == "" {
			slog.Warn("skipping corrupt version index entry", "err", err)
			continue
		}
		index = append(index, meta)
	}
	return index
}

func (vs *VersionStore) writeIndex(index []VersionMetadata) {
	data, err := json.Marshal(index)
	if err != nil {
		slog.Error("version index serialize failed", "err", err)
		return
	}
	if err := vs.store.Put(versionIndexKey, data); err != nil {
		slog.Warn("version index save failed", "err", err)
	}
}

// nextSeq assigns monotonically increasing version identifiers.
func (vs *VersionStore) nextSeq() (int64, error) {
	var seq int64
	if data, ok, err := vs.store.Get(versionSeqKey); err == nil && ok {
		_ = json.Unmarshal(data, &seq)
	}
	seq++
	data, _ := json.Marshal(seq)
	if err := vs.store.Put(versionSeqKey, data); err != nil {
		return 0, fmt.Errorf("persist version sequence: %w", err)
	}
	return seq, nil
}
