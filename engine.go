package trailhead

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// SyncEngine keeps the durable local cache consistent with the remote
// store of record under intermittent connectivity. It owns the mutation
// queue, the debounced flush scheduler, the reconciler and the version
// store. The host application constructs exactly one engine, calls Start,
// and disposes it with Stop; construction and lifecycle are explicit so
// hot-reload cannot leave duplicate listeners or split-brain queues.
//
// All queue mutation, dedup and merge logic run synchronously under one
// mutex and never suspend; only network calls and timer waits block. The
// flush path relies on this for queue-swap atomicity: the batch handed to
// a flush can never lose a concurrent UI-driven enqueue.
type SyncEngine struct {
	config    Config
	store     *LocalStore
	cache     *EntityCache
	remote    *RemoteClient
	versions  *VersionStore
	telemetry *TelemetryQueue
	archive   ArchiveStore
	metrics   *syncMetrics
	notifier  *statusNotifier

	mu            sync.Mutex
	queue         *syncQueue
	debounce      *time.Timer
	running       bool
	enabled       bool
	online        bool
	authenticated bool
	flushing      bool
	flushAgain    bool
	lastError     string
	lastSync      string
	sessionID     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EngineOptions carries injectable collaborators that do not belong in the
// serializable configuration.
type EngineOptions struct {
	// Registerer receives the engine's Prometheus collectors. Nil leaves
	// them unregistered.
	Registerer prometheus.Registerer

	// TelemetrySender overrides the default sender (remote API). Nil with
	// no remote endpoint disables telemetry delivery.
	TelemetrySender TelemetrySender

	// Archive overrides the archive store chosen from config.
	Archive ArchiveStore
}

// NewSyncEngine constructs the engine and opens its local store. The
// engine does nothing until Start is called.
func NewSyncEngine(config Config, opts EngineOptions) (*SyncEngine, error) {
	if config.Sync.DebounceInterval <= 0 {
		config.Sync.DebounceInterval = time.Second
	}
	if config.Sync.SessionID == "" {
		config.Sync.SessionID = uuid.NewString()
	}

	store, err := NewLocalStore(config.Store)
	if err != nil {
		return nil, err
	}

	remote := NewRemoteClient(config.Remote)

	sender := opts.TelemetrySender
	if sender == nil {
		sender = TelemetrySenderFunc(func(ctx context.Context, events []TelemetryEvent) error {
			return remote.call(ctx, "POST", "/api/v1/telemetry", map[string]any{"events": events}, nil)
		})
	}

	archive := opts.Archive
	if archive == nil {
		if config.Archive != nil {
			s3Store, err := NewS3ArchiveStore(*config.Archive)
			if err != nil {
				store.Close()
				return nil, err
			}
			archive = s3Store
		} else {
			archive = NewRemoteArchiveStore(remote)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &SyncEngine{
		config:        config,
		store:         store,
		cache:         NewEntityCache(store, config.Cache),
		remote:        remote,
		versions:      NewVersionStore(store, config.Versions),
		telemetry:     NewTelemetryQueue(config.Telemetry, sender),
		archive:       archive,
		metrics:       newSyncMetrics(opts.Registerer),
		notifier:      newStatusNotifier(),
		queue:         newSyncQueue(),
		enabled:       config.Sync.enabled(),
		online:        true,
		authenticated: config.Remote.TokenProvider == nil || config.Remote.TokenProvider() != "",
		sessionID:     config.Sync.SessionID,
		ctx:           ctx,
		cancel:        cancel,
	}
	return e, nil
}

// Start begins the engine. It recovers any queue snapshot left by a crash
// earlier in the same session and starts the telemetry pipeline. Start is
// idempotent.
func (e *SyncEngine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true

	if blob := e.cache.LoadQueueSnapshot(e.sessionID); blob != nil {
		e.queue.restore(blob)
		slog.Info("recovered pending queue from session snapshot", "pending", e.queue.pendingCount())
	}
	pending := e.queue.pendingCount()
	e.mu.Unlock()

	e.telemetry.Start()
	e.publishStatus()

	if pending > 0 {
		e.scheduleFlush()
	}
}

// Stop shuts the engine down: it cancels the pending debounce, makes one
// final flush attempt, persists the remaining queue for crash parity, and
// closes the local store. Stop is idempotent.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.mu.Unlock()

	e.flush()

	e.mu.Lock()
	if e.queue.pendingCount() > 0 {
		e.cache.SaveQueueSnapshot(e.sessionID, e.queue.snapshot())
	} else {
		e.cache.ClearQueueSnapshots()
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.telemetry.Stop()
	e.versions.Close()
	if err := e.store.Close(); err != nil {
		slog.Warn("local store close failed", "err", err)
	}
}

// EnqueueInitiative queues one initiative upsert, applies the optimistic
// cache update, and schedules a debounced flush.
func (e *SyncEngine) EnqueueInitiative(in Initiative) error {
	return e.EnqueueInitiatives([]Initiative{in})
}

// EnqueueInitiatives queues a batch of initiative upserts. The input is
// deduplicated against itself by id before queueing; within the queue the
// last payload per id before a flush wins.
func (e *SyncEngine) EnqueueInitiatives(items []Initiative) error {
	for i := range items {
		if err := ValidateInitiative(&items[i]); err != nil {
			return err
		}
	}
	items, _ = dedupeInitiatives(items, "enqueue")

	// Optimistic cache write first, then the queue insertion, so every
	// queued entity is already readable from the cache.
	for _, in := range items {
		e.cache.Upsert(in)
	}

	e.mu.Lock()
	for _, in := range items {
		e.queue.putInitiative(in)
	}
	e.persistQueueLocked()
	e.mu.Unlock()

	e.publishStatus()
	e.scheduleFlush()
	return nil
}

// EnqueueTasks queues task upserts under their parent initiative.
func (e *SyncEngine) EnqueueTasks(tasks []Task, parent Initiative) error {
	for i := range tasks {
		if err := ValidateTask(&tasks[i]); err != nil {
			return err
		}
	}
	tasks, _ = dedupeTasks(tasks, "enqueue")

	for _, t := range tasks {
		e.cache.UpsertTask(t, parent)
	}

	e.mu.Lock()
	for _, t := range tasks {
		e.queue.putTask(t, parent)
	}
	e.persistQueueLocked()
	e.mu.Unlock()

	e.publishStatus()
	e.scheduleFlush()
	return nil
}

// EnqueueChangeRecord queues an immutable audit record for append.
func (e *SyncEngine) EnqueueChangeRecord(record ChangeRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp == "" {
		record.Timestamp = nowTimestamp()
	}
	if record.EntityID == "" {
		return errors.New("change record missing entity id")
	}

	e.mu.Lock()
	e.queue.putChangeRecord(record)
	e.persistQueueLocked()
	e.mu.Unlock()

	e.publishStatus()
	e.scheduleFlush()
	return nil
}

// EnqueueSnapshot queues an archival snapshot push.
func (e *SyncEngine) EnqueueSnapshot(snap Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Timestamp == "" {
		snap.Timestamp = nowTimestamp()
	}

	e.mu.Lock()
	e.queue.putSnapshot(snap)
	e.persistQueueLocked()
	e.mu.Unlock()

	e.publishStatus()
	e.scheduleFlush()
	return nil
}

// ForceSync cancels the debounce timer and flushes immediately. When a
// flush is already in flight the request is not lost: a follow-up pass
// runs as soon as the in-flight one completes.
func (e *SyncEngine) ForceSync() error {
	e.mu.Lock()
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	allowed := e.canFlushLocked()
	e.mu.Unlock()

	if !allowed {
		return ErrSyncDisabled
	}
	e.flush()
	return nil
}

// SetOnline records a connectivity transition. Coming back online with a
// non-empty queue triggers a flush, and the telemetry offline queue drains.
func (e *SyncEngine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	pending := e.queue.pendingCount()
	e.mu.Unlock()

	e.telemetry.SetOnline(online)
	e.publishStatus()

	if online && !was && pending > 0 {
		e.scheduleFlush()
	}
}

// SetEnabled toggles the flush gate. Enabling with a non-empty queue
// triggers a flush.
func (e *SyncEngine) SetEnabled(enabled bool) {
	e.mu.Lock()
	was := e.enabled
	e.enabled = enabled
	pending := e.queue.pendingCount()
	e.mu.Unlock()

	if enabled && !was && pending > 0 {
		e.scheduleFlush()
	}
}

// SetAuthenticated records the auth state. Flushing halts on auth
// failures until the host re-authenticates and calls this with true.
func (e *SyncEngine) SetAuthenticated(authenticated bool) {
	e.mu.Lock()
	was := e.authenticated
	e.authenticated = authenticated
	pending := e.queue.pendingCount()
	e.mu.Unlock()

	if authenticated && !was && pending > 0 {
		e.scheduleFlush()
	}
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	return e.notifier.Last()
}

// Subscribe registers a status listener; the returned cancel func releases
// it.
func (e *SyncEngine) Subscribe() (<-chan SyncStatus, func()) {
	return e.notifier.Subscribe()
}

// Versions exposes the local version store.
func (e *SyncEngine) Versions() *VersionStore {
	return e.versions
}

// Telemetry exposes the offline telemetry queue.
func (e *SyncEngine) Telemetry() *TelemetryQueue {
	return e.telemetry
}

// Cache exposes the durable entity cache.
func (e *SyncEngine) Cache() *EntityCache {
	return e.cache
}

// LoadAndReconcile loads the local cache, pulls remote state and merges
// the two into the new local baseline. When the remote store is
// unreachable or empty while the local cache is populated, the local set
// is used directly and pushed back to the server in the background
// (auto-heal) without blocking the caller.
func (e *SyncEngine) LoadAndReconcile(ctx context.Context) ([]Initiative, error) {
	local, err := e.cache.Load()
	if err != nil {
		// Cache was wiped by the corruption guard; surface and continue
		// with remote state only.
		e.metrics.cacheWipes.Inc()
		e.setLastError(err.Error())
		e.telemetry.Enqueue(NewTelemetryEvent("cache_corruption", TelemetrySeverityCritical, err.Error()))
		local = nil
	}

	pulled, pullErr := e.remote.Pull(ctx)
	if pullErr != nil || pulled == nil || len(pulled.Initiatives) == 0 {
		if pullErr != nil {
			e.setLastError(pullErr.Error())
			slog.Warn("pull failed, serving local cache", "err", pullErr)
		}
		if len(local) > 0 {
			e.autoHeal(local)
		}
		e.publishStatus()
		return local, pullErr
	}

	result := Merge(local, pulled.Initiatives)
	e.metrics.reconcilesTotal.Inc()
	e.metrics.localRecovered.Add(float64(len(result.LocalOnly)))

	e.cache.Save(result.Initiatives)

	// Local-only survivors are probably failed pushes; queue them so the
	// next flush delivers them.
	if len(result.LocalOnly) > 0 {
		byID := make(map[string]Initiative, len(result.Initiatives))
		for _, in := range result.Initiatives {
			byID[in.ID] = in
		}
		e.mu.Lock()
		for _, id := range result.LocalOnly {
			if in, ok := byID[id]; ok {
				e.queue.putInitiative(in)
			}
		}
		e.persistQueueLocked()
		e.mu.Unlock()
		e.scheduleFlush()
	}

	e.setLastError("")
	e.publishStatus()
	return result.Initiatives, nil
}

// SoftDeleteInitiative marks an initiative deleted remotely and applies
// the server-assigned deletion timestamp to the cached copy. The entity
// stays in the cache; deletion is reversible until the remote side purges.
func (e *SyncEngine) SoftDeleteInitiative(ctx context.Context, id string) error {
	result, err := e.remote.SoftDeleteInitiative(ctx, id)
	if err != nil {
		e.recordRemoteError(err)
		return err
	}

	items, _ := e.cache.Load()
	for i := range items {
		if items[i].ID == id {
			items[i].Status = StatusDeleted
			items[i].DeletedAt = result.DeletedAt
			items[i].LastUpdated = nowTimestamp()
			break
		}
	}
	e.cache.Save(items)
	e.publishStatus()
	return nil
}

// RestoreInitiative reverses a soft delete remotely and locally.
func (e *SyncEngine) RestoreInitiative(ctx context.Context, id string) error {
	if err := e.remote.RestoreInitiative(ctx, id); err != nil {
		e.recordRemoteError(err)
		return err
	}

	items, _ := e.cache.Load()
	for i := range items {
		if items[i].ID == id {
			items[i].Status = StatusActive
			items[i].DeletedAt = ""
			items[i].LastUpdated = nowTimestamp()
			break
		}
	}
	e.cache.Save(items)
	e.publishStatus()
	return nil
}

// SoftDeleteTask marks a task deleted remotely and locally.
func (e *SyncEngine) SoftDeleteTask(ctx context.Context, id string) error {
	result, err := e.remote.SoftDeleteTask(ctx, id)
	if err != nil {
		e.recordRemoteError(err)
		return err
	}

	items, _ := e.cache.Load()
	for i := range items {
		for j := range items[i].Tasks {
			if items[i].Tasks[j].ID == id {
				items[i].Tasks[j].Status = StatusDeleted
				items[i].Tasks[j].DeletedAt = result.DeletedAt
				items[i].Tasks[j].LastUpdated = nowTimestamp()
			}
		}
	}
	e.cache.Save(items)
	e.publishStatus()
	return nil
}

// RestoreTask reverses a task soft delete remotely and locally.
func (e *SyncEngine) RestoreTask(ctx context.Context, id string) error {
	if err := e.remote.RestoreTask(ctx, id); err != nil {
		e.recordRemoteError(err)
		return err
	}

	items, _ := e.cache.Load()
	for i := range items {
		for j := range items[i].Tasks {
			if items[i].Tasks[j].ID == id {
				items[i].Tasks[j].Status = StatusActive
				items[i].Tasks[j].DeletedAt = ""
				items[i].Tasks[j].LastUpdated = nowTimestamp()
			}
		}
	}
	e.cache.Save(items)
	e.publishStatus()
	return nil
}

// ExportVersion wraps a stored version as a snapshot, archives it, and
// marks the version as synced with the returned archive reference.
func (e *SyncEngine) ExportVersion(ctx context.Context, versionID string) (string, error) {
	snap, err := e.versions.ExportVersion(versionID)
	if err != nil {
		return "", err
	}

	ref, err := e.archive.Archive(ctx, *snap)
	if err != nil {
		e.recordRemoteError(err)
		return "", err
	}

	if err := e.versions.MarkSynced(versionID, ref); err != nil {
		return ref, err
	}
	return ref, nil
}

// scheduleFlush resets the single debounce timer. Every enqueue cancels
// and replaces the pending timer, so a burst of mutations produces one
// flush.
func (e *SyncEngine) scheduleFlush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.config.Sync.DebounceInterval, e.flush)
}

func (e *SyncEngine) canFlushLocked() bool {
	return e.enabled && e.online && e.authenticated
}

// flush sends the currently queued mutations. Only one flush runs at a
// time; a flush requested while another is in flight is remembered and
// runs as a follow-up pass when the in-flight one completes, so no flush
// request is lost. Gate failures are a no-op, not an error.
func (e *SyncEngine) flush() {
	e.mu.Lock()
	if e.flushing {
		e.flushAgain = true
		e.mu.Unlock()
		return
	}
	if !e.canFlushLocked() {
		e.mu.Unlock()
		return
	}
	batch := e.queue.swap()
	if batch.Empty() {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.persistQueueLocked()
	e.mu.Unlock()

	e.publishStatus()
	failed := e.sendBatch(batch)

	e.mu.Lock()
	e.flushing = false
	if failed != nil && !failed.Empty() {
		e.queue.requeue(failed)
		e.metrics.requeuedItems.Add(float64(failed.Size()))
	} else {
		e.lastSync = nowTimestamp()
		e.lastError = ""
	}
	e.persistQueueLocked()
	pending := e.queue.pendingCount()
	again := e.flushAgain
	e.flushAgain = false
	e.mu.Unlock()

	if failed == nil || failed.Empty() {
		e.metrics.flushesTotal.WithLabelValues("success").Inc()
		e.metrics.flushedItems.Add(float64(batch.Size()))
		if e.config.Sync.autoVersion() {
			e.versions.CreateVersionDebounced(func() []Initiative {
				items, _ := e.cache.Load()
				return items
			})
			e.metrics.versionsCreated.Inc()
		}
	} else {
		e.metrics.flushesTotal.WithLabelValues("failure").Inc()
	}

	e.publishStatus()

	// Mutations enqueued during the round-trip wait for the next cycle. A
	// flush requested mid-flight gets its follow-up even after a failure.
	if pending > 0 && (failed == nil || failed.Empty() || again) {
		e.scheduleFlush()
	}
}

// sendBatch pushes each category of the batch and returns the portions
// that must be requeued. An auth failure aborts the whole flush: nothing
// further is sent and everything unsent is returned.
func (e *SyncEngine) sendBatch(batch *SyncBatch) *SyncBatch {
	failed := &SyncBatch{}
	authFailed := false

	if len(batch.Initiatives) > 0 {
		if _, err := e.remote.PushUpsert(e.ctx, batch.Initiatives); err != nil {
			e.recordRemoteError(err)
			failed.Initiatives = batch.Initiatives
			authFailed = errors.Is(err, ErrAuthRequired)
		}
	}

	if len(batch.Tasks) > 0 {
		if authFailed {
			failed.Tasks = batch.Tasks
		} else if _, err := e.remote.PushTasks(e.ctx, batch.Tasks); err != nil {
			e.recordRemoteError(err)
			failed.Tasks = batch.Tasks
			authFailed = errors.Is(err, ErrAuthRequired)
		}
	}

	if len(batch.ChangeRecords) > 0 {
		if authFailed {
			failed.ChangeRecords = batch.ChangeRecords
		} else if err := e.remote.AppendChangeRecords(e.ctx, batch.ChangeRecords); err != nil {
			e.recordRemoteError(err)
			failed.ChangeRecords = batch.ChangeRecords
			authFailed = errors.Is(err, ErrAuthRequired)
		}
	}

	for i, snap := range batch.Snapshots {
		if authFailed {
			failed.Snapshots = append(failed.Snapshots, batch.Snapshots[i:]...)
			break
		}
		if _, err := e.remote.CreateArchiveSnapshot(e.ctx, snap); err != nil {
			e.recordRemoteError(err)
			failed.Snapshots = append(failed.Snapshots, snap)
			authFailed = errors.Is(err, ErrAuthRequired)
		}
	}

	if failed.Empty() {
		return nil
	}
	return failed
}

// autoHeal pushes the full local set to an empty or freshly recovered
// server in the background.
func (e *SyncEngine) autoHeal(items []Initiative) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		slog.Info("remote state empty, pushing full local set", "count", len(items))
		if err := e.remote.PushFull(e.ctx, items); err != nil {
			slog.Warn("auto-heal push failed", "err", err)
			e.telemetry.Enqueue(NewTelemetryEvent("auto_heal_failed", TelemetrySeverityError, err.Error()))
		}
	}()
}

// persistQueueLocked mirrors the queue to session-scoped storage for
// crash recovery. Caller holds e.mu.
func (e *SyncEngine) persistQueueLocked() {
	if blob := e.queue.snapshot(); blob != nil {
		e.cache.SaveQueueSnapshot(e.sessionID, blob)
	}
}

// recordRemoteError classifies a remote failure into status and the auth
// gate.
func (e *SyncEngine) recordRemoteError(err error) {
	if errors.Is(err, ErrAuthRequired) {
		e.mu.Lock()
		e.authenticated = false
		e.mu.Unlock()
		slog.Error("sync halted pending re-authentication", "err", err)
	}
	e.setLastError(err.Error())
}

func (e *SyncEngine) setLastError(msg string) {
	e.mu.Lock()
	e.lastError = msg
	e.mu.Unlock()
}

func (e *SyncEngine) publishStatus() {
	e.mu.Lock()
	status := SyncStatus{
		LastSyncTimestamp: e.lastSync,
		PendingCount:      e.queue.pendingCount(),
		LastError:         e.lastError,
		IsOnline:          e.online,
		IsFlushing:        e.flushing,
	}
	e.mu.Unlock()

	e.metrics.pendingItems.Set(float64(status.PendingCount))
	e.metrics.telemetryParked.Set(float64(e.telemetry.OfflineQueueDepth()))
	e.notifier.Publish(status)
}
