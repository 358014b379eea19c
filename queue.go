package trailhead

import (
	"encoding/json"
	"log/slog"
)

// QueuedTask pairs a pending task with the parent initiative it belonged
// to at enqueue time, so a failed push can be replayed with context.
type QueuedTask struct {
	Task   Task       `json:"task"`
	Parent Initiative `json:"parent"`
}

// SyncBatch is the set of queued mutations handed to one flush attempt.
// It is produced by an atomic queue swap: mutations enqueued during the
// network round-trip land in the next batch, never in this one.
type SyncBatch struct {
	Initiatives   []Initiative   `json:"initiatives"`
	Tasks         []QueuedTask   `json:"tasks"`
	ChangeRecords []ChangeRecord `json:"changeRecords"`
	Snapshots     []Snapshot     `json:"snapshots"`
}

// Empty reports whether the batch carries no mutations.
func (b *SyncBatch) Empty() bool {
	return len(b.Initiatives) == 0 && len(b.Tasks) == 0 &&
		len(b.ChangeRecords) == 0 && len(b.Snapshots) == 0
}

// Size returns the total number of queued items in the batch.
func (b *SyncBatch) Size() int {
	return len(b.Initiatives) + len(b.Tasks) + len(b.ChangeRecords) + len(b.Snapshots)
}

// syncQueue holds pending mutations between flushes. Initiatives and
// tasks are deduplicated by id: a second enqueue for the same id before a
// flush replaces the previous payload, it never appends. Change records
// and snapshots are append-only lists. All methods require external
// synchronization by the engine's mutex; queue mutation is synchronous and
// never suspends, which the swap relies on for atomicity.
type syncQueue struct {
	initiatives   map[string]Initiative
	tasks         map[string]QueuedTask
	changeRecords []ChangeRecord
	snapshots     []Snapshot
}

func newSyncQueue() *syncQueue {
	return &syncQueue{
		initiatives: make(map[string]Initiative),
		tasks:       make(map[string]QueuedTask),
	}
}

// putInitiative inserts or replaces the pending payload for the id.
func (q *syncQueue) putInitiative(in Initiative) {
	if _, ok := q.initiatives[in.ID]; ok {
		slog.Debug("replacing queued initiative", "id", in.ID)
	}
	q.initiatives[in.ID] = in
}

// putTask inserts or replaces the pending payload for the task id.
func (q *syncQueue) putTask(t Task, parent Initiative) {
	if _, ok := q.tasks[t.ID]; ok {
		slog.Debug("replacing queued task", "id", t.ID)
	}
	q.tasks[t.ID] = QueuedTask{Task: t, Parent: parent}
}

func (q *syncQueue) putChangeRecord(c ChangeRecord) {
	q.changeRecords = append(q.changeRecords, c)
}

func (q *syncQueue) putSnapshot(s Snapshot) {
	q.snapshots = append(q.snapshots, s)
}

// pendingCount returns the number of items awaiting flush.
func (q *syncQueue) pendingCount() int {
	return len(q.initiatives) + len(q.tasks) + len(q.changeRecords) + len(q.snapshots)
}

// swap atomically removes and returns the current queue contents, leaving
// the queue empty for the next cycle.
func (q *syncQueue) swap() *SyncBatch {
	batch := &SyncBatch{
		ChangeRecords: q.changeRecords,
		Snapshots:     q.snapshots,
	}
	for _, in := range q.initiatives {
		batch.Initiatives = append(batch.Initiatives, in)
	}
	for _, t := range q.tasks {
		batch.Tasks = append(batch.Tasks, t)
	}
	q.initiatives = make(map[string]Initiative)
	q.tasks = make(map[string]QueuedTask)
	q.changeRecords = nil
	q.snapshots = nil
	return batch
}

// requeue reinserts a failed batch. A newer pending entry for the same id
// wins over the requeued one: the failed payload is stale by definition
// once a fresh local edit has been queued.
func (q *syncQueue) requeue(batch *SyncBatch) {
	if batch == nil {
		return
	}
	for _, in := range batch.Initiatives {
		if _, ok := q.initiatives[in.ID]; !ok {
			q.initiatives[in.ID] = in
		}
	}
	for _, t := range batch.Tasks {
		if _, ok := q.tasks[t.Task.ID]; !ok {
			q.tasks[t.Task.ID] = t
		}
	}
	q.changeRecords = append(q.changeRecords, batch.ChangeRecords...)
	q.snapshots = append(q.snapshots, batch.Snapshots...)
}

// snapshot serializes the queue for session-scoped crash recovery.
func (q *syncQueue) snapshot() []byte {
	batch := &SyncBatch{
		ChangeRecords: q.changeRecords,
		Snapshots:     q.snapshots,
	}
	for _, in := range q.initiatives {
		batch.Initiatives = append(batch.Initiatives, in)
	}
	for _, t := range q.tasks {
		batch.Tasks = append(batch.Tasks, t)
	}
	data, err := json.Marshal(batch)
	if err != nil {
		slog.Error("queue snapshot serialize failed", "err", err)
		return nil
	}
	return data
}

// restore merges a recovery blob back into the queue. Entries already
// queued in this session win over recovered ones.
func (q *syncQueue) restore(data []byte) {
	if len(data) == 0 {
		return
	}
	var batch SyncBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		slog.Warn("queue snapshot unreadable, discarding", "err", err)
		return
	}
	q.requeue(&batch)
}
