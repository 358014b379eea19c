package trailhead

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// Lifecycle states for initiatives and tasks.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Initiative is a top-level work item synchronized between the client and
// the remote store. Timestamps are RFC 3339 UTC strings; conflict
// resolution parses them and compares chronologically.
type Initiative struct {
	ID          string         `json:"id" validate:"required"`
	Name        string         `json:"name" validate:"required"`
	Status      string         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	Progress    float64        `json:"progress"`
	CreatedAt   string         `json:"createdAt"`
	LastUpdated string         `json:"lastUpdated"`
	DeletedAt   string         `json:"deletedAt,omitempty"`
	Tasks       []Task         `json:"tasks,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Task is a work item owned by an initiative. Tasks sync independently but
// always carry their parent's identifier.
type Task struct {
	ID           string         `json:"id" validate:"required"`
	InitiativeID string         `json:"initiativeId" validate:"required"`
	Name         string         `json:"name" validate:"required"`
	Status       string         `json:"status"`
	Assignee     string         `json:"assignee,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	LastUpdated  string         `json:"lastUpdated"`
	DeletedAt    string         `json:"deletedAt,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// ChangeRecord is an append-only audit entry. Records are never merged or
// mutated after creation.
type ChangeRecord struct {
	ID           string `json:"id" validate:"required"`
	InitiativeID string `json:"initiativeId"`
	EntityID     string `json:"entityId" validate:"required"`
	Field        string `json:"field"`
	OldValue     any    `json:"oldValue,omitempty"`
	NewValue     any    `json:"newValue,omitempty"`
	ChangedBy    string `json:"changedBy"`
	Timestamp    string `json:"timestamp"`
}

// Snapshot is an immutable bundle of the full initiative set at a point in
// time, used both for local versioning and archival pushes.
type Snapshot struct {
	ID          string       `json:"id" validate:"required"`
	Timestamp   string       `json:"timestamp"`
	Name        string       `json:"name"`
	Initiatives []Initiative `json:"initiatives"`
	CreatedBy   string       `json:"createdBy,omitempty"`
}

var validate = validator.New()

// ValidateInitiative checks the required shape of an initiative at the
// cache/queue boundary.
func ValidateInitiative(in *Initiative) error {
	if in == nil {
		return fmt.Errorf("nil initiative")
	}
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("invalid initiative: %w", err)
	}
	return nil
}

// ValidateTask checks the required shape of a task, including the parent
// reference.
func ValidateTask(t *Task) error {
	if t == nil {
		return fmt.Errorf("nil task")
	}
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return nil
}

// effectiveTimestamp returns the timestamp used for conflict resolution:
// LastUpdated, falling back to CreatedAt.
func (in *Initiative) effectiveTimestamp() string {
	if in.LastUpdated != "" {
		return in.LastUpdated
	}
	return in.CreatedAt
}

// IsDeleted reports whether the initiative is soft-deleted.
func (in *Initiative) IsDeleted() bool {
	return in.Status == StatusDeleted || in.DeletedAt != ""
}

// Clone returns a deep copy of the initiative, including tasks and fields.
func (in Initiative) Clone() Initiative {
	out := in
	if in.Tasks != nil {
		out.Tasks = make([]Task, len(in.Tasks))
		for i, t := range in.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	out.Fields = cloneFields(in.Fields)
	return out
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	out.Fields = cloneFields(t.Fields)
	return out
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// nowTimestamp returns the current time in the wire timestamp format.
func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// timestampAfter reports whether a is chronologically after b. Producers
// emit RFC 3339 timestamps with varying fractional-second precision, and
// RFC3339Nano trims trailing zeros, so string order is not chronological
// order. Unparseable values fall back to byte order.
func timestampAfter(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}

// timestampBefore reports whether a is chronologically before b, with the
// same parsing rules as timestampAfter.
func timestampBefore(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a < b
	}
	return ta.Before(tb)
}

// dedupeInitiatives removes duplicate ids keeping the first occurrence.
// Dropped duplicates are logged. Returns the deduplicated slice and the
// number of duplicates dropped.
func dedupeInitiatives(items []Initiative, context string) ([]Initiative, int) {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	dropped := 0
	for _, in := range items {
		if _, ok := seen[in.ID]; ok {
			dropped++
			continue
		}
		seen[in.ID] = struct{}{}
		out = append(out, in)
	}
	if dropped > 0 {
		slog.Warn("dropped duplicate initiatives", "context", context, "count", dropped)
	}
	return out, dropped
}

// dedupeTasks removes duplicate task ids keeping the first occurrence.
func dedupeTasks(items []Task, context string) ([]Task, int) {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	dropped := 0
	for _, t := range items {
		if _, ok := seen[t.ID]; ok {
			dropped++
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	if dropped > 0 {
		slog.Warn("dropped duplicate tasks", "context", context, "count", dropped)
	}
	return out, dropped
}
