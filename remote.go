package trailhead

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxErrorBodyBytes is how much of a server error body is kept for status.
const maxErrorBodyBytes = 512

// RemoteConfig configures the remote sync client.
type RemoteConfig struct {
	// Endpoint is the base URL of the remote API.
	Endpoint string `yaml:"endpoint"`

	// RequestTimeout bounds every network call. A stalled request must
	// never block a flush cycle indefinitely. Default: 15s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is the attempt ceiling per call. Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// EnableCompression gzips push payloads. Default: true.
	EnableCompression bool `yaml:"enable_compression"`

	// TokenProvider returns the current bearer token, or "" when the
	// client is unauthenticated.
	TokenProvider func() string `yaml:"-"`

	// HTTPClient allows injecting a custom HTTP client for testing.
	HTTPClient HTTPDoer `yaml:"-"`
}

// DefaultRemoteConfig returns default remote client configuration.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		RequestTimeout:    15 * time.Second,
		MaxRetries:        3,
		EnableCompression: true,
	}
}

// RemoteClient performs the network operations against the remote store of
// record. Every call classifies failures (auth / unreachable / server) so
// the engine can decide whether to requeue, and strips invalid items
// before sending.
type RemoteClient struct {
	config  RemoteConfig
	client  HTTPDoer
	retryer *Retryer
}

// PullResult is the full remote state returned by Pull.
type PullResult struct {
	Initiatives []Initiative   `json:"initiatives"`
	Config      map[string]any `json:"config,omitempty"`
	Users       []string       `json:"users,omitempty"`
}

// UpsertResult reports the outcome of a push. ServerNewer lists ids the
// server chose not to overwrite because its copy was newer; these are
// informational, not failures. The authoritative value arrives on the
// next pull.
type UpsertResult struct {
	ServerNewer []string `json:"serverNewer,omitempty"`
}

// ArchiveResult reports a created remote archive snapshot.
type ArchiveResult struct {
	ArchiveRef string `json:"archiveRef"`
	Count      int    `json:"count"`
}

// DeleteResult reports a soft delete with the server-assigned deletion
// timestamp.
type DeleteResult struct {
	Success   bool   `json:"success"`
	DeletedAt string `json:"deletedAt"`
}

// NewRemoteClient creates a remote sync client.
func NewRemoteClient(config RemoteConfig) *RemoteClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.RequestTimeout}
	}

	return &RemoteClient{
		config: config,
		client: client,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       config.MaxRetries,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           Retryable,
		}),
	}
}

// Pull fetches the full entity/config/user state from the remote store.
func (rc *RemoteClient) Pull(ctx context.Context) (*PullResult, error) {
	var result PullResult
	if err := rc.call(ctx, http.MethodGet, "/api/v1/sync/pull", nil, &result); err != nil {
		return nil, err
	}
	result.Initiatives, _ = dedupeInitiatives(result.Initiatives, "pull")
	return &result, nil
}

// PushUpsert sends pending initiative upserts. Invalid items are stripped
// and logged, never sent.
func (rc *RemoteClient) PushUpsert(ctx context.Context, items []Initiative) (*UpsertResult, error) {
	valid := stripInvalidInitiatives(items, "upsert")
	if len(valid) == 0 {
		return &UpsertResult{}, nil
	}
	var result UpsertResult
	payload := map[string]any{"initiatives": valid}
	if err := rc.call(ctx, http.MethodPost, "/api/v1/sync/upsert", payload, &result); err != nil {
		return nil, err
	}
	if len(result.ServerNewer) > 0 {
		slog.Info("server kept newer copies", "ids", result.ServerNewer)
	}
	return &result, nil
}

// PushTasks sends pending task upserts.
func (rc *RemoteClient) PushTasks(ctx context.Context, items []QueuedTask) (*UpsertResult, error) {
	valid := make([]Task, 0, len(items))
	dropped := 0
	for _, qt := range items {
		t := qt.Task
		if err := ValidateTask(&t); err != nil {
			dropped++
			continue
		}
		valid = append(valid, t)
	}
	if dropped > 0 {
		slog.Warn("stripped invalid tasks before send", "count", dropped)
	}
	if len(valid) == 0 {
		return &UpsertResult{}, nil
	}
	var result UpsertResult
	payload := map[string]any{"tasks": valid}
	if err := rc.call(ctx, http.MethodPost, "/api/v1/sync/upsert-tasks", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AppendChangeRecords appends audit records. Records are immutable on the
// remote side; this endpoint never merges.
func (rc *RemoteClient) AppendChangeRecords(ctx context.Context, records []ChangeRecord) error {
	valid := make([]ChangeRecord, 0, len(records))
	dropped := 0
	for _, r := range records {
		if r.ID == "" || r.EntityID == "" {
			dropped++
			continue
		}
		valid = append(valid, r)
	}
	if dropped > 0 {
		slog.Warn("stripped invalid change records before send", "count", dropped)
	}
	if len(valid) == 0 {
		return nil
	}
	payload := map[string]any{"records": valid}
	return rc.call(ctx, http.MethodPost, "/api/v1/sync/changes", payload, nil)
}

// CreateArchiveSnapshot pushes an archival snapshot to the remote side.
func (rc *RemoteClient) CreateArchiveSnapshot(ctx context.Context, snap Snapshot) (*ArchiveResult, error) {
	if snap.ID == "" {
		return nil, newSyncError(SyncErrorTypeSerialization, "snapshot", 0, "", fmt.Errorf("snapshot missing id"))
	}
	var result ArchiveResult
	if err := rc.call(ctx, http.MethodPost, "/api/v1/sync/snapshot", snap, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SoftDeleteInitiative marks an initiative deleted on the remote side and
// returns the server-assigned deletion timestamp.
func (rc *RemoteClient) SoftDeleteInitiative(ctx context.Context, id string) (*DeleteResult, error) {
	var result DeleteResult
	if err := rc.call(ctx, http.MethodDelete, "/api/v1/initiatives/"+id, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RestoreInitiative reverses a soft delete.
func (rc *RemoteClient) RestoreInitiative(ctx context.Context, id string) error {
	return rc.call(ctx, http.MethodPost, "/api/v1/initiatives/"+id+"/restore", nil, nil)
}

// SoftDeleteTask marks a task deleted on the remote side.
func (rc *RemoteClient) SoftDeleteTask(ctx context.Context, id string) (*DeleteResult, error) {
	var result DeleteResult
	if err := rc.call(ctx, http.MethodDelete, "/api/v1/tasks/"+id, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RestoreTask reverses a task soft delete.
func (rc *RemoteClient) RestoreTask(ctx context.Context, id string) error {
	return rc.call(ctx, http.MethodPost, "/api/v1/tasks/"+id+"/restore", nil, nil)
}

// PushFull bulk-overwrites the remote entity set. Used by the auto-heal
// path when the server comes up empty but the local cache is populated.
func (rc *RemoteClient) PushFull(ctx context.Context, items []Initiative) error {
	valid := stripInvalidInitiatives(items, "push-full")
	payload := map[string]any{"initiatives": valid}
	return rc.call(ctx, http.MethodPost, "/api/v1/sync/push-full", payload, nil)
}

// call performs one logical API call with encoding, retry, timeout and
// error classification. The request body is rebuilt on every attempt.
func (rc *RemoteClient) call(ctx context.Context, method, path string, payload, out any) error {
	if rc.config.Endpoint == "" {
		return newSyncError(SyncErrorTypeUnreachable, path, 0, "", fmt.Errorf("endpoint not configured"))
	}

	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return newSyncError(SyncErrorTypeSerialization, path, 0, "", err)
		}
		body = data
	}

	result := rc.retryer.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, rc.config.RequestTimeout)
		defer cancel()
		return rc.doOnce(callCtx, method, path, body, out)
	})
	return result.LastErr
}

func (rc *RemoteClient) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	compressed := false
	if body != nil {
		if rc.config.EnableCompression && len(body) > 1024 {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			if _, err := gz.Write(body); err != nil {
				gz.Close()
				return newSyncError(SyncErrorTypeSerialization, path, 0, "", err)
			}
			gz.Close()
			reader = &buf
			compressed = true
		} else {
			reader = bytes.NewReader(body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rc.config.Endpoint+path, reader)
	if err != nil {
		return newSyncError(SyncErrorTypeUnknown, path, 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if rc.config.TokenProvider != nil {
		if token := rc.config.TokenProvider(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return newSyncError(SyncErrorTypeUnreachable, path, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return newSyncError(SyncErrorTypeAuth, path, resp.StatusCode, "", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return newSyncError(SyncErrorTypeServer, path, resp.StatusCode, string(snippet), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return newSyncError(SyncErrorTypeServer, path, resp.StatusCode, "", fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func stripInvalidInitiatives(items []Initiative, op string) []Initiative {
	valid := make([]Initiative, 0, len(items))
	dropped := 0
	for _, in := range items {
		item := in
		if err := ValidateInitiative(&item); err != nil {
			dropped++
			continue
		}
		valid = append(valid, item)
	}
	if dropped > 0 {
		slog.Warn("stripped invalid initiatives before send", "op", op, "count", dropped)
	}
	return valid
}
