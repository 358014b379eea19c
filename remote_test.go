package trailhead

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRemote(t *testing.T, handler http.Handler) *RemoteClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.MaxRetries = 1
	cfg.RequestTimeout = 2 * time.Second
	return NewRemoteClient(cfg)
}

func TestRemotePull(t *testing.T) {
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/sync/pull" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(PullResult{
			Initiatives: []Initiative{
				{ID: "a", Name: "Alpha"},
				{ID: "a", Name: "Dup"},
				{ID: "b", Name: "Beta"},
			},
		})
	}))

	result, err := rc.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(result.Initiatives) != 2 {
		t.Errorf("expected pull response deduplicated, got %d items", len(result.Initiatives))
	}
}

func TestRemotePushUpsertStripsInvalid(t *testing.T) {
	var got struct {
		Initiatives []Initiative `json:"initiatives"`
	}
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{}`))
	}))

	items := []Initiative{
		{ID: "a", Name: "Valid"},
		{ID: "", Name: "NoID"},
		{ID: "c", Name: ""},
	}
	if _, err := rc.PushUpsert(context.Background(), items); err != nil {
		t.Fatalf("PushUpsert: %v", err)
	}
	if len(got.Initiatives) != 1 || got.Initiatives[0].ID != "a" {
		t.Errorf("expected only the valid item sent, got %+v", got.Initiatives)
	}
}

func TestRemotePushUpsertAllInvalidSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))

	result, err := rc.PushUpsert(context.Background(), []Initiative{{ID: "", Name: ""}})
	if err != nil {
		t.Fatalf("PushUpsert: %v", err)
	}
	if result == nil {
		t.Fatal("expected empty result, got nil")
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network call for all-invalid batch, got %d", calls.Load())
	}
}

func TestRemoteAuthErrorClassified(t *testing.T) {
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := rc.Pull(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	var serr *SyncError
	if !errors.As(err, &serr) || serr.Type != SyncErrorTypeAuth {
		t.Errorf("expected auth sync error, got %+v", serr)
	}
	if serr.Retryable() {
		t.Error("auth errors must not be retryable")
	}
}

func TestRemoteServerErrorKeepsBodySnippet(t *testing.T) {
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))

	_, err := rc.Pull(context.Background())
	var serr *SyncError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if serr.Type != SyncErrorTypeServer || serr.StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected classification: %+v", serr)
	}
	if len(serr.ServerBody) != maxErrorBodyBytes {
		t.Errorf("expected body truncated to %d bytes, got %d", maxErrorBodyBytes, len(serr.ServerBody))
	}
	if !serr.Retryable() {
		t.Error("server errors should be retryable")
	}
}

func TestRemoteUnreachableClassified(t *testing.T) {
	cfg := DefaultRemoteConfig()
	cfg.Endpoint = "http://127.0.0.1:1"
	cfg.MaxRetries = 1
	cfg.RequestTimeout = time.Second
	rc := NewRemoteClient(cfg)

	_, err := rc.Pull(context.Background())
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
}

func TestRemoteNoEndpointConfigured(t *testing.T) {
	rc := NewRemoteClient(RemoteConfig{MaxRetries: 1})

	_, err := rc.Pull(context.Background())
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("expected ErrServerUnreachable without endpoint, got %v", err)
	}
}

func TestRemoteRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"initiatives":[]}`))
	}))
	defer srv.Close()

	cfg := DefaultRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.MaxRetries = 2
	rc := NewRemoteClient(cfg)

	if _, err := rc.Pull(context.Background()); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestRemoteBearerTokenSent(t *testing.T) {
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"initiatives":[]}`))
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	cfg := DefaultRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.MaxRetries = 1
	cfg.TokenProvider = func() string { return "tok-123" }
	rc := NewRemoteClient(cfg)

	if _, err := rc.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("expected bearer token header, got %q", gotAuth)
	}
}

func TestRemoteCompressesLargePayload(t *testing.T) {
	var encoding string
	var decoded struct {
		Initiatives []Initiative `json:"initiatives"`
	}
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		body := io.Reader(r.Body)
		if encoding == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				t.Errorf("gzip reader: %v", err)
				return
			}
			defer gz.Close()
			body = gz
		}
		if err := json.NewDecoder(body).Decode(&decoded); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{}`))
	}))

	large := Initiative{ID: "a", Name: strings.Repeat("n", 2048)}
	if _, err := rc.PushUpsert(context.Background(), []Initiative{large}); err != nil {
		t.Fatalf("PushUpsert: %v", err)
	}
	if encoding != "gzip" {
		t.Errorf("expected gzip encoding for large payload, got %q", encoding)
	}
	if len(decoded.Initiatives) != 1 || decoded.Initiatives[0].ID != "a" {
		t.Errorf("payload did not survive compression: %+v", decoded.Initiatives)
	}
}

func TestRemoteSoftDeleteAndRestore(t *testing.T) {
	var paths []string
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		json.NewEncoder(w).Encode(DeleteResult{Success: true, DeletedAt: "2026-08-01T00:00:00Z"})
	}))

	result, err := rc.SoftDeleteInitiative(context.Background(), "init-1")
	if err != nil {
		t.Fatalf("SoftDeleteInitiative: %v", err)
	}
	if !result.Success || result.DeletedAt == "" {
		t.Errorf("unexpected delete result: %+v", result)
	}
	if err := rc.RestoreInitiative(context.Background(), "init-1"); err != nil {
		t.Fatalf("RestoreInitiative: %v", err)
	}
	if _, err := rc.SoftDeleteTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("SoftDeleteTask: %v", err)
	}
	if err := rc.RestoreTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("RestoreTask: %v", err)
	}

	want := []string{
		"DELETE /api/v1/initiatives/init-1",
		"POST /api/v1/initiatives/init-1/restore",
		"DELETE /api/v1/tasks/task-1",
		"POST /api/v1/tasks/task-1/restore",
	}
	if len(paths) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("call %d: got %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestRemoteArchiveSnapshotRequiresID(t *testing.T) {
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for snapshot without id")
	}))

	_, err := rc.CreateArchiveSnapshot(context.Background(), Snapshot{})
	var serr *SyncError
	if !errors.As(err, &serr) || serr.Type != SyncErrorTypeSerialization {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestRemoteAppendChangeRecordsStripsInvalid(t *testing.T) {
	var got struct {
		Records []ChangeRecord `json:"records"`
	}
	rc := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{}`))
	}))

	records := []ChangeRecord{
		{ID: "r1", EntityID: "a", Field: "name"},
		{ID: "", EntityID: "b"},
		{ID: "r3", EntityID: ""},
	}
	if err := rc.AppendChangeRecords(context.Background(), records); err != nil {
		t.Fatalf("AppendChangeRecords: %v", err)
	}
	if len(got.Records) != 1 || got.Records[0].ID != "r1" {
		t.Errorf("expected only valid record sent, got %+v", got.Records)
	}
}
