package trailhead

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLocalStorePutGetDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("k1", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, ok, err := store.Get("k1")
	if err != nil || !ok || string(data) != "v1" {
		t.Fatalf("Get: got %q, ok=%v, err=%v", data, ok, err)
	}

	// Overwrite.
	if err := store.Put("k1", []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	data, _, _ = store.Get("k1")
	if string(data) != "v2" {
		t.Errorf("expected overwritten value, got %q", data)
	}

	if err := store.Delete("k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = store.Get("k1")
	if err != nil || ok {
		t.Errorf("expected key gone, ok=%v, err=%v", ok, err)
	}

	// Deleting a missing key is fine.
	if err := store.Delete("absent"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestLocalStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	data, ok, err := store.Get("nope")
	if err != nil || ok || data != nil {
		t.Errorf("expected clean miss, got %q, ok=%v, err=%v", data, ok, err)
	}
}

func TestLocalStoreListPrefix(t *testing.T) {
	store := newTestStore(t)

	for _, k := range []string{"queue:b", "queue:a", "version:1", "other"} {
		if err := store.Put(k, []byte("x")); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}

	keys, err := store.List("queue:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "queue:a" || keys[1] != "queue:b" {
		t.Errorf("unexpected list result: %v", keys)
	}
}

func TestLocalStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	cfg := DefaultLocalStoreConfig()
	cfg.Path = path

	store, err := NewLocalStore(cfg)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if err := store.Put("k", []byte("durable")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Close()

	reopened, err := NewLocalStore(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	data, ok, err := reopened.Get("k")
	if err != nil || !ok || string(data) != "durable" {
		t.Errorf("value did not survive reopen: %q, ok=%v, err=%v", data, ok, err)
	}
}

func TestLocalStoreClosed(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closing twice is a no-op.
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, _, err := store.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after close: %v", err)
	}
	if err := store.Put("k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close: %v", err)
	}
	if err := store.Delete("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete after close: %v", err)
	}
	if _, err := store.List(""); !errors.Is(err, ErrClosed) {
		t.Errorf("List after close: %v", err)
	}
}
