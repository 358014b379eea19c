package trailhead

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Storage keys used by the entity cache.
const (
	cacheKeyEntities = "entities"
	cacheKeySavedAt  = "entities_saved_at"
	cacheKeyQueue    = "queue:"
)

// CacheConfig configures the durable entity cache.
type CacheConfig struct {
	// SanityLimit is the maximum plausible number of cached initiatives.
	// A raw count above this is treated as corruption. Default: 100.
	SanityLimit int

	// MaxDuplicateRatio is the duplicate-id ratio above which the cache is
	// treated as corrupted rather than partially recovered. Default: 0.5.
	MaxDuplicateRatio float64
}

// DefaultCacheConfig returns default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		SanityLimit:       100,
		MaxDuplicateRatio: 0.5,
	}
}

// EntityCache is the durable local cache of all known initiatives. Both
// Load and Save are best-effort: storage failures are logged and swallowed
// so they never propagate into UI paths. Corruption, by contrast, is
// surfaced so the caller can refresh from the remote store. All methods
// are safe for concurrent use; the read-modify-write upserts hold the
// cache mutex for their full duration so concurrent writers cannot erase
// each other's entries.
type EntityCache struct {
	mu     sync.Mutex
	store  *LocalStore
	config CacheConfig
}

// NewEntityCache creates an entity cache on top of the local store.
func NewEntityCache(store *LocalStore, config CacheConfig) *EntityCache {
	if config.SanityLimit <= 0 {
		config.SanityLimit = 100
	}
	if config.MaxDuplicateRatio <= 0 || config.MaxDuplicateRatio > 1 {
		config.MaxDuplicateRatio = 0.5
	}
	return &EntityCache{store: store, config: config}
}

// Load reads the cached initiative set. Returns (nil, nil) when the cache
// is empty or unreadable. Returns ErrCacheCorrupted (wrapped) after wiping
// the cache when the integrity guard trips; in that case no partial data
// is returned.
func (c *EntityCache) Load() ([]Initiative, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *EntityCache) loadLocked() ([]Initiative, error) {
	data, ok, err := c.store.Get(cacheKeyEntities)
	if err != nil {
		slog.Warn("entity cache load failed", "err", err)
		return nil, nil
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}

	var items []Initiative
	if err := json.Unmarshal(data, &items); err != nil {
		slog.Error("entity cache unreadable, wiping", "err", err)
		c.wipeLocked()
		return nil, &CacheError{Message: "cache blob undecodable"}
	}

	raw := len(items)
	if raw > c.config.SanityLimit {
		slog.Error("entity cache over sanity limit, wiping", "count", raw, "limit", c.config.SanityLimit)
		c.wipeLocked()
		return nil, &CacheError{Message: "cache entity count over sanity limit", Total: raw}
	}

	// The ratio counts every entry whose id occurs more than once, so six
	// copies of one id among ten entries is 60% duplicated.
	counts := make(map[string]int, raw)
	for _, in := range items {
		counts[in.ID]++
	}
	duplicated := 0
	for _, n := range counts {
		if n > 1 {
			duplicated += n
		}
	}
	if raw > 0 && float64(duplicated)/float64(raw) > c.config.MaxDuplicateRatio {
		dropped := raw - len(counts)
		slog.Error("entity cache duplicate ratio too high, wiping", "duplicates", dropped, "total", raw)
		c.wipeLocked()
		return nil, &CacheError{Message: "cache duplicate ratio too high", Duplicates: dropped, Total: raw}
	}

	deduped, _ := dedupeInitiatives(items, "cache load")
	return deduped, nil
}

// Save overwrites the full cached set plus a side timestamp used only for
// diagnostics, never for conflict resolution. Failures are swallowed.
func (c *EntityCache) Save(items []Initiative) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveLocked(items)
}

func (c *EntityCache) saveLocked(items []Initiative) {
	deduped, _ := dedupeInitiatives(items, "cache save")

	data, err := json.Marshal(deduped)
	if err != nil {
		slog.Error("entity cache serialize failed", "err", err)
		return
	}
	if err := c.store.Put(cacheKeyEntities, data); err != nil {
		slog.Warn("entity cache save failed", "err", err)
		return
	}
	if err := c.store.Put(cacheKeySavedAt, []byte(nowTimestamp())); err != nil {
		slog.Warn("entity cache timestamp save failed", "err", err)
	}
}

// SavedAt returns the diagnostic timestamp of the last successful Save, or
// the empty string.
func (c *EntityCache) SavedAt() string {
	data, ok, err := c.store.Get(cacheKeySavedAt)
	if err != nil || !ok {
		return ""
	}
	return string(data)
}

// Wipe clears the cached entity set and its diagnostic timestamp.
func (c *EntityCache) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wipeLocked()
}

func (c *EntityCache) wipeLocked() {
	if err := c.store.Delete(cacheKeyEntities); err != nil {
		slog.Warn("entity cache wipe failed", "err", err)
	}
	_ = c.store.Delete(cacheKeySavedAt)
}

// Upsert applies an optimistic read-modify-write of one initiative into
// the cached set, deduplicating on the way through.
func (c *EntityCache) Upsert(in Initiative) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, err := c.loadLocked()
	if err != nil {
		items = nil
	}
	replaced := false
	for i := range items {
		if items[i].ID == in.ID {
			items[i] = in
			replaced = true
			break
		}
	}
	if !replaced {
		items = append(items, in)
	}
	c.saveLocked(items)
}

// UpsertTask applies an optimistic update of a task inside its parent
// initiative in the cached set.
func (c *EntityCache) UpsertTask(t Task, parent Initiative) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, err := c.loadLocked()
	if err != nil {
		items = nil
	}
	var target *Initiative
	for i := range items {
		if items[i].ID == t.InitiativeID {
			target = &items[i]
			break
		}
	}
	if target == nil {
		parent = parent.Clone()
		items = append(items, parent)
		target = &items[len(items)-1]
	}
	replaced := false
	for i := range target.Tasks {
		if target.Tasks[i].ID == t.ID {
			target.Tasks[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		target.Tasks = append(target.Tasks, t)
	}
	target.LastUpdated = t.LastUpdated
	c.saveLocked(items)
}

// SaveQueueSnapshot persists the pending-queue recovery blob for the given
// session. Recovery is scoped to the same session, not across restarts.
func (c *EntityCache) SaveQueueSnapshot(sessionID string, data []byte) {
	if err := c.store.Put(cacheKeyQueue+sessionID, data); err != nil {
		slog.Warn("queue snapshot save failed", "err", err)
	}
}

// LoadQueueSnapshot returns the recovery blob for the session, if any.
func (c *EntityCache) LoadQueueSnapshot(sessionID string) []byte {
	data, ok, err := c.store.Get(cacheKeyQueue + sessionID)
	if err != nil || !ok {
		return nil
	}
	return data
}

// ClearQueueSnapshots removes all session recovery blobs. Called on clean
// shutdown and after a successful restore.
func (c *EntityCache) ClearQueueSnapshots() {
	keys, err := c.store.List(cacheKeyQueue)
	if err != nil {
		return
	}
	for _, k := range keys {
		_ = c.store.Delete(k)
	}
}

// EntityCount returns the number of cached initiatives, for diagnostics.
func (c *EntityCache) EntityCount() int {
	items, err := c.Load()
	if err != nil {
		return 0
	}
	return len(items)
}
