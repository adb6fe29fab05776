package roomsync

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// CacheEntry is one cached value with its last write time.
type CacheEntry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LocalCache is a per-user key/value store on top of Storage, used for
// drafts, peer-to-room mappings and search history.
//
// Every read and write normalizes the user's entries: empty values and
// entries older than the retention window are dropped, and the oldest
// entries are evicted past the size cap. Storage failures and corrupted
// data never reach the caller; they read as empty and writes are skipped.
type LocalCache struct {
	store     Storage
	namespace string
	retention time.Duration
	limit     int
	clock     Clock
	log       zerolog.Logger
}

// NewLocalCache creates a cache storing under namespace.
func NewLocalCache(store Storage, namespace string, cfg Config) *LocalCache {
	cfg.defaults()
	return &LocalCache{
		store:     store,
		namespace: namespace,
		retention: cfg.CacheRetention,
		limit:     cfg.CacheLimit,
		clock:     cfg.Clock,
		log:       cfg.Logger.With().Str("module", "sync.cache").Str("namespace", namespace).Logger(),
	}
}

// NewDraftCache stores composer drafts keyed by room id.
func NewDraftCache(store Storage, cfg Config) *LocalCache {
	return NewLocalCache(store, "drafts", cfg)
}

// NewPeerCache maps peer user ids to their direct-message room ids.
func NewPeerCache(store Storage, cfg Config) *LocalCache {
	return NewLocalCache(store, "peers", cfg)
}

// NewSearchHistory stores recent search queries; the key is the query.
func NewSearchHistory(store Storage, cfg Config) *LocalCache {
	cfg.defaults()
	c := NewLocalCache(store, "search", cfg)
	c.limit = cfg.SearchHistoryLimit
	return c
}

// Get returns the value of key for userID, or "".
func (c *LocalCache) Get(ctx context.Context, userID, key string) string {
	entries, _ := c.load(ctx, userID)
	return entries[key].Value
}

// Set stores value under key. An empty value clears the key.
func (c *LocalCache) Set(ctx context.Context, userID, key, value string) {
	if value == "" {
		c.Clear(ctx, userID, key)
		return
	}
	entries, ok := c.load(ctx, userID)
	if !ok {
		return
	}
	entries[key] = CacheEntry{Value: value, UpdatedAt: c.clock.Now()}
	c.save(ctx, userID, c.normalize(entries, nil))
}

// Clear removes key.
func (c *LocalCache) Clear(ctx context.Context, userID, key string) {
	entries, ok := c.load(ctx, userID)
	if !ok {
		return
	}
	if _, found := entries[key]; !found {
		return
	}
	delete(entries, key)
	c.save(ctx, userID, entries)
}

// Prune normalizes userID's entries and drops keys outside known. A nil
// known set keeps every key.
func (c *LocalCache) Prune(ctx context.Context, userID string, known []string) {
	var set map[string]bool
	if known != nil {
		set = make(map[string]bool, len(known))
		for _, k := range known {
			set[k] = true
		}
	}
	entries, ok := c.load(ctx, userID)
	if !ok {
		return
	}
	c.save(ctx, userID, c.normalize(entries, set))
}

// Entries returns a copy of userID's normalized entries.
func (c *LocalCache) Entries(ctx context.Context, userID string) map[string]CacheEntry {
	entries, _ := c.load(ctx, userID)
	return entries
}

// Recent lists userID's keys, most recently written first.
func (c *LocalCache) Recent(ctx context.Context, userID string) []string {
	entries, _ := c.load(ctx, userID)
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := entries[keys[i]], entries[keys[j]]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return keys[i] < keys[j]
	})
	return keys
}

func (c *LocalCache) key(userID string) string {
	return c.namespace + ":" + userID
}

// load returns userID's normalized entries. ok is false when the read
// failed; the stored record must then be left untouched. Corrupted data
// reads as empty with ok set, so the next write replaces it.
func (c *LocalCache) load(ctx context.Context, userID string) (entries map[string]CacheEntry, ok bool) {
	entries = make(map[string]CacheEntry)
	if c.store == nil {
		return entries, true
	}
	data, err := c.store.Get(ctx, c.key(userID))
	if err != nil {
		c.log.Warn().Err(err).Str("user", userID).Msg("cache read failed, skipping write")
		return entries, false
	}
	if len(data) == 0 {
		return entries, true
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		c.log.Warn().Err(err).Str("user", userID).Msg("discarding corrupted cache")
		return make(map[string]CacheEntry), true
	}
	return c.normalize(entries, nil), true
}

func (c *LocalCache) save(ctx context.Context, userID string, entries map[string]CacheEntry) {
	if c.store == nil {
		return
	}
	var err error
	if len(entries) == 0 {
		err = c.store.Delete(ctx, c.key(userID))
	} else {
		var data []byte
		data, err = json.Marshal(entries)
		if err == nil {
			err = c.store.Put(ctx, c.key(userID), data)
		}
	}
	if err != nil {
		c.log.Warn().Err(err).Str("user", userID).Msg("cache write failed")
	}
}

func (c *LocalCache) normalize(entries map[string]CacheEntry, known map[string]bool) map[string]CacheEntry {
	now := c.clock.Now()
	for k, e := range entries {
		switch {
		case e.Value == "":
			delete(entries, k)
		case c.retention > 0 && now.Sub(e.UpdatedAt) > c.retention:
			delete(entries, k)
		case known != nil && !known[k]:
			delete(entries, k)
		}
	}
	if c.limit <= 0 || len(entries) <= c.limit {
		return entries
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := entries[keys[i]], entries[keys[j]]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys[:len(keys)-c.limit] {
		delete(entries, k)
	}
	return entries
}
