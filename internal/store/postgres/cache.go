package postgres

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/thylacine/websub-hub-sub000/internal/model"
)

// contentCache maps topic id to the latest loaded topic-with-content.
// Eviction is solely notification-driven: there is no TTL. The cache only
// serves reads while the notification listener is connected; a lost
// listener disables and purges it so no node serves stale content.
type contentCache struct {
	enabled atomic.Bool
	entries *xsync.Map[string, *cacheEntry]
}

type cacheEntry struct {
	topic       *model.Topic
	added       time.Time
	fingerprint xxh3.Uint128
	hits        atomic.Int64
	lastHit     atomic.Int64
}

// CacheEntryStats is an observability snapshot of one cache entry.
type CacheEntryStats struct {
	TopicID     string
	Added       time.Time
	Hits        int64
	LastHit     time.Time
	ContentSize int
	Fingerprint xxh3.Uint128
}

func newContentCache() *contentCache {
	return &contentCache{entries: xsync.NewMap[string, *cacheEntry]()}
}

func (c *contentCache) Enable()  { c.enabled.Store(true) }
func (c *contentCache) Disable() { c.enabled.Store(false) }

// Get returns the cached topic when the cache is live and holds the id.
func (c *contentCache) Get(topicID string) (*model.Topic, bool) {
	if !c.enabled.Load() {
		return nil, false
	}
	entry, ok := c.entries.Load(topicID)
	if !ok {
		return nil, false
	}
	entry.hits.Add(1)
	entry.lastHit.Store(time.Now().UnixNano())
	return entry.topic, true
}

// Put stores a freshly loaded topic. No-op while the cache is disabled.
func (c *contentCache) Put(topicID string, topic *model.Topic) {
	if !c.enabled.Load() {
		return
	}
	c.entries.Store(topicID, &cacheEntry{
		topic:       topic,
		added:       time.Now(),
		fingerprint: xxh3.Hash128(topic.Content),
	})
}

// Evict drops one topic's entry; driven by topic_changed notifications.
func (c *contentCache) Evict(topicID string) {
	c.entries.Delete(topicID)
}

// Purge drops every entry. Called when the listener connection is lost.
func (c *contentCache) Purge() {
	c.entries.Clear()
}

// Stats snapshots all entries for observability.
func (c *contentCache) Stats() []CacheEntryStats {
	var stats []CacheEntryStats
	c.entries.Range(func(id string, entry *cacheEntry) bool {
		var lastHit time.Time
		if ns := entry.lastHit.Load(); ns > 0 {
			lastHit = time.Unix(0, ns).UTC()
		}
		stats = append(stats, CacheEntryStats{
			TopicID:     id,
			Added:       entry.added,
			Hits:        entry.hits.Load(),
			LastHit:     lastHit,
			ContentSize: len(entry.topic.Content),
			Fingerprint: entry.fingerprint,
		})
		return true
	})
	return stats
}
