// Package cache provides an expiring key/value layer over a durable store.
// A miss always means "no data yet", never an error: callers are expected to
// fall back to the network or start empty.
package cache

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const memEntries = 256

type entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expiresAt"` // unix ms, 0 = no expiry
}

// Cache fronts a Store with an in-memory LRU. Every entry carries its own
// expiry; the LRU's coarse TTL only bounds memory residency.
type Cache struct {
	mem   *expirable.LRU[string, entry]
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, log *zap.Logger) *Cache {
	return &Cache{
		mem:   expirable.NewLRU[string, entry](memEntries, nil, time.Hour),
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// ConversationKey namespaces a key by conversation id so a reset can drop
// one conversation's data without touching global entries.
func ConversationKey(conversationID, name string) string {
	return "conv:" + conversationID + ":" + name
}

// GlobalKey names an entry that survives conversation resets.
func GlobalKey(name string) string {
	return "global:" + name
}

// Set stores value under key with the given ttl. A zero ttl means the entry
// never expires on its own (it still falls out of memory, but not the store).
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("Failed to marshal cache value", zap.String("key", key), zap.Error(err))
		return
	}
	e := entry{Value: raw}
	if ttl > 0 {
		e.ExpiresAt = c.now().Add(ttl).UnixMilli()
	}
	c.mem.Add(key, e)

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.store.Write(key, data); err != nil {
		c.log.Warn("Failed to persist cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Get loads key into out. It returns false on a miss, an expired entry
// (which it evicts), or an undecodable entry.
func (c *Cache) Get(key string, out any) bool {
	e, ok := c.mem.Get(key)
	if !ok {
		data, err := c.store.Read(key)
		if err != nil {
			return false
		}
		if err := json.Unmarshal(data, &e); err != nil {
			c.log.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
			c.Clear(key)
			return false
		}
		c.mem.Add(key, e)
	}

	if e.ExpiresAt > 0 && c.now().UnixMilli() > e.ExpiresAt {
		c.Clear(key)
		return false
	}
	if err := json.Unmarshal(e.Value, out); err != nil {
		c.log.Warn("Failed to decode cache value", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Clear removes a single entry from memory and the store.
func (c *Cache) Clear(key string) {
	c.mem.Remove(key)
	if err := c.store.Delete(key); err != nil {
		c.log.Warn("Failed to delete cache entry", zap.String("key", key), zap.Error(err))
	}
}

// ClearConversation removes every entry namespaced to the conversation id,
// leaving global entries untouched.
func (c *Cache) ClearConversation(conversationID string) {
	prefix := "conv:" + conversationID + ":"
	keys, err := c.store.List(prefix)
	if err != nil {
		c.log.Warn("Failed to list cache entries", zap.String("prefix", prefix), zap.Error(err))
	}
	for _, k := range keys {
		c.Clear(k)
	}
	// Memory copies of listed keys are removed by Clear; anything only in
	// memory ages out via the LRU TTL.
	for _, k := range c.mem.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.mem.Remove(k)
		}
	}
}
