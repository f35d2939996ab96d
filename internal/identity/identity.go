// Package identity owns the durable conversation id. The id is the single
// piece of global mutable state in the engine; every component reads it from
// here instead of caching its own copy, so a reset cannot leave components
// pointing at different conversations.
package identity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"talkbox/internal/cache"
)

const idKey = "conversation_id"

// Identity mints and persists one conversation id per profile.
type Identity struct {
	cache *cache.Cache
	log   *zap.Logger

	mu sync.Mutex
	id string
}

func New(c *cache.Cache, log *zap.Logger) *Identity {
	return &Identity{cache: c, log: log}
}

// ID returns the active conversation id, minting and persisting a new one
// if none exists yet. Stable across restarts backed by the same store.
func (i *Identity) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id
	}
	var stored string
	if i.cache.Get(cache.GlobalKey(idKey), &stored) && stored != "" {
		i.id = stored
		return i.id
	}
	i.id = mint()
	i.cache.Set(cache.GlobalKey(idKey), i.id, 0)
	i.log.Info("Minted conversation id", zap.String("conversationId", i.id))
	return i.id
}

// Reset discards the current id and every cache entry namespaced to it,
// then mints and persists a fresh id.
func (i *Identity) Reset() string {
	i.mu.Lock()
	old := i.id
	i.mu.Unlock()
	if old == "" {
		var stored string
		if i.cache.Get(cache.GlobalKey(idKey), &stored) {
			old = stored
		}
	}
	if old != "" {
		i.cache.ClearConversation(old)
	}

	i.mu.Lock()
	i.id = mint()
	fresh := i.id
	i.mu.Unlock()

	i.cache.Set(cache.GlobalKey(idKey), fresh, 0)
	i.log.Info("Reset conversation id", zap.String("old", old), zap.String("new", fresh))
	return fresh
}

// mint builds a conv_<timestamp>_<random> id. The ULID's random tail keeps
// two resets within the same millisecond distinct.
func mint() string {
	u := ulid.Make().String()
	return fmt.Sprintf("conv_%d_%s", time.Now().UnixMilli(), strings.ToLower(u[len(u)-10:]))
}
