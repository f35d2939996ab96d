package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talkbox/internal/cache"
)

func newTestIdentity(t *testing.T) (*Identity, *cache.Cache) {
	t.Helper()
	c := cache.New(cache.NewMemStore(), zap.NewNop())
	return New(c, zap.NewNop()), c
}

func TestIdentity_MintsOnce(t *testing.T) {
	ident, _ := newTestIdentity(t)

	id := ident.ID()
	require.True(t, strings.HasPrefix(id, "conv_"))
	assert.Equal(t, id, ident.ID())
}

func TestIdentity_StableAcrossInstances(t *testing.T) {
	c := cache.New(cache.NewMemStore(), zap.NewNop())

	first := New(c, zap.NewNop()).ID()
	second := New(c, zap.NewNop()).ID()

	assert.Equal(t, first, second)
}

func TestIdentity_ResetMintsFreshId(t *testing.T) {
	ident, _ := newTestIdentity(t)

	old := ident.ID()
	fresh := ident.Reset()

	assert.NotEqual(t, old, fresh)
	assert.Equal(t, fresh, ident.ID())
}

func TestIdentity_ResetDropsConversationData(t *testing.T) {
	ident, c := newTestIdentity(t)

	old := ident.ID()
	c.Set(cache.ConversationKey(old, "history"), []string{"msg"}, time.Hour)
	c.Set(cache.GlobalKey("faq"), []string{"q"}, time.Hour)

	ident.Reset()

	var msgs []string
	assert.False(t, c.Get(cache.ConversationKey(old, "history"), &msgs))
	var faq []string
	assert.True(t, c.Get(cache.GlobalKey("faq"), &faq))
}
