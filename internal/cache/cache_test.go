package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCache_SetGetJSON(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Name  string    `json:"name"`
		Score float64   `json:"score"`
		Vec   []float64 `json:"vec"`
	}

	in := payload{Name: "chunk", Score: 0.7, Vec: []float64{0.1, 0.2}}
	c.SetJSON(ctx, "k1", in, 0)

	var out payload
	require.True(t, c.GetJSON(ctx, "k1", &out))
	assert.Equal(t, in, out)
}

func TestCache_MissReturnsFalse(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	var out string
	assert.False(t, c.GetJSON(context.Background(), "absent", &out))
}

func TestCache_DisabledOnUnreachable(t *testing.T) {
	t.Parallel()

	c := New(Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}, zap.NewNop())
	defer c.Close()

	assert.Equal(t, StateDisabled, c.State())

	// Operations on a disabled cache are silent no-ops.
	ctx := context.Background()
	c.SetJSON(ctx, "k", "v", 0)
	var out string
	assert.False(t, c.GetJSON(ctx, "k", &out))
}

func TestCache_DisablesOnFirstFailure(t *testing.T) {
	t.Parallel()

	c, mr := newTestCache(t)
	ctx := context.Background()

	c.SetJSON(ctx, "k", "v", 0)
	require.Equal(t, StateConnected, c.State())

	mr.Close()

	var out string
	assert.False(t, c.GetJSON(ctx, "k", &out))
	assert.Equal(t, StateDisabled, c.State())

	// No recovery: even though set/get would fail fast now, state stays Disabled.
	c.SetJSON(ctx, "k2", "v", 0)
	assert.Equal(t, StateDisabled, c.State())
}

func TestCache_FlushAll(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	ctx := context.Background()

	c.SetJSON(ctx, "k", 42, 0)
	c.FlushAll(ctx)

	var out int
	assert.False(t, c.GetJSON(ctx, "k", &out))
}

func TestKey_Deterministic(t *testing.T) {
	t.Parallel()

	k1 := Key("embedding", "text-embedding-3-large", "some text")
	k2 := Key("embedding", "text-embedding-3-large", "some text")
	k3 := Key("embedding", "text-embedding-3-large", "other text")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "embedding:")
}

func TestKey_DistinguishesConfig(t *testing.T) {
	t.Parallel()

	base := Key("search", "query", 5, 2, true, 0.7, 0.3)
	assert.NotEqual(t, base, Key("search", "query", 10, 2, true, 0.7, 0.3))
	assert.NotEqual(t, base, Key("search", "query", 5, 2, false, 0.7, 0.3))
	assert.NotEqual(t, base, Key("search", "query", 5, 2, true, 0.5, 0.5))
}
