package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/tensorgate/internal/inference"
)

func testEntry(text string) *Entry {
	return &Entry{
		Output:       []inference.ContentBlock{inference.TextBlock(text)},
		RawRequest:   `{"req":1}`,
		RawResponse:  `{"resp":1}`,
		Usage:        inference.Usage{InputTokens: 3, OutputTokens: 2},
		FinishReason: inference.FinishReasonStop,
		StoredAt:     time.Now(),
	}
}

func TestKeyIsStable(t *testing.T) {
	system := "s"
	req := func() *inference.Request {
		return &inference.Request{
			System:   &system,
			Messages: []inference.Message{inference.UserMessage(inference.TextBlock("q"))},
			JSONMode: inference.JSONModeOff,
		}
	}

	k1, err := Key(req(), "model-a")
	require.NoError(t, err)
	k2, err := Key(req(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// Model identity participates in the fingerprint.
	k3, err := Key(req(), "model-b")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	// So does the message content.
	other := req()
	other.Messages = []inference.Message{inference.UserMessage(inference.TextBlock("different"))}
	k4, err := Key(other, "model-a")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(16, 0)
	ctx := context.Background()

	miss, err := c.Lookup(ctx, "k", 0)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, c.Store(ctx, "k", testEntry("cached")))

	hit, err := c.Lookup(ctx, "k", 0)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "cached", hit.Output[0].Text)
}

func TestMemoryCacheMaxAge(t *testing.T) {
	c := NewMemoryCache(16, 0)
	ctx := context.Background()

	entry := testEntry("old")
	entry.StoredAt = time.Now().Add(-time.Hour)
	require.NoError(t, c.Store(ctx, "k", entry))

	hit, err := c.Lookup(ctx, "k", 10*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, hit)

	hit, err = c.Lookup(ctx, "k", 2*time.Hour)
	require.NoError(t, err)
	assert.NotNil(t, hit)
}

func TestMemoryCacheEviction(t *testing.T) {
	c := NewMemoryCache(2, 0)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "a", testEntry("a")))
	require.NoError(t, c.Store(ctx, "b", testEntry("b")))
	require.NoError(t, c.Store(ctx, "c", testEntry("c")))
	assert.LessOrEqual(t, len(c.entries), 2)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)

	c, err := NewRedisCache(server.Addr(), "", 0, time.Minute)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	miss, err := c.Lookup(ctx, "k", 0)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, c.Store(ctx, "k", testEntry("cached")))

	hit, err := c.Lookup(ctx, "k", 0)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "cached", hit.Output[0].Text)
	assert.Equal(t, inference.Usage{InputTokens: 3, OutputTokens: 2}, hit.Usage)

	// Server-side TTL applies.
	server.FastForward(2 * time.Minute)
	hit, err = c.Lookup(ctx, "k", 0)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestEntryToResponse(t *testing.T) {
	req := &inference.Request{Messages: []inference.Message{inference.UserMessage(inference.TextBlock("q"))}}
	entry := testEntry("hello")

	resp := entry.ToResponse(req, "model-a", "provider-a")
	assert.True(t, resp.Cached)
	assert.Equal(t, "model-a", resp.ModelName)
	assert.Equal(t, "provider-a", resp.ProviderName)
	assert.Equal(t, "hello", resp.Output[0].Text)
	assert.Equal(t, req.Messages, resp.InputMessages)
}
