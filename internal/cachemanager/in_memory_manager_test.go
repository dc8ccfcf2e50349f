package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCacheManager_SetGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)

	_, found := c.Get(ctx, "missing")
	assert.False(t, found)

	c.Set(ctx, "answer", 42, time.Minute)
	got, found := c.Get(ctx, "answer")
	require.True(t, found)
	assert.Equal(t, 42, got)

	require.NoError(t, c.Delete(ctx, "answer"))
	_, found = c.Get(ctx, "answer")
	assert.False(t, found)
}

func TestInMemoryCacheManager_Flush(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "a", "1", time.Minute)
	c.Set(ctx, "b", "2", time.Minute)
	require.NoError(t, c.Flush(ctx))

	_, found := c.Get(ctx, "a")
	assert.False(t, found)
}
