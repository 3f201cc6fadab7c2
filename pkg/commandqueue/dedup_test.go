package commandqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCacheExpires(t *testing.T) {
	cache := newDedupCache(4, 50*time.Millisecond)
	cache.Set("req-1", taskResult{value: "ok"})

	got, ok := cache.Get("req-1")
	assert.True(t, ok)
	assert.Equal(t, "ok", got.value)

	assert.Eventually(t, func() bool {
		_, ok := cache.Get("req-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestDedupCacheKeepsErrors(t *testing.T) {
	cache := newDedupCache(0, 0)
	boom := errors.New("boom")
	cache.Set("req-1", taskResult{err: boom})

	got, ok := cache.Get("req-1")
	assert.True(t, ok)
	assert.ErrorIs(t, got.err, boom)
	assert.Equal(t, 1, cache.Len())
}
