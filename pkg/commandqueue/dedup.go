package commandqueue

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultDedupeTTL  = 5 * time.Minute
	defaultDedupeSize = 1024
)

// dedupCache remembers results by request id for a bounded time.
type dedupCache struct {
	lru *expirable.LRU[string, taskResult]
}

func newDedupCache(size int, ttl time.Duration) *dedupCache {
	if size <= 0 {
		size = defaultDedupeSize
	}
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &dedupCache{lru: expirable.NewLRU[string, taskResult](size, nil, ttl)}
}

func (c *dedupCache) Get(requestID string) (taskResult, bool) {
	return c.lru.Get(requestID)
}

func (c *dedupCache) Set(requestID string, result taskResult) {
	c.lru.Add(requestID, result)
}

func (c *dedupCache) Len() int {
	return c.lru.Len()
}
