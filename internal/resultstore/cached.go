package resultstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_result_cache_hits_total",
		Help: "Total result downloads served from the in-memory cache.",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_result_cache_misses_total",
		Help: "Total result downloads that went to the storage backend.",
	})
)

func init() {
	prometheus.MustRegister(cacheHitsTotal, cacheMissesTotal)
}

// Compile-time interface satisfaction check.
var _ Storage = (*Cached)(nil)

// Cached keeps recently retrieved payloads in an expiring LRU.
type Cached struct {
	Storage
	cache *expirable.LRU[string, []byte]
}

// NewCached wraps s with a cache of at most size entries, each living for ttl.
func NewCached(s Storage, size int, ttl time.Duration) *Cached {
	return &Cached{
		Storage: s,
		cache:   expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

func (c *Cached) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	if data, ok := c.cache.Get(ref); ok {
		cacheHitsTotal.Inc()
		return data, nil
	}
	cacheMissesTotal.Inc()

	data, err := c.Storage.Retrieve(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.cache.Add(ref, data)
	return data, nil
}

func (c *Cached) Delete(ctx context.Context, ref string) (bool, error) {
	c.cache.Remove(ref)
	return c.Storage.Delete(ctx, ref)
}
