package cache

import (
	"sync"

	"github.com/23skdu/longbow-windage/internal/tensor"
)

// PosteriorCache defines a generic interface for caching computed posterior
// mean/variance pairs, keyed by a content hash of the request. The
// conditional core itself stays pure; caching happens at this layer only.
type PosteriorCache interface {
	// Get retrieves a cached posterior.
	Get(key uint64) (mean, variance *tensor.Dense, ok bool)
	// Put stores a posterior.
	Put(key uint64, mean, variance *tensor.Dense)
	// Size returns the number of items in the cache.
	Size() int
}

type entry struct {
	mean     *tensor.Dense
	variance *tensor.Dense
}

// MapCache is a simple in-memory implementation of PosteriorCache.
type MapCache struct {
	data map[uint64]entry
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[uint64]entry),
	}
}

func (c *MapCache) Get(key uint64) (*tensor.Dense, *tensor.Dense, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copies to avoid modification of cached values
	if e, ok := c.data[key]; ok {
		return e.mean.Clone(), e.variance.Clone(), true
	}
	return nil, nil, false
}

func (c *MapCache) Put(key uint64, mean, variance *tensor.Dense) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store copies
	c.data[key] = entry{mean: mean.Clone(), variance: variance.Clone()}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
