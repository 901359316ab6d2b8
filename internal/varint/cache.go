package varint

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// Encoder produces the key bytes for a tuple
type Encoder func(dst []byte, q Quad) []byte

// KeyCache memoizes encoded keys of frequently repeated tuples. A tuple is
// only cached after it has been seen Threshold times, so one-off scans do
// not evict hot keys. Returned slices are shared and must not be modified.
type KeyCache struct {
	keys      *lru.Cache
	seen      *lru.Cache
	threshold int32

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Len    int
}

// NewKeyCache creates a cache holding up to size keys. A threshold below one
// is treated as one.
func NewKeyCache(size, threshold int) (*KeyCache, error) {
	keys, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New(size * 4)
	if err != nil {
		return nil, err
	}
	if threshold < 1 {
		threshold = 1
	}
	return &KeyCache{keys: keys, seen: seen, threshold: int32(threshold)}, nil
}

// Encode returns the cached key for q or builds one with enc
func (c *KeyCache) Encode(q Quad, enc Encoder) []byte {
	if c == nil {
		return enc(nil, q)
	}
	if v, ok := c.keys.Get(q); ok {
		c.hits.Add(1)
		return v.([]byte)
	}
	c.misses.Add(1)
	key := enc(nil, q)
	if c.observe(q) {
		c.keys.Add(q, key)
		c.seen.Remove(q)
	}
	return key
}

func (c *KeyCache) observe(q Quad) bool {
	if c.threshold <= 1 {
		return true
	}
	if v, ok := c.seen.Get(q); ok {
		return v.(*atomic.Int32).Add(1) >= c.threshold
	}
	n := new(atomic.Int32)
	n.Store(1)
	c.seen.Add(q, n)
	return false
}

// Stats returns a snapshot of hit and miss counters
func (c *KeyCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Len: c.keys.Len()}
}

// Purge drops every cached key
func (c *KeyCache) Purge() {
	if c == nil {
		return
	}
	c.keys.Purge()
	c.seen.Purge()
}
