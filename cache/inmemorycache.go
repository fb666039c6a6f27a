// Package cache provides the in-memory coordination cache used by the
// Standalone profile. It implements the same contract as the Redis client,
// including owner-fenced locking, so the coordinator code is identical across
// profiles.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/encoding"
)

// Now is a lambda expression that returns the current time. Allows unit tests to inject replayable time.Now.
var Now = time.Now

type item struct {
	data       []byte
	expiration time.Time
}

func (it item) expired() bool {
	return !it.expiration.IsZero() && Now().After(it.expiration)
}

// InMemoryCache is a process-local duet.Cache. Entries expire lazily on read.
// There is no capacity eviction: the cache holds coordination state (locks,
// id mappings, transaction checkpoints) that must never fall out under memory
// pressure.
type InMemoryCache struct {
	mu    sync.Mutex
	items map[string]item
}

func NewInMemoryCache() duet.Cache {
	return &InMemoryCache{
		items: make(map[string]item),
	}
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, []byte(value), expiration)
	return nil
}

// set stores an entry. Caller holds c.mu.
func (c *InMemoryCache) set(key string, data []byte, expiration time.Duration) {
	var exp time.Time
	if expiration > 0 {
		exp = Now().Add(expiration)
	}
	c.items[key] = item{data: data, expiration: exp}
}

// get fetches an entry, dropping it when expired. Caller holds c.mu.
func (c *InMemoryCache) get(key string) ([]byte, bool) {
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if it.expired() {
		delete(c.items, key)
		return nil, false
	}
	return it.data, true
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.get(key)
	if !ok {
		return false, "", nil
	}
	return true, string(data), nil
}

func (c *InMemoryCache) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.get(key)
	if !ok {
		return false, "", nil
	}
	c.set(key, data, expiration)
	return true, string(data), nil
}

func (c *InMemoryCache) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encoding.PayloadMarshaler.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, data, expiration)
	return nil
}

func (c *InMemoryCache) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.get(key)
	if !ok {
		return false, nil
	}
	if err := encoding.PayloadMarshaler.Unmarshal(data, target); err != nil {
		return false, err
	}
	return true, nil
}

func (c *InMemoryCache) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.get(key)
	if !ok {
		return false, nil
	}
	c.set(key, data, expiration)
	if err := encoding.PayloadMarshaler.Unmarshal(data, target); err != nil {
		return false, err
	}
	return true, nil
}

func (c *InMemoryCache) Delete(ctx context.Context, keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := true
	for _, key := range keys {
		if _, ok := c.items[key]; !ok {
			all = false
			continue
		}
		delete(c.items, key)
	}
	return all, nil
}

func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (c *InMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]item)
	return nil
}

// IsRestarted always reports false: a process-local cache cannot outlive the
// process that would observe the restart.
func (c *InMemoryCache) IsRestarted(ctx context.Context) bool {
	return false
}

func (c *InMemoryCache) GetType() duet.CacheType {
	return duet.InMemory
}

func init() {
	duet.RegisterCacheFactory(duet.InMemory, func(duet.TransactionOptions) duet.Cache {
		return NewInMemoryCache()
	})
}
