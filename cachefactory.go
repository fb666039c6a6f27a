package duet

import "sync"

// CacheType defines the type of cache to use.
type CacheType int

const (
	// InMemory represents an in-memory cache.
	InMemory CacheType = iota
	// Redis represents a Redis cache.
	Redis
)

// CacheFactory defines the function signature for creating a cache client.
type CacheFactory func(opts TransactionOptions) Cache

var cacheRegistryLocker sync.Mutex
var cacheRegistry = make(map[CacheType]CacheFactory)

// RegisterCacheFactory registers a cache factory for a given type. Cache
// implementations self-register from their package init, in the manner of
// database/sql driver registration.
func RegisterCacheFactory(t CacheType, f CacheFactory) {
	cacheRegistryLocker.Lock()
	defer cacheRegistryLocker.Unlock()
	cacheRegistry[t] = f
}

// NewCacheClient creates a new cache client of the type named by the options,
// using the registered factory. It returns nil if no factory is registered.
// Each call constructs a fresh client; instance reuse is the service registry's job.
func NewCacheClient(opts TransactionOptions) Cache {
	cacheRegistryLocker.Lock()
	f, ok := cacheRegistry[opts.CacheType]
	cacheRegistryLocker.Unlock()
	if !ok {
		return nil
	}
	return f(opts)
}
