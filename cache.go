package duet

import (
	"context"
	"time"
)

// LockKey holds a lock's cache key, the ID stamped into the cache when acquired,
// and whether this holder won the acquisition.
type LockKey struct {
	// Key is the formatted lock key as stored in the cache.
	Key string
	// LockID is the unique ID stamped into the cache entry by the owning holder.
	LockID UUID
	// IsLockOwner is true if this holder's LockID is the one stored in the cache.
	IsLockOwner bool
}

// Cache is the coordination cache shared by coordinator instances. In the Standalone
// profile it is process local; in the Clustered profile it is Redis, which makes
// locks and cached entries visible to every instance on the network.
type Cache interface {
	// Set adds or updates a string value with the given TTL. expiration <= 0 means no TTL.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get fetches a string value. The bool result reports whether the key was found.
	Get(ctx context.Context, key string) (bool, string, error)
	// GetEx fetches a string value and slides its TTL forward.
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)

	// SetStruct adds or updates a struct value encoded with the package marshaler.
	SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// GetStruct fetches a struct value into target. The bool result reports whether the key was found.
	GetStruct(ctx context.Context, key string, target interface{}) (bool, error)
	// GetStructEx fetches a struct value into target and slides its TTL forward.
	GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error)

	// Delete removes keys. The bool result reports whether all keys were found.
	Delete(ctx context.Context, keys []string) (bool, error)

	// Ping checks cache connectivity.
	Ping(ctx context.Context) error
	// Clear removes all entries. Intended for tests and operator tooling.
	Clear(ctx context.Context) error
	// IsRestarted reports whether the cache lost its contents since this process first
	// connected, e.g. a Redis restart. Callers treat cached data as cold when true.
	IsRestarted(ctx context.Context) bool

	// FormatLockKey prefixes the key with the lock namespace.
	FormatLockKey(k string) string
	// CreateLockKeys wraps the given names into LockKeys ready for Lock.
	CreateLockKeys(keys []string) []*LockKey
	// Lock attempts to take all of the lock keys with the given TTL. On failure it
	// returns the owner ID of a conflicting holder when known, so callers can tell
	// whether the same owner holds them.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked reports whether this holder still owns all of the lock keys.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// Unlock releases the lock keys this holder owns.
	Unlock(ctx context.Context, lockKeys []*LockKey) error

	// GetType tells which cache implementation this is.
	GetType() CacheType
}
