package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sharedcode/duet"
)

// FormatLockKey prefixes the key with 'L' to form the namespaced key used for locking.
func (c *InMemoryCache) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}

// CreateLockKeys creates lock keys using newly generated lock IDs for each provided key name.
func (c *InMemoryCache) CreateLockKeys(keys []string) []*duet.LockKey {
	lockKeys := make([]*duet.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &duet.LockKey{
			// Prefix key with "L" to increase uniqueness.
			Key:    c.FormatLockKey(keys[i]),
			LockID: duet.NewUUID(),
		}
	}
	return lockKeys
}

// Lock attempts to acquire locks for all provided keys using the given TTL duration.
// If any key is already locked by another owner, it returns false and that owner's
// UUID, and takes nothing. Both passes run under one mutex hold, so a failed
// attempt never leaves a partial acquisition behind.
func (c *InMemoryCache) Lock(ctx context.Context, duration time.Duration, lockKeys []*duet.LockKey) (bool, duet.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lk := range lockKeys {
		data, found := c.get(lk.Key)
		if !found {
			continue
		}
		if string(data) != lk.LockID.String() {
			id, _ := duet.ParseUUID(string(data))
			return false, id, nil
		}
	}
	for _, lk := range lockKeys {
		c.set(lk.Key, []byte(lk.LockID.String()), duration)
		lk.IsLockOwner = true
	}
	return true, duet.NilUUID, nil
}

// IsLocked reports whether all provided lock keys are currently owned by this holder.
func (c *InMemoryCache) IsLocked(ctx context.Context, lockKeys []*duet.LockKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := true
	for _, lk := range lockKeys {
		data, found := c.get(lk.Key)
		if !found || string(data) != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, nil
}

// Unlock releases the provided lock keys, deleting only those owned by this holder.
func (c *InMemoryCache) Unlock(ctx context.Context, lockKeys []*duet.LockKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		data, found := c.get(lk.Key)
		if found && string(data) == lk.LockID.String() {
			delete(c.items, lk.Key)
		}
		lk.IsLockOwner = false
	}
	return nil
}
