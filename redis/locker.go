package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/sharedcode/duet"
)

// Lock attempts to acquire locks for all provided keys using the given TTL duration.
// If any key is already locked by another owner, it returns false and that owner's UUID.
func (c *client) Lock(ctx context.Context, duration time.Duration, lockKeys []*duet.LockKey) (bool, duet.UUID, error) {
	for _, lk := range lockKeys {
		found, readItem, err := c.Get(ctx, lk.Key)
		if err != nil {
			return false, duet.NilUUID, err
		}
		if found {
			// Item found in Redis, check if not ours. Most likely, but check anyway.
			if readItem != lk.LockID.String() {
				id, _ := duet.ParseUUID(readItem)
				return false, id, nil
			}
			continue
		}

		// Item does not exist, upsert it.
		if err := c.Set(ctx, lk.Key, lk.LockID.String(), duration); err != nil {
			return false, duet.NilUUID, err
		}
		// Use a 2nd "get" to ensure we "won" the lock attempt & fail if not.
		if found, readItem2, err := c.Get(ctx, lk.Key); !found || err != nil {
			return false, duet.NilUUID, err
		} else if readItem2 != lk.LockID.String() {
			id, _ := duet.ParseUUID(readItem2)
			// Item found in Redis, lock attempt failed.
			return false, id, nil
		}
		// We got the item locked, ensure we can unlock it.
		lk.IsLockOwner = true
	}
	// Successfully locked.
	return true, duet.NilUUID, nil
}

// IsLocked reports whether all provided lock keys are currently owned by this holder.
func (c *client) IsLocked(ctx context.Context, lockKeys []*duet.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		found, readItem, err := c.Get(ctx, lk.Key)
		if !found || err != nil {
			lk.IsLockOwner = false
			r = false
			if err != nil {
				lastErr = err
			}
			continue
		}
		// Item found in Redis has a different value, means the key is locked by another holder.
		if readItem != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// Unlock releases the provided lock keys, deleting only those owned by this holder.
func (c *client) Unlock(ctx context.Context, lockKeys []*duet.LockKey) error {
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		// Delete lock key if we own it.
		if found, err := c.Delete(ctx, []string{lk.Key}); !found || err != nil {
			// Ignore if key not in cache, not an issue.
			if err == nil {
				continue
			}
			lastErr = err
		}
	}
	return lastErr
}

// CreateLockKeys creates lock keys using newly generated lock IDs for each provided key name.
func (c *client) CreateLockKeys(keys []string) []*duet.LockKey {
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

// FormatLockKey prefixes the key with 'L' to form the namespaced Redis key used for locking.
func (c *client) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}
