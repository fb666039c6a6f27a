package duet

import (
	"context"
	"time"
)

// mockCache is a minimal Cache for factory tests. Lock related calls behave as
// a single-holder in-process cache so registry/factory tests don't need Redis.
type mockCache struct {
	items map[string]string
}

func (m *mockCache) ensure() {
	if m.items == nil {
		m.items = make(map[string]string)
	}
}

func (m *mockCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	m.ensure()
	m.items[key] = value
	return nil
}

func (m *mockCache) Get(ctx context.Context, key string) (bool, string, error) {
	m.ensure()
	v, ok := m.items[key]
	return ok, v, nil
}

func (m *mockCache) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	return m.Get(ctx, key)
}

func (m *mockCache) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}

func (m *mockCache) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	return false, nil
}

func (m *mockCache) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	return false, nil
}

func (m *mockCache) Delete(ctx context.Context, keys []string) (bool, error) {
	m.ensure()
	all := true
	for _, k := range keys {
		if _, ok := m.items[k]; !ok {
			all = false
			continue
		}
		delete(m.items, k)
	}
	return all, nil
}

func (m *mockCache) Ping(ctx context.Context) error { return nil }

func (m *mockCache) Clear(ctx context.Context) error { m.items = nil; return nil }

func (m *mockCache) IsRestarted(ctx context.Context) bool { return false }

func (m *mockCache) FormatLockKey(k string) string { return "L" + k }

func (m *mockCache) CreateLockKeys(keys []string) []*LockKey {
	lks := make([]*LockKey, len(keys))
	for i := range keys {
		lks[i] = &LockKey{Key: m.FormatLockKey(keys[i]), LockID: NewUUID()}
	}
	return lks
}

func (m *mockCache) Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error) {
	m.ensure()
	for _, lk := range lockKeys {
		if v, ok := m.items[lk.Key]; ok && v != lk.LockID.String() {
			id, _ := ParseUUID(v)
			return false, id, nil
		}
	}
	for _, lk := range lockKeys {
		m.items[lk.Key] = lk.LockID.String()
		lk.IsLockOwner = true
	}
	return true, NilUUID, nil
}

func (m *mockCache) IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error) {
	m.ensure()
	for _, lk := range lockKeys {
		if m.items[lk.Key] != lk.LockID.String() {
			return false, nil
		}
	}
	return true, nil
}

func (m *mockCache) Unlock(ctx context.Context, lockKeys []*LockKey) error {
	m.ensure()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		delete(m.items, lk.Key)
		lk.IsLockOwner = false
	}
	return nil
}

func (m *mockCache) GetType() CacheType { return Redis }
