// Package registry provides a thread safe service registry: named service
// instances constructed lazily exactly once, plus per-service mutual exclusion.
//
// A Registry is an explicit object passed by reference to whoever needs shared
// instances. There is deliberately no package global registry; owning the
// object makes lifetimes and test isolation explicit.
package registry

import (
	"sync"
)

// Constructor builds a service instance. For a given name it runs at most once,
// unless it returns an error, in which case the next GetOrCreate retries.
type Constructor func() (any, error)

type Registry struct {
	mu       sync.RWMutex
	services map[string]any
	locks    map[string]*sync.Mutex
}

func New() *Registry {
	return &Registry{
		services: make(map[string]any),
		locks:    make(map[string]*sync.Mutex),
	}
}

// GetOrCreate returns the named service, constructing it on first use.
// The fast path takes only a read lock; the slow path re-checks under the write
// lock so racing callers construct exactly once. The constructor runs while the
// write lock is held, so a slow constructor delays other registrations; keep
// construction bounded or move the slow part behind the returned instance.
func (r *Registry) GetOrCreate(name string, ctor Constructor) (any, error) {
	r.mu.RLock()
	if svc, ok := r.services[name]; ok {
		r.mu.RUnlock()
		return svc, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have won the race between the two locks.
	if svc, ok := r.services[name]; ok {
		return svc, nil
	}
	svc, err := ctor()
	if err != nil {
		return nil, err
	}
	r.services[name] = svc
	return svc, nil
}

// Get returns the named service if present.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Set stores a pre-built instance under the name, replacing any previous one.
func (r *Registry) Set(name string, svc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = svc
}

// Delete removes the named service and its per-service lock. Callers must make
// sure no AtomicOperation on the same name is in flight, or that racers
// re-validate state inside their critical section.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
	delete(r.locks, name)
}

// Names returns the registered service names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// AtomicOperation runs fn while holding the mutex dedicated to name, creating
// the mutex on first use. fn must not recurse into AtomicOperation with the
// same name.
func (r *Registry) AtomicOperation(name string, fn func() error) error {
	r.mu.Lock()
	lk, ok := r.locks[name]
	if !ok {
		lk = &sync.Mutex{}
		r.locks[name] = lk
	}
	r.mu.Unlock()

	lk.Lock()
	defer lk.Unlock()
	return fn()
}

// GetOrCreateAs is a typed convenience over GetOrCreate. It fails the same way
// GetOrCreate does, plus when the stored instance is not a T.
func GetOrCreateAs[T any](r *Registry, name string, ctor func() (T, error)) (T, error) {
	svc, err := r.GetOrCreate(name, func() (any, error) {
		return ctor()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return svc.(T), nil
}
