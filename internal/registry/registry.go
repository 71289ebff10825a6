// Package registry assigns stable 64-bit handles to named callbacks and
// resolves them back. Handles are what cross process boundaries; the
// (name, library) pair is the developer-facing identity.
package registry

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"alarmd/internal/bridge"
)

// Handle derives the stable handle for a callback identity. Clients compute
// the same value on their side, so the algorithm is part of the wire
// contract and must not change.
func Handle(name, library string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(library))
	_, _ = h.Write([]byte("::"))
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

type Registry struct {
	mu       sync.RWMutex
	byHandle map[int64]bridge.EntryPoint
}

func New() *Registry {
	return &Registry{byHandle: map[int64]bridge.EntryPoint{}}
}

// Register stores fn under the handle derived from (name, library) and
// returns that handle. Registering the same identity again replaces the
// function; a hash collision with a different identity is rejected.
func (r *Registry) Register(name, library string, fn bridge.EntryFunc) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("callback name required")
	}
	if fn == nil {
		return 0, fmt.Errorf("callback %q: nil function", name)
	}

	handle := Handle(name, library)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byHandle[handle]; ok && (prev.Name != name || prev.Library != library) {
		return 0, fmt.Errorf("handle collision: %s/%s vs %s/%s", library, name, prev.Library, prev.Name)
	}
	r.byHandle[handle] = bridge.EntryPoint{Handle: handle, Name: name, Library: library, Run: fn}
	return handle, nil
}

// Resolve implements bridge.Resolver.
func (r *Registry) Resolve(handle int64) (bridge.EntryPoint, bool) {
	r.mu.RLock()
	ep, ok := r.byHandle[handle]
	r.mu.RUnlock()
	return ep, ok
}

// List returns all registered entry points, ordered by library then name.
func (r *Registry) List() []bridge.EntryPoint {
	r.mu.RLock()
	eps := make([]bridge.EntryPoint, 0, len(r.byHandle))
	for _, ep := range r.byHandle {
		eps = append(eps, ep)
	}
	r.mu.RUnlock()

	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Library != eps[j].Library {
			return eps[i].Library < eps[j].Library
		}
		return eps[i].Name < eps[j].Name
	})
	return eps
}
