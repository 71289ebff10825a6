package dispatch

import (
	"sync"

	"alarmd/internal/bridge"
)

// handlerSet is a context's named-invocation handler table. The last
// registration for a method wins.
type handlerSet struct {
	mu sync.RWMutex
	m  map[string]bridge.HandlerFunc
}

func newHandlerSet() *handlerSet {
	return &handlerSet{m: map[string]bridge.HandlerFunc{}}
}

func (h *handlerSet) Handle(method string, fn bridge.HandlerFunc) {
	if method == "" || fn == nil {
		return
	}
	h.mu.Lock()
	h.m[method] = fn
	h.mu.Unlock()
}

func (h *handlerSet) lookup(method string) (bridge.HandlerFunc, bool) {
	h.mu.RLock()
	fn, ok := h.m[method]
	h.mu.RUnlock()
	return fn, ok
}
