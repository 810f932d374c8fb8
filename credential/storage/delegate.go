package storage

import "sync"

// delegateHolder guards a Store's single delegate so notifications are never
// delivered while a backend's own write lock is held.
type delegateHolder struct {
	mu sync.RWMutex
	d  Delegate
}

func (h *delegateHolder) set(d Delegate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.d = d
}

func (h *delegateHolder) notify(fn func(Delegate)) {
	h.mu.RLock()
	d := h.d
	h.mu.RUnlock()
	if d != nil {
		fn(d)
	}
}
