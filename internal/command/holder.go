package command

import "sync/atomic"

// Holder publishes the live registry. Reloads build a complete Registry and
// Swap it in; readers never observe a half-built one.
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder publishes r (an empty registry when nil).
func NewHolder(r *Registry) *Holder {
	if r == nil {
		r = NewRegistry()
	}
	h := &Holder{}
	h.current.Store(r)
	return h
}

// Current returns the registry live at call time.
func (h *Holder) Current() *Registry {
	return h.current.Load()
}

// Swap publishes next and returns the registry it replaced.
func (h *Holder) Swap(next *Registry) *Registry {
	return h.current.Swap(next)
}
