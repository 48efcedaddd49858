package correlation

import (
	"fmt"
	"sync"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Registry maps correlation identifiers to pending requests.
// All operations are atomic with respect to each other.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Pending)}
}

// Add registers p under its ID. Duplicate identifiers are rejected.
func (r *Registry) Add(p *Pending) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[p.ID]; exists {
		return fmt.Errorf("register request %s: %w", p.ID, berr.ErrDuplicateCorrelation)
	}

	r.pending[p.ID] = p

	return nil
}

// Lookup returns the pending request for id without removing it.
func (r *Registry) Lookup(id string) (*Pending, bool) {
	r.mu.Lock()
	p, ok := r.pending[id]
	r.mu.Unlock()

	return p, ok
}

// Take removes and returns the pending request for id if match accepts it.
// A nil match accepts any entry.
func (r *Registry) Take(id string, match func(*Pending) bool) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return nil, false
	}

	if match != nil && !match(p) {
		return nil, false
	}

	delete(r.pending, id)

	return p, true
}

// Remove deletes the entry for id and reports whether it was still registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[id]; !ok {
		return false
	}

	delete(r.pending, id)

	return true
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}
