// Package jobslot holds the single tracked long-running job.
package jobslot

import (
	"errors"
	"sync"
)

// ErrBusy is returned by Claim while another job holds the slot.
var ErrBusy = errors.New("job slot busy")

// Slot is a capacity-1 registry. A job first claims the slot, then binds its
// handle once the process exists, and releases it when it resolves. A second
// claim while the slot is held is rejected rather than replacing the holder.
type Slot[H any] struct {
	mu     sync.Mutex
	gen    uint64
	held   bool
	bound  bool
	handle H
}

// Claim is a reservation of the slot.
type Claim[H any] struct {
	slot *Slot[H]
	gen  uint64
}

// Claim reserves the slot or returns ErrBusy.
func (s *Slot[H]) Claim() (*Claim[H], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil, ErrBusy
	}
	s.gen++
	s.held = true
	s.bound = false
	var zero H
	s.handle = zero
	return &Claim[H]{slot: s, gen: s.gen}, nil
}

// Bind publishes h as the current holder. It is a no-op on a released claim.
func (c *Claim[H]) Bind(h H) {
	s := c.slot
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held || s.gen != c.gen {
		return
	}
	s.handle = h
	s.bound = true
}

// Release frees the slot if this claim still holds it. Calling it more than
// once is safe.
func (c *Claim[H]) Release() {
	s := c.slot
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held || s.gen != c.gen {
		return
	}
	s.held = false
	s.bound = false
	var zero H
	s.handle = zero
}

// Current returns the bound handle, if any.
func (s *Slot[H]) Current() (H, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.bound
}

// Busy reports whether the slot is claimed, bound or not.
func (s *Slot[H]) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}
