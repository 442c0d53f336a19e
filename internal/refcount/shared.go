// Package refcount manages native client handles that platform APIs require
// once per process: created on first use, destroyed when the last user is gone.
package refcount

import "sync"

// Shared holds at most one live T. Acquire creates it on first use; the
// matching Release of the last holder destroys it.
type Shared[T any] struct {
	mu      sync.Mutex
	open    func() (T, error)
	close   func(T) error
	value   T
	holders int
}

// New describes how to create and destroy the shared value.
func New[T any](open func() (T, error), close func(T) error) *Shared[T] {
	return &Shared[T]{open: open, close: close}
}

// Acquire returns the live value, creating it when nobody holds it.
func (s *Shared[T]) Acquire() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holders == 0 {
		v, err := s.open()
		if err != nil {
			var zero T
			return zero, err
		}
		s.value = v
	}
	s.holders++
	return s.value, nil
}

// Release gives back one hold. The last release destroys the value and
// returns the error from doing so.
func (s *Shared[T]) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holders == 0 {
		return nil
	}
	s.holders--
	if s.holders > 0 {
		return nil
	}
	v := s.value
	var zero T
	s.value = zero
	if s.close == nil {
		return nil
	}
	return s.close(v)
}

// Holders returns the current number of holds.
func (s *Shared[T]) Holders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders
}
