// Package safeset provides a set guarded by a read-write mutex.
package safeset

import "sync"

// SafeSet is a set of comparable values that is safe for concurrent use.
type SafeSet[T comparable] struct {
	mu sync.RWMutex
	m  map[T]struct{}
}

// NewSafeSet returns an empty set, optionally seeded with values.
func NewSafeSet[T comparable](values ...T) *SafeSet[T] {
	s := &SafeSet[T]{m: make(map[T]struct{}, len(values))}
	for _, v := range values {
		s.m[v] = struct{}{}
	}

	return s
}

// Add inserts value.
//
// Returns:
//   - true if value was not already present
func (s *SafeSet[T]) Add(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove deletes value.
//
// Returns:
//   - true if value was present
func (s *SafeSet[T]) Remove(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; !ok {
		return false
	}

	delete(s.m, value)
	return true
}

// Contains reports whether value is in the set.
func (s *SafeSet[T]) Contains(value T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Size returns the number of elements.
func (s *SafeSet[T]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Values returns a copy of the elements in unspecified order.
func (s *SafeSet[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]T, 0, len(s.m))
	for v := range s.m {
		values = append(values, v)
	}

	return values
}

// Range calls f for each element until f returns false. f must not modify
// the set.
func (s *SafeSet[T]) Range(f func(value T) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for v := range s.m {
		if !f(v) {
			return
		}
	}
}
