// Package safemap provides a type-safe concurrent map built on sync.Map.
// The server uses it for the connection hub, the transport's connection
// table and the registry's connection back-references.
package safemap

import "sync"

// SafeMap is a concurrent map. Keys must be comparable; values may be any
// type. SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns an empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for k, replacing any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value stored for k.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value, or the zero value of V if k is absent
//   - true if k was present
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore returns the existing value for k if present. Otherwise it
// stores v and returns it.
//
// Parameters:
//   - k: The key to look up or store
//   - v: The value to store when k is absent
//
// Returns:
//   - The value now associated with k
//   - true if the value was already present, false if v was stored
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// LoadAndDelete removes k and returns the value it held.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V if k was absent
//   - true if k was present
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// Delete removes k. Deleting an absent key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Has reports whether k is present.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
//
// Parameters:
//   - f: Function called for each entry; return false to stop
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len counts the entries. It visits every entry, so it is O(n).
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.Range(func(K, V) bool {
		length++
		return true
	})

	return length
}

// Values returns a snapshot of the stored values in unspecified order.
func (m *SafeMap[K, V]) Values() []V {
	values := make([]V, 0)
	m.Range(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})

	return values
}
