package collection

import "sync"

// SyncMap is a type-safe map guarded by a RWMutex.
type SyncMap[K comparable, V any] struct {
	mux sync.RWMutex
	m   map[K]V
}

// Get returns the value for key and whether it was present.
func (s *SyncMap[K, V]) Get(key K) (V, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	value, ok := s.m[key]
	return value, ok
}

// Put stores value under key.
func (s *SyncMap[K, V]) Put(key K, value V) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.m[key] = value
}

// Delete removes key.
func (s *SyncMap[K, V]) Delete(key K) {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.m, key)
}

// NewSyncMap creates an empty SyncMap.
func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{m: map[K]V{}}
}
