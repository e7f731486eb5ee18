// Package memory provides an in-process state.Store for tests and
// single-node development.
package memory

import (
	"context"
	"sync"

	"github.com/durablemcp/durablemcp/state"
)

// Store is an in-memory state.Store. Values are copied on write and read so
// callers can not alias internal buffers.
type Store struct {
	mux      sync.RWMutex
	scalars  map[string][]byte
	lists    map[string][][]byte
	hashes   map[string]map[string][]byte
	watchers map[string][]chan struct{}
	closed   bool
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		scalars:  map[string][]byte{},
		lists:    map[string][][]byte{},
		hashes:   map[string]map[string][]byte{},
		watchers: map[string][]chan struct{}{},
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.closed {
		return nil, false, state.ErrClosed
	}
	value, ok := s.scalars[key]
	if !ok {
		return nil, false, nil
	}
	return clone(value), true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return state.ErrClosed
	}
	s.scalars[key] = clone(value)
	s.notify(key)
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return false, state.ErrClosed
	}
	if _, ok := s.scalars[key]; ok {
		return false, nil
	}
	s.scalars[key] = clone(value)
	s.notify(key)
	return true, nil
}

func (s *Store) Append(_ context.Context, key string, value []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return state.ErrClosed
	}
	s.lists[key] = append(s.lists[key], clone(value))
	s.notify(key)
	return nil
}

func (s *Store) Values(_ context.Context, key string) ([][]byte, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.closed {
		return nil, state.ErrClosed
	}
	values := s.lists[key]
	result := make([][]byte, len(values))
	for i, value := range values {
		result[i] = clone(value)
	}
	return result, nil
}

func (s *Store) HGet(_ context.Context, key, field string) ([]byte, bool, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.closed {
		return nil, false, state.ErrClosed
	}
	hash, ok := s.hashes[key]
	if !ok {
		return nil, false, nil
	}
	value, ok := hash[field]
	if !ok {
		return nil, false, nil
	}
	return clone(value), true, nil
}

func (s *Store) HSet(_ context.Context, key, field string, value []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return state.ErrClosed
	}
	hash, ok := s.hashes[key]
	if !ok {
		hash = map[string][]byte{}
		s.hashes[key] = hash
	}
	hash[field] = clone(value)
	s.notify(key)
	return nil
}

func (s *Store) HSetNX(_ context.Context, key, field string, value []byte) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return false, state.ErrClosed
	}
	hash, ok := s.hashes[key]
	if !ok {
		hash = map[string][]byte{}
		s.hashes[key] = hash
	}
	if _, ok := hash[field]; ok {
		return false, nil
	}
	hash[field] = clone(value)
	s.notify(key)
	return true, nil
}

func (s *Store) HDel(_ context.Context, key, field string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return state.ErrClosed
	}
	delete(s.hashes[key], field)
	s.notify(key)
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.closed {
		return nil, state.ErrClosed
	}
	result := map[string][]byte{}
	for field, value := range s.hashes[key] {
		result[field] = clone(value)
	}
	return result, nil
}

func (s *Store) Watch(_ context.Context, key string) (<-chan struct{}, func(), error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return nil, nil, state.ErrClosed
	}
	signal := make(chan struct{}, 1)
	s.watchers[key] = append(s.watchers[key], signal)
	cancel := func() {
		s.mux.Lock()
		defer s.mux.Unlock()
		watchers := s.watchers[key]
		for i, candidate := range watchers {
			if candidate == signal {
				s.watchers[key] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
	}
	return signal, cancel, nil
}

func (s *Store) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.closed = true
	return nil
}

// notify must be called with the write lock held.
func (s *Store) notify(key string) {
	for _, signal := range s.watchers[key] {
		select {
		case signal <- struct{}{}:
		default: // already pending, coalesce
		}
	}
}

func clone(value []byte) []byte {
	return append([]byte(nil), value...)
}
