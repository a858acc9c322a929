package statestore

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore is a non-durable Store used by tests and the `memory` backend.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	closed bool
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("memory state store: nil store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("memory state store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, errors.New("memory state store: closed")
	}
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, value []byte) error {
	if s == nil {
		return errors.New("memory state store: nil store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("memory state store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory state store: closed")
	}
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("memory state store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, strings.TrimSpace(key))
	return nil
}

func (s *MemoryStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Keys returns the stored keys; handy for assertions.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	return out
}
