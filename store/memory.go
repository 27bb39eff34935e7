// Package store provides the in-memory authorization store.
package store

import (
	"sync"

	"github.com/fhirforge/smartauth/domain"
)

// MemoryAuthorizationStore is a mutex-guarded map of authorization
// records. Records stay until the process exits; expired entries are
// rejected at use, not swept.
type MemoryAuthorizationStore struct {
	mu      sync.Mutex
	records map[string]*domain.Authorization
}

var _ domain.AuthorizationStore = (*MemoryAuthorizationStore)(nil)

// NewMemoryAuthorizationStore creates an empty store.
func NewMemoryAuthorizationStore() *MemoryAuthorizationStore {
	return &MemoryAuthorizationStore{
		records: make(map[string]*domain.Authorization),
	}
}

// Get returns a snapshot of the record stored under key. Readers hold
// snapshots across gate checks while refreshes mutate the live record,
// so the live pointer never leaves the lock.
func (s *MemoryAuthorizationStore) Get(key string) (*domain.Authorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return auth.Clone(), true
}

// Put stores or replaces the record under key.
func (s *MemoryAuthorizationStore) Put(key string, auth *domain.Authorization) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = auth
}

// Mutate runs fn on the record under the store lock.
func (s *MemoryAuthorizationStore) Mutate(key string, fn func(*domain.Authorization) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.records[key]
	if !ok {
		return domain.ErrAuthorizationNotFound
	}
	return fn(auth)
}

// Len reports the number of stored records.
func (s *MemoryAuthorizationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}
