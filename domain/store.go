package domain

import "errors"

// ErrAuthorizationNotFound is returned by AuthorizationStore.Mutate when
// no record exists under the given key.
var ErrAuthorizationNotFound = errors.New("authorization not found")

// AuthorizationStore holds authorization records keyed by "tenant:key".
// Records are never reaped; expiry is checked lazily by callers.
type AuthorizationStore interface {
	// Get returns a snapshot of the record stored under key, safe to
	// read while writers run; all writes go through Mutate.
	Get(key string) (*Authorization, bool)

	// Put stores or replaces the record under key.
	Put(key string, auth *Authorization)

	// Mutate runs fn on the record under the store's write lock, making
	// the read-modify-write atomic. It returns ErrAuthorizationNotFound
	// if the key is absent, otherwise fn's error.
	Mutate(key string, fn func(*Authorization) error) error

	// Len reports the number of stored records.
	Len() int
}
