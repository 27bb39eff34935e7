package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirforge/smartauth/domain"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryAuthorizationStore()

	auth := domain.NewAuthorization("key-1", "r4", "127.0.0.1", domain.AuthorizationRequest{})
	s.Put("r4:key-1", auth)

	got, ok := s.Get("r4:key-1")
	require.True(t, ok)
	assert.Equal(t, "key-1", got.Key)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Get("r4:missing")
	assert.False(t, ok)
}

func TestMemoryStoreMutate(t *testing.T) {
	s := NewMemoryAuthorizationStore()
	s.Put("r4:key-1", domain.NewAuthorization("key-1", "r4", "127.0.0.1", domain.AuthorizationRequest{}))

	err := s.Mutate("r4:key-1", func(a *domain.Authorization) error {
		a.UserID = "administrator"
		return nil
	})
	require.NoError(t, err)

	got, _ := s.Get("r4:key-1")
	assert.Equal(t, "administrator", got.UserID)

	err = s.Mutate("r4:missing", func(a *domain.Authorization) error { return nil })
	assert.ErrorIs(t, err, domain.ErrAuthorizationNotFound)

	sentinel := errors.New("rejected")
	err = s.Mutate("r4:key-1", func(a *domain.Authorization) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestMemoryStoreGetReturnsSnapshot(t *testing.T) {
	s := NewMemoryAuthorizationStore()
	s.Put("r4:key-1", domain.NewAuthorization("key-1", "r4", "127.0.0.1", domain.AuthorizationRequest{
		Scope: "openid",
	}))

	got, ok := s.Get("r4:key-1")
	require.True(t, ok)

	got.Tenant = "tampered"
	got.Scopes["openid"] = true
	got.UserScopes["*.*"] = struct{}{}
	got.LogActivity(domain.RequestTypeAccess, false, "tampered")

	stored, _ := s.Get("r4:key-1")
	assert.Equal(t, "r4", stored.Tenant)
	assert.False(t, stored.Scopes["openid"])
	assert.Empty(t, stored.UserScopes)
	assert.Empty(t, stored.Activity)
}

func TestMemoryStoreGetDuringMutate(t *testing.T) {
	s := NewMemoryAuthorizationStore()
	s.Put("r4:key-1", domain.NewAuthorization("key-1", "r4", "127.0.0.1", domain.AuthorizationRequest{}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Mutate("r4:key-1", func(a *domain.Authorization) error {
				a.LogActivity(domain.RequestTypeAccess, true, "")
				return nil
			})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if got, ok := s.Get("r4:key-1"); ok {
				for range got.Activity {
				}
			}
		}
	}()

	wg.Wait()

	got, _ := s.Get("r4:key-1")
	assert.Len(t, got.Activity, 200)
}

func TestMemoryStoreConcurrentMutate(t *testing.T) {
	s := NewMemoryAuthorizationStore()
	s.Put("r4:key-1", domain.NewAuthorization("key-1", "r4", "127.0.0.1", domain.AuthorizationRequest{}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Mutate("r4:key-1", func(a *domain.Authorization) error {
				a.LogActivity(domain.RequestTypeAccess, true, "")
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.Get("r4:key-1")
	assert.Len(t, got.Activity, 50)
}
