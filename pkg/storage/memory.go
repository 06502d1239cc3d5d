package storage

import (
	"context"
	"sync"

	"github.com/d-kuro/helpdeskauth/pkg/types"
)

// MemoryStore implements CredentialStore in process memory. The session does not
// survive a restart; it suits tests and short-lived tools.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadSession implements CredentialStore.LoadSession.
func (ms *MemoryStore) LoadSession(ctx context.Context) (*types.StoredSession, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.data == nil {
		return nil, ErrStorageNotFound
	}
	return decodeSession(ms.data)
}

// StoreSession implements CredentialStore.StoreSession.
func (ms *MemoryStore) StoreSession(ctx context.Context, session *types.StoredSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	ms.data = data
	ms.mu.Unlock()
	return nil
}

// ClearSession implements CredentialStore.ClearSession.
func (ms *MemoryStore) ClearSession(ctx context.Context) error {
	ms.mu.Lock()
	ms.data = nil
	ms.mu.Unlock()
	return nil
}

// HasSession implements CredentialStore.HasSession.
func (ms *MemoryStore) HasSession(ctx context.Context) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.data != nil
}

// Location implements CredentialStore.Location.
func (ms *MemoryStore) Location() string {
	return "memory"
}
