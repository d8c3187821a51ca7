package secrets

import (
	"context"
	"errors"
	"sync"
)

// ErrUserKeyNotFound is returned by KeyStore.GetUserKey when no wrapped key
// exists for the user yet.
var ErrUserKeyNotFound = errors.New("user key not found")

// KeyStore persists wrapped per-user data keys.
type KeyStore interface {
	// GetUserKey returns the wrapped key blob for userID, or
	// ErrUserKeyNotFound when the user has no key yet.
	GetUserKey(ctx context.Context, userID string) ([]byte, error)
	// PutUserKey stores the wrapped key blob for userID.
	PutUserKey(ctx context.Context, userID string, wrapped []byte) error
}

// MemoryKeyStore is a map-backed KeyStore for tests and database-less runs.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (m *MemoryKeyStore) GetUserKey(_ context.Context, userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wrapped, ok := m.keys[userID]
	if !ok {
		return nil, ErrUserKeyNotFound
	}
	out := make([]byte, len(wrapped))
	copy(out, wrapped)
	return out, nil
}

func (m *MemoryKeyStore) PutUserKey(_ context.Context, userID string, wrapped []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(wrapped))
	copy(stored, wrapped)
	m.keys[userID] = stored
	return nil
}
