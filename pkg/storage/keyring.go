package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/types"
)

// KeyringStore implements CredentialStore on the operating system's credential
// store (macOS Keychain, Windows Credential Manager, Secret Service on Linux).
type KeyringStore struct {
	service string
	key     string
}

// NewKeyringStore creates a keyring-backed store. Empty arguments select the defaults.
func NewKeyringStore(service, key string) *KeyringStore {
	if service == "" {
		service = constants.KeyringService
	}
	if key == "" {
		key = constants.SessionKey
	}
	return &KeyringStore{service: service, key: key}
}

// LoadSession implements CredentialStore.LoadSession.
func (ks *KeyringStore) LoadSession(ctx context.Context) (*types.StoredSession, error) {
	secret, err := keyring.Get(ks.service, ks.key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("no session in keyring %s: %w", ks.Location(), ErrStorageNotFound)
		}
		return nil, fmt.Errorf("failed to read keyring %s: %v: %w", ks.Location(), err, ErrStorageUnavailable)
	}
	return decodeSession([]byte(secret))
}

// StoreSession implements CredentialStore.StoreSession.
func (ks *KeyringStore) StoreSession(ctx context.Context, session *types.StoredSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	if err := keyring.Set(ks.service, ks.key, string(data)); err != nil {
		return fmt.Errorf("failed to write keyring %s: %v: %w", ks.Location(), err, ErrStorageUnavailable)
	}
	return nil
}

// ClearSession implements CredentialStore.ClearSession.
func (ks *KeyringStore) ClearSession(ctx context.Context) error {
	if err := keyring.Delete(ks.service, ks.key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete keyring entry %s: %v: %w", ks.Location(), err, ErrStorageUnavailable)
	}
	return nil
}

// HasSession implements CredentialStore.HasSession.
func (ks *KeyringStore) HasSession(ctx context.Context) bool {
	_, err := keyring.Get(ks.service, ks.key)
	return err == nil
}

// Location implements CredentialStore.Location.
func (ks *KeyringStore) Location() string {
	return "keyring:" + ks.service + "/" + ks.key
}
