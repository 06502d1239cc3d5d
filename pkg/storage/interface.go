// Package storage provides secure persistence for the signed-in session.
package storage

import (
	"context"
	"errors"

	"github.com/d-kuro/helpdeskauth/pkg/types"
)

// CredentialStore defines the interface for persisting the session's token set.
// Implementations must keep the record out of plain application storage and logs.
type CredentialStore interface {
	// LoadSession loads the stored session.
	// Returns ErrStorageNotFound if no session is stored.
	LoadSession(ctx context.Context) (*types.StoredSession, error)

	// StoreSession replaces the stored session.
	StoreSession(ctx context.Context, session *types.StoredSession) error

	// ClearSession removes the stored session. Clearing an empty store is not an error.
	ClearSession(ctx context.Context) error

	// HasSession checks if a session is stored without decoding it.
	HasSession(ctx context.Context) bool

	// Location describes where credentials are stored, for status output.
	Location() string
}

// Sentinel errors for storage operations
var (
	ErrStorageNotFound    = errors.New("storage item not found")
	ErrStorageCorrupted   = errors.New("storage data corrupted")
	ErrStorageUnavailable = errors.New("storage backend unavailable")
)
