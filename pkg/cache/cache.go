// Package cache holds the current token set and answers validity questions about it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/storage"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
	"github.com/d-kuro/helpdeskauth/pkg/types"
)

// Cache owns the session's TokenSet. All reads and writes are serialized by one
// RWMutex, so an in-progress replacement is never observed as a partial set.
type Cache struct {
	mu         sync.RWMutex
	set        *tokens.TokenSet
	generation uint64

	store  storage.CredentialStore
	now    func() time.Time
	buffer time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets a custom clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithNearExpiryBuffer overrides the default near-expiry buffer.
func WithNearExpiryBuffer(buffer time.Duration) Option {
	return func(c *Cache) {
		c.buffer = buffer
	}
}

// New creates an empty cache. store may be nil, in which case nothing is persisted.
func New(store storage.CredentialStore, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		buffer: constants.NearExpiryBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores the persisted session. A missing record leaves the cache empty; a
// corrupted or undecodable record is removed from the store.
func (c *Cache) Load(ctx context.Context) (*tokens.TokenSet, error) {
	if c.store == nil {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.store.LoadSession(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrStorageNotFound) {
			return nil, nil
		}
		if errors.Is(err, storage.ErrStorageCorrupted) {
			_ = c.store.ClearSession(ctx)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	set, err := tokens.NewTokenSet(record.AccessToken, record.IDToken, record.RefreshToken)
	if err != nil {
		_ = c.store.ClearSession(ctx)
		return nil, fmt.Errorf("stored session is invalid: %w", err)
	}

	c.set = &set
	c.generation++
	return c.copySet(), nil
}

// Current returns a copy of the installed set, or nil when signed out.
func (c *Cache) Current() *tokens.TokenSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copySet()
}

// Generation returns a counter bumped by every Install and Clear.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Install replaces the whole set and persists it.
func (c *Cache) Install(ctx context.Context, set tokens.TokenSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installLocked(ctx, set)
}

// InstallIfGeneration installs set only if no Install or Clear happened since gen was
// read. It reports whether the set was installed.
func (c *Cache) InstallIfGeneration(ctx context.Context, gen uint64, set tokens.TokenSet) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false, nil
	}
	return true, c.installLocked(ctx, set)
}

// Clear drops the set from memory and from the store.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = nil
	c.generation++
	if c.store == nil {
		return nil
	}
	if err := c.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("failed to clear stored session: %w", err)
	}
	return nil
}

// ClearAccessTokens drops the access and ID tokens but keeps the refresh credential,
// so a forced refresh can still mint a fresh pair.
func (c *Cache) ClearAccessTokens(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set == nil {
		return
	}
	c.set = &tokens.TokenSet{RefreshToken: c.set.RefreshToken}
	c.generation++
}

// IsExpired reports whether now >= exp. Tokens without decodable claims are expired.
func (c *Cache) IsExpired(tok tokens.Token) bool {
	if tok.Claims == nil {
		return true
	}
	return c.now().Unix() >= tok.Claims.ExpiresAt
}

// IsNearExpiry reports whether now >= exp - buffer, using the cache's default buffer.
func (c *Cache) IsNearExpiry(tok tokens.Token) bool {
	return c.IsNearExpiryWithin(tok, c.buffer)
}

// IsNearExpiryWithin reports whether now >= exp - buffer.
func (c *Cache) IsNearExpiryWithin(tok tokens.Token, buffer time.Duration) bool {
	if tok.Claims == nil {
		return true
	}
	return c.now().Unix() >= tok.Claims.ExpiresAt-int64(buffer/time.Second)
}

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}

func (c *Cache) installLocked(ctx context.Context, set tokens.TokenSet) error {
	cp := set
	c.set = &cp
	c.generation++
	if c.store == nil {
		return nil
	}

	record := &types.StoredSession{
		Version:      types.StoredSessionVersion,
		AccessToken:  set.AccessToken.Raw,
		RefreshToken: set.RefreshToken,
		SavedAt:      c.now().UTC(),
	}
	if set.IDToken != nil {
		record.IDToken = set.IDToken.Raw
	}
	if err := c.store.StoreSession(ctx, record); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func (c *Cache) copySet() *tokens.TokenSet {
	if c.set == nil {
		return nil
	}
	cp := *c.set
	if c.set.IDToken != nil {
		id := *c.set.IDToken
		cp.IDToken = &id
	}
	return &cp
}
