// Package tokens models the tokens issued by the identity provider.
package tokens

import (
	"fmt"
	"strings"
	"time"

	"github.com/d-kuro/helpdeskauth/pkg/constants"
)

// Token use values carried in the token_use claim.
const (
	UseAccess = "access"
	UseID     = "id"
)

// Kind selects a token within a TokenSet.
type Kind int

const (
	KindAccess Kind = iota
	KindID
)

func (k Kind) String() string {
	if k == KindID {
		return "id"
	}
	return "access"
}

// Claims are the decoded claims the client relies on.
type Claims struct {
	Subject   string   `json:"sub,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	ExpiresAt int64    `json:"exp"`
	TokenUse  string   `json:"token_use,omitempty"`
	Scope     string   `json:"scope,omitempty"`
}

// Expiry returns the expiry as a time.Time.
func (c *Claims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// Token is an immutable issued token. Claims is nil when the payload could not be
// decoded; such a token is always treated as expired.
type Token struct {
	Raw    string
	Claims *Claims
}

// Parse decodes raw into a Token. On failure the returned Token still carries Raw,
// with nil Claims, alongside the error.
func Parse(raw string) (Token, error) {
	tok := Token{Raw: raw}
	if err := validateRaw(raw); err != nil {
		return tok, err
	}
	payload, err := DecodeJWTPayload(raw)
	if err != nil {
		return tok, err
	}
	claims, err := claimsFromPayload(payload)
	if err != nil {
		return tok, err
	}
	tok.Claims = claims
	return tok, nil
}

// IsZero reports whether the token is empty.
func (t Token) IsZero() bool {
	return t.Raw == ""
}

// String never reveals the raw token.
func (t Token) String() string {
	if t.Claims == nil {
		return "Token(undecodable)"
	}
	return fmt.Sprintf("Token(sub=%s use=%s exp=%d)", t.Claims.Subject, t.Claims.TokenUse, t.Claims.ExpiresAt)
}

// TokenSet is the unit installed into and replaced in the cache.
type TokenSet struct {
	AccessToken  Token
	IDToken      *Token
	RefreshToken string
}

// Get returns the token of the given kind.
func (s *TokenSet) Get(kind Kind) (Token, bool) {
	if s == nil {
		return Token{}, false
	}
	if kind == KindID {
		if s.IDToken == nil {
			return Token{}, false
		}
		return *s.IDToken, true
	}
	return s.AccessToken, !s.AccessToken.IsZero()
}

// Subject returns the subject of the ID token, falling back to the access token.
func (s *TokenSet) Subject() string {
	if s == nil {
		return ""
	}
	if s.IDToken != nil && s.IDToken.Claims != nil && s.IDToken.Claims.Subject != "" {
		return s.IDToken.Claims.Subject
	}
	if s.AccessToken.Claims != nil {
		return s.AccessToken.Claims.Subject
	}
	return ""
}

// NewTokenSet parses the raw tokens returned by the provider. The ID token is optional.
func NewTokenSet(accessToken, idToken, refreshToken string) (TokenSet, error) {
	access, err := Parse(accessToken)
	if err != nil {
		return TokenSet{}, fmt.Errorf("access token: %w", err)
	}
	set := TokenSet{AccessToken: access, RefreshToken: refreshToken}
	if idToken != "" {
		id, err := Parse(idToken)
		if err != nil {
			return TokenSet{}, fmt.Errorf("id token: %w", err)
		}
		set.IDToken = &id
	}
	return set, nil
}

// validateRaw performs the structural checks applied to every token string.
func validateRaw(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: token is empty", ErrMalformedToken)
	}
	if len(raw) < constants.MinTokenLength {
		return fmt.Errorf("%w: token too short", ErrMalformedToken)
	}
	if len(raw) > constants.MaxTokenLength {
		return fmt.Errorf("%w: token too long", ErrMalformedToken)
	}
	if strings.ContainsAny(raw, "\x00\r\n ") {
		return fmt.Errorf("%w: token contains invalid characters", ErrMalformedToken)
	}
	return nil
}
