// Package pkce generates Proof Key for Code Exchange material for the
// authorization code flow.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/d-kuro/helpdeskauth/pkg/constants"
)

// MethodS256 is the only challenge method this package produces.
const MethodS256 = "S256"

// Pair holds a verifier and its derived challenge. A pair lives for exactly one
// authorization attempt.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate draws constants.PKCEVerifierBytes random bytes and derives the S256 challenge.
// A failing system RNG is unrecoverable, so Generate panics instead of returning an error.
func Generate() Pair {
	buf := make([]byte, constants.PKCEVerifierBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("pkce: crypto/rand unavailable: " + err.Error())
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
	}
}

// Challenge returns base64url(SHA-256(verifier)) without padding.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// State returns a random value for the OAuth2 state parameter.
func State() string {
	return uuid.NewString()
}
