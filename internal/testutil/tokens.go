// Package testutil holds fixtures shared by the package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signingKey = "helpdeskauth-test-signing-key"

// MintToken signs a JWT carrying the given token_use, subject and expiry.
func MintToken(t testing.TB, use, subject string, exp time.Time) string {
	t.Helper()
	return MintTokenWithClaims(t, jwt.MapClaims{
		"sub":       subject,
		"iss":       "https://idp.example.com",
		"aud":       "helpdesk-client",
		"exp":       exp.Unix(),
		"iat":       time.Now().Unix(),
		"token_use": use,
		"scope":     "openid email profile",
	})
}

// MintTokenWithClaims signs a JWT with arbitrary claims.
func MintTokenWithClaims(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}
