package tokens

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned for tokens whose payload cannot be decoded.
var ErrMalformedToken = errors.New("malformed token")

// DecodeJWTPayload decodes the payload segment of a compact JWT without verifying its
// signature. Signature verification is the identity provider's and the API's concern;
// the client only needs the expiry and identity claims.
func DecodeJWTPayload(raw string) (map[string]any, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	segment := strings.NewReplacer("-", "+", "_", "/").Replace(parts[1])
	if rem := len(segment) % 4; rem != 0 {
		if rem == 1 {
			return nil, fmt.Errorf("%w: invalid payload length", ErrMalformedToken)
		}
		segment += strings.Repeat("=", 4-rem)
	}

	data, err := base64.StdEncoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", ErrMalformedToken, err)
	}
	return payload, nil
}

// claimsFromPayload maps a decoded payload onto Claims. The registered claims are read
// through jwt.MapClaims so numeric and audience encodings are handled the same way the
// JWT library handles them.
func claimsFromPayload(payload map[string]any) (*Claims, error) {
	mc := jwt.MapClaims(payload)

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}

	sub, err := mc.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("%w: sub: %v", ErrMalformedToken, err)
	}
	iss, err := mc.GetIssuer()
	if err != nil {
		return nil, fmt.Errorf("%w: iss: %v", ErrMalformedToken, err)
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("%w: aud: %v", ErrMalformedToken, err)
	}

	claims := &Claims{
		Subject:   sub,
		Audience:  []string(aud),
		Issuer:    iss,
		ExpiresAt: exp.Unix(),
	}
	if use, ok := payload["token_use"].(string); ok {
		claims.TokenUse = use
	}
	if scope, ok := payload["scope"].(string); ok {
		claims.Scope = scope
	}
	// Access tokens from some providers carry client_id instead of aud.
	if len(claims.Audience) == 0 {
		if clientID, ok := payload["client_id"].(string); ok && clientID != "" {
			claims.Audience = []string{clientID}
		}
	}
	return claims, nil
}
