// Package types holds the wire and persistence records shared across packages.
package types

import "time"

// StoredSessionVersion is bumped when StoredSession changes incompatibly.
const StoredSessionVersion = 1

// StoredSession is the record persisted in the credential store. Only raw token
// strings are stored; claims are re-decoded on load.
type StoredSession struct {
	Version      int       `json:"version"`
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// OAuthErrorResponse is the RFC 6749 section 5.2 error body.
type OAuthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}
