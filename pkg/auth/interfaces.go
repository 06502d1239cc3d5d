// Package auth provides the identity-provider side of the session: the interactive
// Authorization Code flow with PKCE, refresh and revocation.
package auth

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// Presenter shows the authorize URL to the user (system browser, webview) and returns
// the redirect URL the provider sent the user back to. It must fail with a
// user-cancelled error when the user abandons the session.
type Presenter interface {
	PresentAuthSession(ctx context.Context, authorizeURL, callbackScheme string) (redirectURL string, err error)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, authorizeURL, callbackScheme string) (string, error)

// PresentAuthSession implements Presenter.
func (f PresenterFunc) PresentAuthSession(ctx context.Context, authorizeURL, callbackScheme string) (string, error) {
	return f(ctx, authorizeURL, callbackScheme)
}

// SignInFlow runs an interactive sign-in and returns the issued tokens.
type SignInFlow interface {
	StartSignIn(ctx context.Context, opts SignInOptions) (tokens.TokenSet, error)
}

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	// Refresh returns a complete replacement set. When the provider does not rotate the
	// refresh token, the returned set carries refreshToken.
	Refresh(ctx context.Context, refreshToken string) (tokens.TokenSet, error)
}

// Revoker ends the provider-side session for a refresh token.
type Revoker interface {
	Revoke(ctx context.Context, refreshToken string) error
}

// SignInOptions tune the authorize request.
type SignInOptions struct {
	// IdentityProvider selects a federated provider (for example "Google"). Optional.
	IdentityProvider string
	// ScreenHint is "signin" or "signup". Optional.
	ScreenHint string
}

// ProviderConfig describes the identity provider and this client's registration.
type ProviderConfig struct {
	ClientID       string   `json:"clientId" yaml:"client_id"`
	ClientSecret   string   `json:"clientSecret,omitempty" yaml:"client_secret,omitempty"`
	AuthURL        string   `json:"authUrl" yaml:"auth_url"`
	TokenURL       string   `json:"tokenUrl" yaml:"token_url"`
	RevokeURL      string   `json:"revokeUrl,omitempty" yaml:"revoke_url,omitempty"`
	RedirectURI    string   `json:"redirectUri" yaml:"redirect_uri"`
	CallbackScheme string   `json:"callbackScheme,omitempty" yaml:"callback_scheme,omitempty"`
	Scopes         []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// OAuth2Config returns the golang.org/x/oauth2 configuration for the provider. Client
// credentials are always sent in the request body.
func (c ProviderConfig) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: c.RedirectURI,
		Scopes:      c.Scopes,
	}
}
