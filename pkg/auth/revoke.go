package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/d-kuro/helpdeskauth/pkg/constants"
)

// HTTPRevoker revokes refresh tokens at an RFC 7009 revocation endpoint.
type HTTPRevoker struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewHTTPRevoker creates a revoker for the provider. A provider without a revocation
// endpoint yields a revoker that does nothing.
func NewHTTPRevoker(provider ProviderConfig, httpClient *http.Client) *HTTPRevoker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	return &HTTPRevoker{
		endpoint:     provider.RevokeURL,
		clientID:     provider.ClientID,
		clientSecret: provider.ClientSecret,
		httpClient:   httpClient,
	}
}

// Revoke implements Revoker.
func (r *HTTPRevoker) Revoke(ctx context.Context, refreshToken string) error {
	if r.endpoint == "" || refreshToken == "" {
		return nil
	}

	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {r.clientID},
	}
	if r.clientSecret != "" {
		form.Set("client_secret", r.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", constants.ContentTypeForm)
	req.Header.Set("User-Agent", constants.DefaultUserAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, constants.MaxTokenResponseSize))
		msg := summarizeBody(body, resp.Header.Get("Content-Type"))
		return fmt.Errorf("revocation endpoint returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
