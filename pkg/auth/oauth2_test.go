package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/d-kuro/helpdeskauth/internal/testutil"
	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/pkce"
	"github.com/d-kuro/helpdeskauth/pkg/recovery"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

const testRedirectURI = "http://127.0.0.1:53682/callback"

var fixedPair = pkce.Pair{Verifier: "test-verifier", Challenge: pkce.Challenge("test-verifier")}

func testProvider(tokenURL string) ProviderConfig {
	return ProviderConfig{
		ClientID:    "helpdesk-client",
		AuthURL:     "https://idp.example.com/oauth2/authorize",
		TokenURL:    tokenURL,
		RedirectURI: testRedirectURI,
		Scopes:      []string{"openid", "email", "profile"},
	}
}

// redirectingPresenter plays the provider's authorize page: it echoes the state back
// with the given code.
func redirectingPresenter(code string) Presenter {
	return PresenterFunc(func(ctx context.Context, authorizeURL, scheme string) (string, error) {
		u, err := url.Parse(authorizeURL)
		if err != nil {
			return "", err
		}
		q := url.Values{"code": {code}, "state": {u.Query().Get("state")}}
		return testRedirectURI + "?" + q.Encode(), nil
	})
}

func writeTokenResponse(t *testing.T, w http.ResponseWriter, body map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("failed to write token response: %v", err)
	}
}

func TestAuthorizeURL(t *testing.T) {
	f := NewFlowExecutor(testProvider("https://idp.example.com/oauth2/token"), nil)

	tests := []struct {
		name string
		opts SignInOptions
		hint string
		idp  string
	}{
		{name: "no options"},
		{name: "sign up with google", opts: SignInOptions{ScreenHint: "signup", IdentityProvider: "Google"}, hint: "signup", idp: "Google"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(f.AuthorizeURL(fixedPair, "state-1", tt.opts))
			if err != nil {
				t.Fatal(err)
			}
			q := u.Query()

			want := map[string]string{
				"client_id":             "helpdesk-client",
				"response_type":         "code",
				"redirect_uri":          testRedirectURI,
				"scope":                 "openid email profile",
				"code_challenge":        fixedPair.Challenge,
				"code_challenge_method": "S256",
				"state":                 "state-1",
				"screen_hint":           tt.hint,
				"identity_provider":     tt.idp,
			}
			for k, v := range want {
				if got := q.Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}
			if tt.hint == "" && q.Has("screen_hint") {
				t.Error("screen_hint must be omitted when empty")
			}
		})
	}
}

func TestStartSignIn(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	access := testutil.MintToken(t, tokens.UseAccess, "user-1", exp)
	id := testutil.MintToken(t, tokens.UseID, "user-1", exp)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
			return
		}
		want := map[string]string{
			"grant_type":    "authorization_code",
			"client_id":     "helpdesk-client",
			"code":          "auth-code",
			"redirect_uri":  testRedirectURI,
			"code_verifier": fixedPair.Verifier,
		}
		for k, v := range want {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("form %s = %q, want %q", k, got, v)
			}
		}
		writeTokenResponse(t, w, map[string]any{
			"access_token":  access,
			"id_token":      id,
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	f := NewFlowExecutor(testProvider(server.URL), redirectingPresenter("auth-code"),
		WithPKCEGenerator(func() pkce.Pair { return fixedPair }))

	set, err := f.StartSignIn(context.Background(), SignInOptions{ScreenHint: "signin"})
	if err != nil {
		t.Fatalf("StartSignIn() error = %v", err)
	}
	if set.AccessToken.Raw != access || set.IDToken == nil || set.IDToken.Raw != id {
		t.Error("expected issued tokens to be returned")
	}
	if set.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q", set.RefreshToken)
	}
	if set.Subject() != "user-1" || set.AccessToken.Claims.ExpiresAt != exp.Unix() {
		t.Errorf("claims not decoded: %v", set.AccessToken)
	}
	if f.State() != StateComplete {
		t.Errorf("State() = %s", f.State())
	}
}

// Scenario: the token endpoint rejects the code with invalid_grant.
func TestStartSignInInvalidGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	f := NewFlowExecutor(testProvider(server.URL), redirectingPresenter("stale-code"))
	_, err := f.StartSignIn(context.Background(), SignInOptions{})
	if err == nil {
		t.Fatal("expected error")
	}

	var ae *apperrors.Error
	if !errors.As(err, &ae) || ae.Code != "invalid_grant" {
		t.Fatalf("expected provider code to be recorded, got %v", err)
	}
	if !strings.Contains(ae.Message, "400") {
		t.Errorf("expected status in message, got %q", ae.Message)
	}

	ce := classify.Classify(err)
	if ce.Category != classify.CategoryAuthentication || !ce.Recoverable {
		t.Errorf("Classify() = %+v", ce)
	}

	out := recovery.NewEngine().Recover(context.Background(), ce, recovery.OperationContext{OperationID: "sign_in"}, nil)
	if out.Kind != recovery.OutcomeUserAction || out.UserAction != recovery.UserActionRetrySignIn {
		t.Errorf("Recover() = %s", out)
	}
	if f.State() != StateFailed {
		t.Errorf("State() = %s", f.State())
	}
}

func TestStartSignInTokenEndpointFailures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		kind        apperrors.Kind
		contains    string
	}{
		{
			name:        "server error",
			status:      http.StatusServiceUnavailable,
			contentType: "text/html",
			body:        "<html><head><title>x</title></head><body><h1>Service Unavailable</h1><script>var a;</script></body></html>",
			kind:        apperrors.KindTokenProviderUnavailable,
			contains:    "Service Unavailable",
		},
		{
			name:        "other client error",
			status:      http.StatusBadRequest,
			contentType: "application/json",
			body:        `{"error":"invalid_request","error_description":"code_verifier missing"}`,
			kind:        apperrors.KindTokenExchangeFailed,
			contains:    "invalid_request: code_verifier missing",
		},
		{
			name:        "invalid client",
			status:      http.StatusUnauthorized,
			contentType: "application/json",
			body:        `{"error":"invalid_client"}`,
			kind:        apperrors.KindInvalidCredentials,
			contains:    "invalid_client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			f := NewFlowExecutor(testProvider(server.URL), redirectingPresenter("code"))
			_, err := f.StartSignIn(context.Background(), SignInOptions{})

			var ae *apperrors.Error
			if !errors.As(err, &ae) {
				t.Fatalf("expected *apperrors.Error, got %v", err)
			}
			if ae.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", ae.Kind, tt.kind)
			}
			if !strings.Contains(ae.Message, tt.contains) {
				t.Errorf("Message = %q, want it to contain %q", ae.Message, tt.contains)
			}
			if strings.Contains(ae.Message, "var a") {
				t.Error("script content must not leak into the summary")
			}
		})
	}
}

func TestStartSignInUndecodableToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTokenResponse(t, w, map[string]any{"access_token": "opaque-access-token", "token_type": "Bearer"})
	}))
	defer server.Close()

	f := NewFlowExecutor(testProvider(server.URL), redirectingPresenter("code"))
	_, err := f.StartSignIn(context.Background(), SignInOptions{})
	if !errors.Is(err, apperrors.ErrTokenValidationFailed) {
		t.Errorf("err = %v, want token validation failure", err)
	}
}

func TestStartSignInRedirectErrors(t *testing.T) {
	tests := []struct {
		name      string
		presenter Presenter
		want      *apperrors.Error
	}{
		{
			name: "missing code",
			presenter: PresenterFunc(func(ctx context.Context, u, s string) (string, error) {
				return testRedirectURI + "?state=whatever", nil
			}),
			want: apperrors.ErrMissingCode,
		},
		{
			name: "state mismatch",
			presenter: PresenterFunc(func(ctx context.Context, u, s string) (string, error) {
				return testRedirectURI + "?code=abc&state=forged", nil
			}),
			want: apperrors.ErrStateMismatch,
		},
		{
			name: "access denied",
			presenter: PresenterFunc(func(ctx context.Context, u, s string) (string, error) {
				return testRedirectURI + "?error=access_denied", nil
			}),
			want: apperrors.ErrUserCancelled,
		},
		{
			name: "presenter cancelled",
			presenter: PresenterFunc(func(ctx context.Context, u, s string) (string, error) {
				return "", context.Canceled
			}),
			want: apperrors.ErrUserCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("token endpoint must not be called")
			}))
			defer server.Close()

			f := NewFlowExecutor(testProvider(server.URL), tt.presenter)
			_, err := f.StartSignIn(context.Background(), SignInOptions{})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want kind %s", err, tt.want.Kind)
			}
		})
	}
}

func TestStartSignInRejectsUnknownScreenHint(t *testing.T) {
	f := NewFlowExecutor(testProvider("http://unused"), redirectingPresenter("code"))
	if _, err := f.StartSignIn(context.Background(), SignInOptions{ScreenHint: "register"}); err == nil {
		t.Error("expected error for unknown screen hint")
	}
	if f.State() != StateIdle {
		t.Errorf("State() = %s, want idle", f.State())
	}
}

func TestRefresh(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	access := testutil.MintToken(t, tokens.UseAccess, "user-1", exp)
	id := testutil.MintToken(t, tokens.UseID, "user-1", exp)

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "refresh-1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("client_id") != "helpdesk-client" {
			t.Errorf("client_id = %q", r.PostForm.Get("client_id"))
		}
		writeTokenResponse(t, w, map[string]any{"access_token": access, "id_token": id, "token_type": "Bearer", "expires_in": 3600})
	}))
	defer server.Close()

	r := NewOAuth2Refresher(testProvider(server.URL), server.Client())
	set, err := r.Refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
	if set.RefreshToken != "refresh-1" {
		t.Errorf("expected unrotated refresh token to be kept, got %q", set.RefreshToken)
	}
	if set.IDToken == nil || set.IDToken.Raw != id {
		t.Error("expected id token")
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	r := NewOAuth2Refresher(testProvider("http://unused"), nil)
	if _, err := r.Refresh(context.Background(), ""); !errors.Is(err, apperrors.ErrNoRefreshToken) {
		t.Errorf("err = %v", err)
	}
}

func TestRefreshRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer server.Close()

	r := NewOAuth2Refresher(testProvider(server.URL), server.Client())
	_, err := r.Refresh(context.Background(), "refresh-1")
	if !errors.Is(err, apperrors.ErrInvalidCredentials) {
		t.Errorf("err = %v", err)
	}
}

func TestRefreshNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	r := NewOAuth2Refresher(testProvider(endpoint), nil)
	_, err := r.Refresh(context.Background(), "refresh-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if ce := classify.Classify(err); ce.Category != classify.CategoryNetwork {
		t.Errorf("Classify() = %+v, want network", ce)
	}
}
