package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/pkce"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// FlowState is the state of an interactive sign-in.
type FlowState int

const (
	StateIdle FlowState = iota
	StateAwaitingUserInteraction
	StateExchangingCode
	StateComplete
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUserInteraction:
		return "awaiting_user_interaction"
	case StateExchangingCode:
		return "exchanging_code"
	case StateComplete:
		return "complete"
	default:
		return "failed"
	}
}

// FlowExecutor runs the Authorization Code flow with PKCE. It never touches the token
// cache and never retries; the returned set is installed by the caller.
type FlowExecutor struct {
	provider   ProviderConfig
	config     *oauth2.Config
	presenter  Presenter
	httpClient *http.Client

	newPair  func() pkce.Pair
	newState func() string

	mu    sync.Mutex
	state FlowState
}

// FlowOption configures a FlowExecutor.
type FlowOption func(*FlowExecutor)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) FlowOption {
	return func(f *FlowExecutor) {
		f.httpClient = c
	}
}

// WithPKCEGenerator replaces the PKCE pair generator (for testing).
func WithPKCEGenerator(gen func() pkce.Pair) FlowOption {
	return func(f *FlowExecutor) {
		f.newPair = gen
	}
}

// WithStateGenerator replaces the CSRF state generator (for testing).
func WithStateGenerator(gen func() string) FlowOption {
	return func(f *FlowExecutor) {
		f.newState = gen
	}
}

// NewFlowExecutor creates a FlowExecutor.
func NewFlowExecutor(provider ProviderConfig, presenter Presenter, opts ...FlowOption) *FlowExecutor {
	if provider.CallbackScheme == "" {
		provider.CallbackScheme = constants.DefaultCallbackScheme
	}
	f := &FlowExecutor{
		provider:   provider,
		config:     provider.OAuth2Config(),
		presenter:  presenter,
		httpClient: &http.Client{Timeout: constants.DefaultHTTPTimeout},
		newPair:    pkce.Generate,
		newState:   pkce.State,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the current flow state.
func (f *FlowExecutor) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FlowExecutor) setState(s FlowState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// AuthorizeURL builds the authorize endpoint URL for one attempt.
func (f *FlowExecutor) AuthorizeURL(pair pkce.Pair, state string, opts SignInOptions) string {
	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", constants.CodeChallengeMethod),
	}
	if opts.ScreenHint != "" {
		params = append(params, oauth2.SetAuthURLParam("screen_hint", opts.ScreenHint))
	}
	if opts.IdentityProvider != "" {
		params = append(params, oauth2.SetAuthURLParam("identity_provider", opts.IdentityProvider))
	}
	return f.config.AuthCodeURL(state, params...)
}

// StartSignIn runs one complete sign-in attempt.
func (f *FlowExecutor) StartSignIn(ctx context.Context, opts SignInOptions) (tokens.TokenSet, error) {
	if opts.ScreenHint != "" && opts.ScreenHint != constants.ScreenHintSignIn && opts.ScreenHint != constants.ScreenHintSignUp {
		return tokens.TokenSet{}, fmt.Errorf("invalid screen hint %q", opts.ScreenHint)
	}

	pair := f.newPair()
	state := f.newState()
	authorizeURL := f.AuthorizeURL(pair, state, opts)

	f.setState(StateAwaitingUserInteraction)
	redirect, err := f.presenter.PresentAuthSession(ctx, authorizeURL, f.provider.CallbackScheme)
	if err != nil {
		return f.fail(presentError(err))
	}

	code, err := parseRedirect(redirect, state)
	if err != nil {
		return f.fail(err)
	}

	f.setState(StateExchangingCode)
	set, err := f.exchange(ctx, code, pair.Verifier)
	if err != nil {
		return f.fail(err)
	}

	f.setState(StateComplete)
	return set, nil
}

func (f *FlowExecutor) fail(err error) (tokens.TokenSet, error) {
	f.setState(StateFailed)
	return tokens.TokenSet{}, err
}

func presentError(err error) error {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperrors.Wrap(err, "present_auth_session", apperrors.KindUserCancelled, "authentication session did not complete")
}

// parseRedirect extracts the authorization code from the redirect URL.
func parseRedirect(raw, state string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", apperrors.Wrap(err, "parse_redirect", apperrors.KindMissingCode, "redirect URL is invalid")
	}
	query := u.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		kind := apperrors.KindMissingCode
		if providerErr == "access_denied" {
			kind = apperrors.KindUserCancelled
		}
		msg := query.Get("error_description")
		if msg == "" {
			msg = "provider returned an error"
		}
		return "", &apperrors.Error{Op: "parse_redirect", Kind: kind, Code: providerErr, Message: msg}
	}

	code := query.Get("code")
	if code == "" {
		return "", apperrors.New("parse_redirect", apperrors.KindMissingCode, "redirect has no code")
	}
	if query.Get("state") != state {
		return "", apperrors.New("parse_redirect", apperrors.KindStateMismatch, "state mismatch, possible CSRF attack")
	}
	return code, nil
}

func (f *FlowExecutor) exchange(ctx context.Context, code, verifier string) (tokens.TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)

	tok, err := f.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return tokens.TokenSet{}, tokenEndpointError("exchange_code", apperrors.KindTokenExchangeFailed, err)
	}
	return tokenSetFrom("exchange_code", tok, "")
}

// OAuth2Refresher refreshes tokens with the refresh_token grant.
type OAuth2Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuth2Refresher creates a refresher for the provider. A nil client uses a client
// with the default timeout.
func NewOAuth2Refresher(provider ProviderConfig, httpClient *http.Client) *OAuth2Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	return &OAuth2Refresher{
		config:     provider.OAuth2Config(),
		httpClient: httpClient,
	}
}

// Refresh implements Refresher.
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (tokens.TokenSet, error) {
	if refreshToken == "" {
		return tokens.TokenSet{}, apperrors.New("refresh_token", apperrors.KindNoRefreshToken, "no refresh token available")
	}

	ctx, cancel := context.WithTimeout(ctx, constants.TokenRefreshTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return tokens.TokenSet{}, tokenEndpointError("refresh_token", apperrors.KindTokenProviderUnavailable, err)
	}
	return tokenSetFrom("refresh_token", tok, refreshToken)
}

// tokenEndpointError attaches a kind to a token endpoint failure. Transport failures
// are returned unchanged (wrapped with the operation) so the classifier sees the
// network error; fallback is used for responses that could not be understood.
func tokenEndpointError(op string, fallback apperrors.Kind, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		contentType := ""
		if re.Response != nil {
			status = re.Response.StatusCode
			contentType = re.Response.Header.Get("Content-Type")
		}
		msg := fmt.Sprintf("token endpoint returned %d", status)
		if summary := summarizeBody(re.Body, contentType); summary != "" {
			msg += ": " + summary
		}
		return &apperrors.Error{
			Op:      op,
			Kind:    classify.KindFromRetrieveError(re),
			Code:    re.ErrorCode,
			Message: msg,
			Err:     err,
		}
	}

	if isTransportError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperrors.Wrap(err, op, fallback, "unexpected token endpoint response")
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr)
}

// tokenSetFrom decodes the provider's tokens. previousRefresh is kept when the
// response carries no new refresh token.
func tokenSetFrom(op string, tok *oauth2.Token, previousRefresh string) (tokens.TokenSet, error) {
	idToken, _ := tok.Extra("id_token").(string)
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}

	set, err := tokens.NewTokenSet(tok.AccessToken, idToken, refresh)
	if err != nil {
		return tokens.TokenSet{}, apperrors.Wrap(err, op, apperrors.KindTokenValidationFailed, "provider returned an undecodable token")
	}
	return set, nil
}
