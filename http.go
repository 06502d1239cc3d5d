package helpdeskauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// OpAPIRequest is the operation id used for events emitted by APIClient.
const OpAPIRequest = "api_request"

// ClientPool manages a pool of reusable HTTP clients for different configurations.
type ClientPool struct {
	clients map[string]*http.Client
	mutex   sync.RWMutex
}

// Global client pool for efficient HTTP client reuse
var globalClientPool = &ClientPool{
	clients: make(map[string]*http.Client),
}

// HTTPClientConfig contains configuration for the identity-provider HTTP client.
type HTTPClientConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// DefaultHTTPClientConfig returns a default HTTP client configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:   constants.DefaultHTTPTimeout,
		UserAgent: constants.DefaultUserAgent,
	}
}

// getOrCreateClient retrieves or creates an HTTP client from the pool.
func (cp *ClientPool) getOrCreateClient(config *HTTPClientConfig) *http.Client {
	key := cp.configKey(config)

	cp.mutex.RLock()
	if client, exists := cp.clients[key]; exists {
		cp.mutex.RUnlock()
		return client
	}
	cp.mutex.RUnlock()

	cp.mutex.Lock()
	defer cp.mutex.Unlock()

	// Double-check after acquiring write lock
	if client, exists := cp.clients[key]; exists {
		return client
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        constants.MaxIdleConns,
		MaxIdleConnsPerHost: constants.MaxIdleConnsPerHost,
		MaxConnsPerHost:     constants.MaxConnsPerHost,
		IdleConnTimeout:     constants.IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   constants.DefaultDialerTimeout,
			KeepAlive: constants.KeepAliveTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.ResponseHeaderTimeout,
		ExpectContinueTimeout: constants.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: &userAgentTransport{base: transport, userAgent: config.UserAgent},
		// Identity-provider endpoints are never followed across redirects.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	cp.clients[key] = client
	return client
}

// configKey generates a unique key for the client configuration.
func (cp *ClientPool) configKey(config *HTTPClientConfig) string {
	return fmt.Sprintf("%v_%s", config.Timeout, config.UserAgent)
}

// NewHTTPClient returns a pooled client for identity-provider calls.
func NewHTTPClient(config *HTTPClientConfig) *http.Client {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	return globalClientPool.getOrCreateClient(config)
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent == "" || req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(r)
}

// AccessTokenSource supplies access tokens. *session.Manager implements it.
type AccessTokenSource interface {
	GetAccessToken(ctx context.Context, forceRefresh bool) (tokens.Token, error)
}

// APIClient sends requests to the helpdesk backend with an
// "Authorization: Bearer <access token>" header. A 401 response triggers one forced
// refresh and one resend.
type APIClient struct {
	tokens AccessTokenSource
	client *http.Client
	events events.Logger
}

// APIClientOption configures an APIClient.
type APIClientOption func(*APIClient)

// WithAPIHTTPClient sets the HTTP client used for backend calls.
func WithAPIHTTPClient(c *http.Client) APIClientOption {
	return func(a *APIClient) {
		a.client = c
	}
}

// WithAPIEvents sets the structured event logger.
func WithAPIEvents(l events.Logger) APIClientOption {
	return func(a *APIClient) {
		a.events = l
	}
}

// NewAPIClient creates an APIClient that takes its tokens from src.
func NewAPIClient(src AccessTokenSource, opts ...APIClientOption) *APIClient {
	a := &APIClient{
		tokens: src,
		client: http.DefaultClient,
		events: events.Nop{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ErrBodyNotReplayable is returned when a request must be resent after a 401 but its
// body cannot be read a second time.
var ErrBodyNotReplayable = errors.New("request body cannot be replayed")

// Do sends req with a bearer token. Token failures are returned as produced by the
// token source, so *recovery.OutcomeError values reach the caller unchanged.
func (a *APIClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	tok, err := a.tokens.GetAccessToken(ctx, false)
	if err != nil {
		return nil, err
	}

	resp, err := a.send(req, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, constants.MaxTokenResponseSize))
	_ = resp.Body.Close()

	a.events.LogEvent(events.CategoryAPI, map[string]any{
		"operation": OpAPIRequest,
		"action":    "refresh_after_unauthorized",
		"method":    req.Method,
		"path":      req.URL.Path,
	})

	tok, err = a.tokens.GetAccessToken(ctx, true)
	if err != nil {
		return nil, err
	}
	return a.send(req, tok)
}

func (a *APIClient) send(req *http.Request, tok tokens.Token) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBodyNotReplayable, err)
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+tok.Raw)

	resp, err := a.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}
