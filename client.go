// Package helpdeskauth provides the sign-in, token and session lifecycle for the
// family-helpdesk client applications.
//
// Example usage:
//
//	client, err := helpdeskauth.NewClient(
//		helpdeskauth.WithIssuer("https://auth.example.com"),
//		helpdeskauth.WithClientID("helpdesk-desktop"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Restore(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if client.State().Status != session.StatusAuthenticated {
//		if err := client.SignIn(ctx, auth.SignInOptions{}); err != nil {
//			log.Fatal(err)
//		}
//	}
//
//	resp, err := client.API().Do(req)
package helpdeskauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d-kuro/helpdeskauth/pkg/auth"
	"github.com/d-kuro/helpdeskauth/pkg/browser"
	"github.com/d-kuro/helpdeskauth/pkg/cache"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/metrics"
	"github.com/d-kuro/helpdeskauth/pkg/recovery"
	"github.com/d-kuro/helpdeskauth/pkg/retry"
	"github.com/d-kuro/helpdeskauth/pkg/session"
	"github.com/d-kuro/helpdeskauth/pkg/storage"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// defaultRecorder registers with the default Prometheus registry once per process.
var defaultRecorder = sync.OnceValue(func() metrics.Recorder {
	return metrics.NewPrometheusRecorder()
})

// Client wires the credential store, token cache, authorization flow and session
// manager together.
type Client struct {
	config  *Config
	logger  *zap.Logger
	ownLog  bool
	events  events.Logger
	store   storage.CredentialStore
	flow    *auth.FlowExecutor
	session *session.Manager
	api     *APIClient
	redis   *redis.Client
}

// NewClient creates a new client with the provided configuration options.
func NewClient(opts ...ConfigOption) (*Client, error) {
	return NewClientFromConfig(NewConfig(opts...))
}

// NewClientFromConfig creates a client from a complete configuration.
func NewClientFromConfig(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{config: config}

	c.logger = config.Logger
	if c.logger == nil {
		c.logger = events.NewLogger(config.Log)
		c.ownLog = true
	}
	c.events = events.NewZapLogger(c.logger)

	recorder := config.Metrics
	if recorder == nil {
		if config.MetricsEnabled {
			recorder = defaultRecorder()
		} else {
			recorder = metrics.NewNoopRecorder()
		}
	}

	store, err := c.credentialStore()
	if err != nil {
		return nil, err
	}
	c.store = store

	presenter := config.Presenter
	if presenter == nil {
		presenter = browser.NewLoopbackPresenter()
	}

	httpClient := NewHTTPClient(&HTTPClientConfig{Timeout: config.Timeout, UserAgent: config.UserAgent})

	c.flow = auth.NewFlowExecutor(config.Provider, presenter, auth.WithHTTPClient(httpClient))
	c.session = session.NewManager(
		cache.New(store),
		session.WithRefresher(auth.NewOAuth2Refresher(config.Provider, httpClient)),
		session.WithRevoker(auth.NewHTTPRevoker(config.Provider, httpClient)),
		session.WithSignInFlow(c.flow),
		session.WithEvents(c.events),
		session.WithMetrics(recorder),
		session.WithMaxAttempts(config.Retry.MaxAttempts),
		session.WithRetryOptions(
			retry.WithBaseDelay(config.Retry.BaseDelay),
			retry.WithMaxDelay(config.Retry.MaxDelay),
		),
		session.WithRecoveryOptions(
			recovery.WithBackoff(config.Retry.BaseDelay, config.Retry.MaxDelay),
		),
	)
	c.api = NewAPIClient(c.session, WithAPIEvents(c.events))

	return c, nil
}

func (c *Client) credentialStore() (storage.CredentialStore, error) {
	if c.config.CredentialStore != nil {
		return c.config.CredentialStore, nil
	}

	switch c.config.Storage.Backend {
	case StorageMemory:
		return storage.NewMemoryStore(), nil
	case StorageRedis:
		c.redis = redis.NewClient(&redis.Options{
			Addr:     c.config.Storage.RedisAddr,
			Password: c.config.Storage.RedisPassword,
			DB:       c.config.Storage.RedisDB,
		})
		return storage.NewRedisStore(c.redis, c.config.Storage.SessionID, c.config.Storage.TTL), nil
	case StorageKeyring, "":
		return storage.NewKeyringStore(constants.KeyringService, c.config.Storage.SessionID), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.config.Storage.Backend)
	}
}

// Restore loads the persisted session, if any.
func (c *Client) Restore(ctx context.Context) error {
	return c.session.Restore(ctx)
}

// SignIn runs the interactive sign-in flow.
func (c *Client) SignIn(ctx context.Context, opts auth.SignInOptions) error {
	return c.session.SignIn(ctx, opts)
}

// SignOut ends the session.
func (c *Client) SignOut(ctx context.Context) error {
	return c.session.SignOut(ctx)
}

// IDToken returns a valid ID token.
func (c *Client) IDToken(ctx context.Context, forceRefresh bool) (tokens.Token, error) {
	return c.session.GetIDToken(ctx, forceRefresh)
}

// AccessToken returns a valid access token.
func (c *Client) AccessToken(ctx context.Context, forceRefresh bool) (tokens.Token, error) {
	return c.session.GetAccessToken(ctx, forceRefresh)
}

// State returns the current session state.
func (c *Client) State() session.State {
	return c.session.State()
}

// Subscribe returns a channel of session state changes.
func (c *Client) Subscribe() (<-chan session.State, func()) {
	return c.session.Subscribe()
}

// Session returns the underlying session manager.
func (c *Client) Session() *session.Manager {
	return c.session
}

// FlowState returns the state of the authorization flow.
func (c *Client) FlowState() auth.FlowState {
	return c.flow.State()
}

// API returns the bearer-injecting client for helpdesk backend calls.
func (c *Client) API() *APIClient {
	return c.api
}

// HTTPClient returns an *http.Client whose requests go through API.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: apiTransport{c.api}}
}

// StorageLocation describes where the session is persisted.
func (c *Client) StorageLocation() string {
	return c.store.Location()
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// Close releases the Redis connection, if any, and flushes the logger the client
// created. A logger passed through WithLogger is left to its owner.
func (c *Client) Close() error {
	if c.ownLog {
		_ = c.logger.Sync()
	}
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

type apiTransport struct {
	api *APIClient
}

func (t apiTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.api.Do(req)
}
