package helpdeskauth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/auth"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/metrics"
	"github.com/d-kuro/helpdeskauth/pkg/recovery"
	"github.com/d-kuro/helpdeskauth/pkg/storage"
)

// OpLoadConfig is the operation id used for configuration errors.
const OpLoadConfig = "load_config"

// StorageBackend selects where the session is persisted.
type StorageBackend string

const (
	StorageKeyring StorageBackend = "keyring"
	StorageRedis   StorageBackend = "redis"
	StorageMemory  StorageBackend = "memory"
)

// Config holds all configuration options for the client.
type Config struct {
	// Identity provider
	Provider auth.ProviderConfig `json:"provider" yaml:"provider"`

	// HTTP
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	UserAgent string        `json:"userAgent,omitempty" yaml:"user_agent,omitempty"`

	Storage StorageConfig    `json:"storage" yaml:"storage"`
	Retry   RetryConfig      `json:"retry" yaml:"retry"`
	Log     events.LogConfig `json:"log" yaml:"log"`

	MetricsEnabled bool `json:"metricsEnabled,omitempty" yaml:"metrics_enabled,omitempty"`

	// Runtime dependencies, never serialized
	CredentialStore storage.CredentialStore `json:"-" yaml:"-"`
	Logger          *zap.Logger             `json:"-" yaml:"-"`
	Metrics         metrics.Recorder        `json:"-" yaml:"-"`
	Presenter       auth.Presenter          `json:"-" yaml:"-"`
}

// StorageConfig configures session persistence.
type StorageConfig struct {
	Backend       StorageBackend `json:"backend,omitempty" yaml:"backend,omitempty"`
	RedisAddr     string         `json:"redisAddr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string         `json:"redisPassword,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int            `json:"redisDb,omitempty" yaml:"redis_db,omitempty"`
	SessionID     string         `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	TTL           time.Duration  `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// RetryConfig configures the retry orchestrator and the recovery backoff.
type RetryConfig struct {
	MaxAttempts int           `json:"maxAttempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay   time.Duration `json:"baseDelay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"maxDelay,omitempty" yaml:"max_delay,omitempty"`
}

// ConfigOption defines a functional option for configuring the Config.
type ConfigOption func(*Config)

// WithProvider replaces the identity provider settings.
func WithProvider(p auth.ProviderConfig) ConfigOption {
	return func(c *Config) {
		c.Provider = p
	}
}

// WithClientID sets the public client id.
func WithClientID(id string) ConfigOption {
	return func(c *Config) {
		c.Provider.ClientID = id
	}
}

// WithIssuer derives the authorize, token and revocation endpoints from the provider
// base URL.
func WithIssuer(issuer string) ConfigOption {
	return func(c *Config) {
		setIssuer(&c.Provider, issuer)
	}
}

// WithCredentialStore sets a custom credential store. It takes precedence over the
// configured storage backend.
func WithCredentialStore(store storage.CredentialStore) ConfigOption {
	return func(c *Config) {
		c.CredentialStore = store
	}
}

// WithStorageBackend selects the storage backend.
func WithStorageBackend(b StorageBackend) ConfigOption {
	return func(c *Config) {
		c.Storage.Backend = b
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxAttempts sets the total attempt budget for refreshes.
func WithMaxAttempts(n int) ConfigOption {
	return func(c *Config) {
		c.Retry.MaxAttempts = n
	}
}

// WithLogger sets the zap logger used for structured events.
func WithLogger(l *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) ConfigOption {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithPresenter sets how the authorize URL is shown to the user.
func WithPresenter(p auth.Presenter) ConfigOption {
	return func(c *Config) {
		c.Presenter = p
	}
}

// NewConfig creates a new configuration with the provided options applied over the
// defaults. The defaults have no client id or issuer; those always come from the
// deployment.
func NewConfig(opts ...ConfigOption) *Config {
	config := &Config{
		Provider: auth.ProviderConfig{
			RedirectURI:    constants.DefaultRedirectURI,
			CallbackScheme: constants.DefaultCallbackScheme,
			Scopes:         append([]string(nil), constants.DefaultScopes...),
		},
		Timeout:   constants.DefaultHTTPTimeout,
		UserAgent: constants.DefaultUserAgent,
		Storage: StorageConfig{
			Backend:   StorageKeyring,
			SessionID: constants.SessionKey,
		},
		Retry: RetryConfig{
			MaxAttempts: constants.DefaultMaxRetries,
			BaseDelay:   constants.DefaultBaseDelay,
			MaxDelay:    constants.DefaultMaxDelay,
		},
		Log: events.DefaultLogConfig(),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

// Validate ensures the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.Provider.ClientID == "" {
		return &ConfigError{Field: "Provider.ClientID", Message: constants.ValidationErrorEmpty, Kind: apperrors.KindConfigMissingKeys}
	}
	if c.Provider.AuthURL == "" {
		return &ConfigError{Field: "Provider.AuthURL", Message: constants.ValidationErrorEmpty, Kind: apperrors.KindConfigMissingKeys}
	}
	if c.Provider.TokenURL == "" {
		return &ConfigError{Field: "Provider.TokenURL", Message: constants.ValidationErrorEmpty, Kind: apperrors.KindConfigMissingKeys}
	}
	if c.Provider.RedirectURI == "" {
		return &ConfigError{Field: "Provider.RedirectURI", Message: constants.ValidationErrorEmpty, Kind: apperrors.KindConfigMissingKeys}
	}
	if c.Retry.MaxAttempts < 1 {
		return &ConfigError{Field: "Retry.MaxAttempts", Message: constants.ValidationErrorInvalid, Kind: apperrors.KindConfigInvalidFormat}
	}
	if c.CredentialStore != nil {
		return nil
	}
	switch c.Storage.Backend {
	case StorageKeyring, StorageMemory:
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return &ConfigError{Field: "Storage.RedisAddr", Message: constants.ValidationErrorRequired, Kind: apperrors.KindConfigMissingKeys}
		}
	default:
		return &ConfigError{Field: "Storage.Backend", Message: constants.ValidationErrorInvalid, Kind: apperrors.KindConfigInvalidFormat}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
	Kind    apperrors.Kind
}

func (e *ConfigError) Error() string {
	return constants.ConfigErrorPrefix + e.Field + ": " + e.Message
}

// Unwrap exposes the error kind to the classifier.
func (e *ConfigError) Unwrap() error {
	kind := e.Kind
	if kind == "" {
		kind = apperrors.KindConfigInvalidFormat
	}
	return &apperrors.Error{Op: OpLoadConfig, Kind: kind}
}

// LoadConfigFile reads a YAML configuration file over the defaults and
// validates the result.
func LoadConfigFile(path string) (*Config, error) {
	config, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(err, OpLoadConfig, apperrors.KindConfigFileNotFound, "config file "+path+" not found")
		}
		return nil, apperrors.Wrap(err, OpLoadConfig, apperrors.KindConfigFileNotFound, "failed to read config file "+path)
	}

	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, apperrors.Wrap(err, OpLoadConfig, apperrors.KindConfigInvalidFormat, "failed to parse config file "+path)
	}
	return config, nil
}

// ApplyEnv overrides config fields from HELPDESK_AUTH_* environment variables.
func ApplyEnv(config *Config) error {
	return applyEnv(config, os.LookupEnv)
}

func applyEnv(config *Config, lookup func(string) (string, bool)) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(constants.EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := env("ISSUER"); ok {
		setIssuer(&config.Provider, v)
	}
	strs := []struct {
		name string
		dst  *string
	}{
		{"CLIENT_ID", &config.Provider.ClientID},
		{"CLIENT_SECRET", &config.Provider.ClientSecret},
		{"AUTH_URL", &config.Provider.AuthURL},
		{"TOKEN_URL", &config.Provider.TokenURL},
		{"REVOKE_URL", &config.Provider.RevokeURL},
		{"REDIRECT_URI", &config.Provider.RedirectURI},
		{"REDIS_ADDR", &config.Storage.RedisAddr},
		{"REDIS_PASSWORD", &config.Storage.RedisPassword},
		{"LOG_LEVEL", &config.Log.Level},
		{"LOG_ENV", &config.Log.Environment},
	}
	for _, s := range strs {
		if v, ok := env(s.name); ok {
			*s.dst = v
		}
	}

	if v, ok := env("SCOPES"); ok {
		config.Provider.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	if v, ok := env("STORAGE"); ok {
		config.Storage.Backend = StorageBackend(v)
	}
	if v, ok := env("MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: constants.EnvPrefix + "MAX_ATTEMPTS", Message: constants.ValidationErrorInvalid, Kind: apperrors.KindConfigInvalidFormat}
		}
		config.Retry.MaxAttempts = n
	}
	if v, ok := env("TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: constants.EnvPrefix + "TIMEOUT", Message: constants.ValidationErrorInvalid, Kind: apperrors.KindConfigInvalidFormat}
		}
		config.Timeout = d
	}
	return nil
}

func setIssuer(p *auth.ProviderConfig, issuer string) {
	base := strings.TrimRight(issuer, "/")
	p.AuthURL = base + constants.DefaultAuthorizePath
	p.TokenURL = base + constants.DefaultTokenPath
	p.RevokeURL = base + constants.DefaultRevokePath
}

// ConfigSource produces a validated configuration.
type ConfigSource interface {
	Name() string
	Load(ctx context.Context) (*Config, error)
}

// FileSource loads a configuration file and applies the environment on top.
type FileSource string

func (f FileSource) Name() string { return "file:" + string(f) }

func (f FileSource) Load(context.Context) (*Config, error) {
	config, err := readConfigFile(string(f))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// EnvSource builds a configuration from the defaults and the environment only.
type EnvSource struct{}

func (EnvSource) Name() string { return "env" }

func (EnvSource) Load(context.Context) (*Config, error) {
	config := NewConfig()
	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// StaticSource returns a fixed configuration.
type StaticSource struct {
	Config *Config
}

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Load(context.Context) (*Config, error) {
	if s.Config == nil {
		return nil, &ConfigError{Field: "Config", Message: constants.ValidationErrorRequired, Kind: apperrors.KindConfigMissingKeys}
	}
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	return s.Config, nil
}

// ResolveConfig loads the first source. When it fails, the failure is classified and
// handed to the recovery engine, which falls through the remaining sources in order.
// If none of them yields a valid configuration, ResolveConfig returns the defaults
// together with the *recovery.OutcomeError describing the fallback.
func ResolveConfig(ctx context.Context, engine *recovery.Engine, sources ...ConfigSource) (*Config, error) {
	if engine == nil {
		engine = recovery.NewEngine()
	}
	if len(sources) == 0 {
		sources = []ConfigSource{EnvSource{}}
	}

	config, err := sources[0].Load(ctx)
	if err == nil {
		return config, nil
	}

	actions := &configActions{sources: sources[1:]}
	out := engine.Recover(ctx, classify.Classify(err), recovery.OperationContext{OperationID: OpLoadConfig}, actions)
	if out.Kind == recovery.OutcomeRecovered && actions.loaded != nil {
		return actions.loaded, nil
	}
	if out.Kind == recovery.OutcomeRecovered {
		out = recovery.Failed(fmt.Sprintf("no usable configuration: %v", err), out.Cause)
	}
	return NewConfig(), out.Err()
}

// configActions lets the recovery engine switch to the next configuration source.
type configActions struct {
	recovery.NopActions
	sources []ConfigSource
	loaded  *Config
}

func (a *configActions) ReloadConfig(ctx context.Context) error {
	var errs []error
	for _, src := range a.sources {
		config, err := src.Load(ctx)
		if err == nil {
			a.loaded = config
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	if len(errs) == 0 {
		return recovery.ErrActionUnavailable
	}
	return errors.Join(errs...)
}
