package helpdeskauth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/recovery"
	"github.com/d-kuro/helpdeskauth/pkg/storage"
)

func validConfig(opts ...ConfigOption) *Config {
	base := []ConfigOption{
		WithIssuer("https://auth.example.com"),
		WithClientID("helpdesk-desktop"),
	}
	return NewConfig(append(base, opts...)...)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	config := NewConfig()

	if config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", config.Timeout)
	}
	if config.Storage.Backend != StorageKeyring {
		t.Errorf("Storage.Backend = %q", config.Storage.Backend)
	}
	if config.Storage.SessionID != "helpdesk.session" {
		t.Errorf("Storage.SessionID = %q", config.Storage.SessionID)
	}
	if config.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d", config.Retry.MaxAttempts)
	}
	if len(config.Provider.Scopes) == 0 || config.Provider.Scopes[0] != "openid" {
		t.Errorf("Provider.Scopes = %v", config.Provider.Scopes)
	}
	if config.CredentialStore != nil {
		t.Error("CredentialStore should only be set explicitly")
	}
}

func TestConfigOptions(t *testing.T) {
	store := storage.NewMemoryStore()
	config := NewConfig(
		WithIssuer("https://auth.example.com/"),
		WithClientID("client-1"),
		WithTimeout(45*time.Second),
		WithMaxAttempts(5),
		WithCredentialStore(store),
		WithStorageBackend(StorageMemory),
	)

	if config.Provider.AuthURL != "https://auth.example.com/oauth2/authorize" {
		t.Errorf("AuthURL = %q", config.Provider.AuthURL)
	}
	if config.Provider.TokenURL != "https://auth.example.com/oauth2/token" {
		t.Errorf("TokenURL = %q", config.Provider.TokenURL)
	}
	if config.Provider.RevokeURL != "https://auth.example.com/oauth2/revoke" {
		t.Errorf("RevokeURL = %q", config.Provider.RevokeURL)
	}
	if config.Provider.ClientID != "client-1" || config.Timeout != 45*time.Second || config.Retry.MaxAttempts != 5 {
		t.Errorf("options not applied: %+v", config)
	}
	if config.CredentialStore != store || config.Storage.Backend != StorageMemory {
		t.Error("storage options not applied")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name       string
		config     *Config
		errorField string
		kind       apperrors.Kind
	}{
		{
			name:   "valid config",
			config: validConfig(),
		},
		{
			name:       "missing client id",
			config:     NewConfig(WithIssuer("https://auth.example.com")),
			errorField: "Provider.ClientID",
			kind:       apperrors.KindConfigMissingKeys,
		},
		{
			name:       "missing endpoints",
			config:     NewConfig(WithClientID("client-1")),
			errorField: "Provider.AuthURL",
			kind:       apperrors.KindConfigMissingKeys,
		},
		{
			name:       "zero attempts",
			config:     validConfig(WithMaxAttempts(0)),
			errorField: "Retry.MaxAttempts",
			kind:       apperrors.KindConfigInvalidFormat,
		},
		{
			name:       "redis without address",
			config:     validConfig(WithStorageBackend(StorageRedis)),
			errorField: "Storage.RedisAddr",
			kind:       apperrors.KindConfigMissingKeys,
		},
		{
			name:       "unknown backend",
			config:     validConfig(WithStorageBackend("floppy")),
			errorField: "Storage.Backend",
			kind:       apperrors.KindConfigInvalidFormat,
		},
		{
			name:   "explicit store ignores backend",
			config: validConfig(WithStorageBackend("floppy"), WithCredentialStore(storage.NewMemoryStore())),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errorField == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}

			var configErr *ConfigError
			if !errors.As(err, &configErr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if configErr.Field != tt.errorField {
				t.Errorf("Field = %q, want %q", configErr.Field, tt.errorField)
			}
			if kind, _ := apperrors.KindOf(err); kind != tt.kind {
				t.Errorf("kind = %q, want %q", kind, tt.kind)
			}
			if ce := classify.Classify(err); ce.Category != classify.CategoryConfiguration {
				t.Errorf("Category = %q", ce.Category)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := writeFile(t, "config.yaml", `
provider:
  client_id: helpdesk-desktop
  auth_url: https://auth.example.com/oauth2/authorize
  token_url: https://auth.example.com/oauth2/token
  redirect_uri: http://127.0.0.1:53682/callback
timeout: 45s
storage:
  backend: memory
retry:
  max_attempts: 4
  base_delay: 250ms
log:
  level: debug
`)
		config, err := LoadConfigFile(path)
		if err != nil {
			t.Fatalf("LoadConfigFile() error = %v", err)
		}
		if config.Provider.ClientID != "helpdesk-desktop" {
			t.Errorf("ClientID = %q", config.Provider.ClientID)
		}
		if config.Timeout != 45*time.Second || config.Retry.BaseDelay != 250*time.Millisecond {
			t.Errorf("durations not decoded: %v %v", config.Timeout, config.Retry.BaseDelay)
		}
		if config.Retry.MaxAttempts != 4 || config.Storage.Backend != StorageMemory || config.Log.Level != "debug" {
			t.Errorf("config = %+v", config)
		}
		if config.Retry.MaxDelay != 8*time.Second {
			t.Error("unset fields must keep their defaults")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		if !errors.Is(err, apperrors.ErrConfigFileNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := LoadConfigFile(writeFile(t, "bad.yaml", "provider: [unterminated"))
		if !errors.Is(err, apperrors.ErrConfigInvalidFormat) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("missing keys", func(t *testing.T) {
		_, err := LoadConfigFile(writeFile(t, "empty.yaml", "timeout: 10s\n"))
		if !errors.Is(err, apperrors.ErrConfigMissingKeys) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HELPDESK_AUTH_ISSUER":       "https://id.example.org",
		"HELPDESK_AUTH_CLIENT_ID":    "from-env",
		"HELPDESK_AUTH_STORAGE":      "redis",
		"HELPDESK_AUTH_REDIS_ADDR":   "localhost:6379",
		"HELPDESK_AUTH_MAX_ATTEMPTS": "5",
		"HELPDESK_AUTH_SCOPES":       "openid, email",
		"HELPDESK_AUTH_TIMEOUT":      "10s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	config := NewConfig()
	if err := applyEnv(config, lookup); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}
	if config.Provider.ClientID != "from-env" || config.Provider.TokenURL != "https://id.example.org/oauth2/token" {
		t.Errorf("provider = %+v", config.Provider)
	}
	if config.Storage.Backend != StorageRedis || config.Storage.RedisAddr != "localhost:6379" {
		t.Errorf("storage = %+v", config.Storage)
	}
	if config.Retry.MaxAttempts != 5 || config.Timeout != 10*time.Second {
		t.Errorf("retry = %+v timeout = %v", config.Retry, config.Timeout)
	}
	if len(config.Provider.Scopes) != 2 || config.Provider.Scopes[1] != "email" {
		t.Errorf("scopes = %v", config.Provider.Scopes)
	}

	env["HELPDESK_AUTH_MAX_ATTEMPTS"] = "many"
	err := applyEnv(NewConfig(), lookup)
	if !errors.Is(err, apperrors.ErrConfigInvalidFormat) {
		t.Errorf("expected invalid format, got %v", err)
	}
}

type failingSource struct{ err error }

func (f failingSource) Name() string { return "failing" }

func (f failingSource) Load(context.Context) (*Config, error) { return nil, f.err }

func TestResolveConfig(t *testing.T) {
	ctx := context.Background()
	missing := FileSource(filepath.Join(t.TempDir(), "absent.yaml"))

	t.Run("first source wins", func(t *testing.T) {
		want := validConfig()
		got, err := ResolveConfig(ctx, nil, StaticSource{Config: want}, failingSource{errors.New("unused")})
		if err != nil || got != want {
			t.Fatalf("ResolveConfig() = %v, %v", got, err)
		}
	})

	t.Run("falls through to the next source", func(t *testing.T) {
		want := validConfig(WithClientID("fallback"))
		got, err := ResolveConfig(ctx, nil, missing, StaticSource{Config: want})
		if err != nil {
			t.Fatalf("ResolveConfig() error = %v", err)
		}
		if got.Provider.ClientID != "fallback" {
			t.Errorf("ClientID = %q", got.Provider.ClientID)
		}
	})

	t.Run("no usable source", func(t *testing.T) {
		got, err := ResolveConfig(ctx, nil, missing, StaticSource{})
		out, ok := recovery.OutcomeOf(err)
		if !ok || out.Kind != recovery.OutcomeFallback || out.Fallback != recovery.FallbackDefaultConfiguration {
			t.Fatalf("err = %v", err)
		}
		if !errors.Is(err, apperrors.ErrConfigFileNotFound) {
			t.Error("expected the original cause to be reachable")
		}
		if got == nil || got.Storage.Backend != StorageKeyring {
			t.Error("expected the default configuration")
		}
	})
}
