package authkit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dgellow/authkit/apiclient"
	"github.com/dgellow/authkit/envelope"
	"github.com/dgellow/authkit/storage"
)

// Config configures a Client. Instances are caller-owned: construct one
// with New and pass it by reference. There is no package-level singleton,
// so server-rendered apps can hold one client per request with
// request-scoped storage.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.example.com/auth".
	BaseURL string `env:"AUTHKIT_BASE_URL"`

	// StorageKeyPrefix namespaces the stored token keys. Defaults to
	// "authkit.".
	StorageKeyPrefix string `env:"AUTHKIT_STORAGE_KEY_PREFIX"`

	// RequestTimeout bounds each backend call when no custom HTTPClient is
	// supplied.
	RequestTimeout time.Duration `env:"AUTHKIT_REQUEST_TIMEOUT" envDefault:"30s"`

	// Storage persists tokens and OAuth2 flow state. Defaults to in-memory.
	Storage storage.Adapter `env:"-"`

	// HTTPClient overrides the default transport.
	HTTPClient *http.Client `env:"-"`

	// OnTokenRefresh observes every token persistence, e.g. to mirror
	// tokens into a framework adapter's own state.
	OnTokenRefresh func(AuthTokens) `env:"-"`

	// OnAuthError observes refresh failures.
	OnAuthError func(*envelope.Error) `env:"-"`
}

// ConfigFromEnv builds a Config from AUTHKIT_* environment variables.
// Storage and callbacks still have to be set programmatically.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

func (cfg Config) apiConfig() apiclient.Config {
	httpClient := cfg.HTTPClient
	if httpClient == nil && cfg.RequestTimeout > 0 {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return apiclient.Config{
		BaseURL:          cfg.BaseURL,
		Storage:          cfg.Storage,
		StorageKeyPrefix: cfg.StorageKeyPrefix,
		HTTPClient:       httpClient,
		OnTokenRefresh:   cfg.OnTokenRefresh,
		OnAuthError:      cfg.OnAuthError,
	}
}
