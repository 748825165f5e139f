// Package authkit is a backend-agnostic authentication SDK. It talks to any
// backend that honors the {ok, data, error} envelope contract, manages the
// access/refresh token lifecycle through a pluggable storage adapter, and
// grows capabilities (OAuth2, and anything else) through named plugins.
//
//	cfg := authkit.Config{BaseURL: "https://api.example.com/auth"}
//	client, err := authkit.New(cfg)
//	if err != nil { ... }
//	result, err := client.SignIn(ctx, authkit.PasswordSignIn{
//		Email:    "a@b.com",
//		Password: "hunter2",
//	})
package authkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dgellow/authkit/apiclient"
	"github.com/dgellow/authkit/envelope"
	"github.com/dgellow/authkit/internal/emailutil"
	"github.com/dgellow/authkit/internal/ioutil"
	"github.com/dgellow/authkit/internal/log"
	"github.com/dgellow/authkit/internal/urlutil"
)

// Client is the SDK core: sign-in/sign-up/sign-out/session orchestration on
// top of the API client, plus the plugin registry.
type Client struct {
	api        *apiclient.Client
	baseURL    string
	httpClient *http.Client
	plugins    map[string]Plugin
}

// New creates a Client from cfg. The returned instance is safe for
// concurrent use; plugin installation is expected during setup, before the
// client is shared.
func New(cfg Config) (*Client, error) {
	apiCfg := cfg.apiConfig()
	api, err := apiclient.New(apiCfg)
	if err != nil {
		return nil, err
	}
	httpClient := apiCfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		api:        api,
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		plugins:    make(map[string]Plugin),
	}, nil
}

// API exposes the underlying API client for plugins and framework adapters.
// All token mutation must go through it, never through the raw storage
// keys, so the token triple stays atomic.
func (c *Client) API() *apiclient.Client {
	return c.api
}

// BaseURL returns the backend base URL this client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SignIn authenticates with the given method and persists issued tokens.
func (c *Client) SignIn(ctx context.Context, method SignInMethod) (*SignInResult, error) {
	method = normalizeMethod(method)
	log.LogDebugWithFields("authkit", "Signing in", map[string]any{
		"method": method.method(),
	})
	// Signing in cannot require a prior token.
	resp, err := c.api.Do(ctx, "/sign-in/"+method.method(), method, &apiclient.RequestOptions{SkipAuth: true})
	if err != nil {
		return nil, err
	}
	return c.completeSignIn(ctx, resp)
}

// normalizeMethod canonicalizes user-typed emails before they reach the
// wire, so the backend never sees case or whitespace variants of one
// account.
func normalizeMethod(method SignInMethod) SignInMethod {
	switch m := method.(type) {
	case PasswordSignIn:
		m.Email = emailutil.Normalize(m.Email)
		return m
	case MagicLinkSignIn:
		m.Email = emailutil.Normalize(m.Email)
		return m
	default:
		return method
	}
}

// SignUp registers a new account and persists issued tokens.
func (c *Client) SignUp(ctx context.Context, params SignUpParams) (*SignInResult, error) {
	params.Email = emailutil.Normalize(params.Email)
	log.LogDebugWithFields("authkit", "Signing up", map[string]any{
		"email": emailutil.Mask(params.Email),
	})
	resp, err := c.api.Do(ctx, "/sign-up", params, &apiclient.RequestOptions{SkipAuth: true})
	if err != nil {
		return nil, err
	}
	return c.completeSignIn(ctx, resp)
}

func (c *Client) completeSignIn(ctx context.Context, resp envelope.Response) (*SignInResult, error) {
	result, err := envelope.Decode[SignInResult](resp)
	if err != nil {
		return nil, err
	}
	if result.Tokens.AccessToken != "" {
		if err := c.api.SetTokens(ctx, result.Tokens); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// SignOut revokes the backend session and clears local tokens. The local
// clear happens even when the backend call fails; a network outage must
// never leave a device signed in.
func (c *Client) SignOut(ctx context.Context) error {
	resp, err := c.api.Do(ctx, "/session", nil, &apiclient.RequestOptions{
		Method:      http.MethodDelete,
		SkipRefresh: true,
	})
	if err == nil {
		if envErr := resp.Err(); envErr != nil {
			log.LogDebugWithFields("authkit", "Backend sign-out failed, clearing local tokens anyway", map[string]any{
				"error": envErr.Error(),
			})
		}
	}
	if clearErr := c.api.ClearTokens(ctx); clearErr != nil {
		return clearErr
	}
	return err
}

// Session returns the backend-recognized identity for the current token.
// It is a pure read: no token side effects.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	resp, err := c.api.Do(ctx, "/session", nil, nil)
	if err != nil {
		return nil, err
	}
	session, err := envelope.Decode[Session](resp)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent
// calls coalesce into one backend call.
func (c *Client) Refresh(ctx context.Context) (AuthTokens, error) {
	return c.api.Refresh(ctx)
}

// Token returns the raw stored access token, which may be expired; use
// HasValidToken or IsAuthenticated when validity matters.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.api.AccessToken(ctx)
}

// HasValidToken reports whether a non-expired access token is stored
// locally. It never touches the network.
func (c *Client) HasValidToken(ctx context.Context) (bool, error) {
	token, err := c.api.AccessToken(ctx)
	if err != nil || token == "" {
		return false, err
	}
	expired, err := c.api.IsTokenExpired(ctx)
	if err != nil {
		return false, err
	}
	return !expired, nil
}

// IsAuthenticated reports whether the client holds a usable credential,
// refreshing an expired token if a refresh token is available. Unlike
// HasValidToken this may perform a network call.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	token, err := c.api.AccessToken(ctx)
	if err != nil || token == "" {
		return false
	}
	expired, err := c.api.IsTokenExpired(ctx)
	if err != nil {
		return false
	}
	if !expired {
		return true
	}
	_, err = c.api.Refresh(ctx)
	return err == nil
}

// TokenClaims decodes the stored access token as an unverified JWT. The SDK
// is not the token's audience, so claims are informational (expiry display,
// user ID hints), never an authorization decision.
func (c *Client) TokenClaims(ctx context.Context) (jwt.MapClaims, error) {
	token, err := c.api.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("no access token stored")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("access token is not a JWT: %w", err)
	}
	return claims, nil
}

// Manifest fetches the backend's capability manifest from the well-known
// path on the backend origin (the manifest lives at the domain root, not
// under the auth base path).
func (c *Client) Manifest(ctx context.Context) (*Manifest, error) {
	origin, err := urlutil.Origin(c.baseURL)
	if err != nil {
		return nil, err
	}
	manifestURL, err := urlutil.JoinPath(origin, "/.well-known/auth-plugin-manifest.json")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest request returned HTTP %d", httpResp.StatusCode)
	}
	body, err := ioutil.ReadLimited(httpResp.Body, 1<<20)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &manifest, nil
}
