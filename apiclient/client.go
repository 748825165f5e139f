// Package apiclient implements the token lifecycle manager and the
// authenticated request pipeline: storage-backed access/refresh token
// persistence, expiry tracking with a safety margin, single-flight refresh
// coalescing, and automatic 401-triggered retry.
//
// The Client is the sole writer of the stored token triple. Everything that
// persists tokens, including sign-in and sign-up in the core SDK, routes
// through SetTokens so the access token and its expiry are always written by
// the same call.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgellow/authkit/envelope"
	"github.com/dgellow/authkit/internal/ioutil"
	"github.com/dgellow/authkit/internal/log"
	"github.com/dgellow/authkit/internal/urlutil"
	"github.com/dgellow/authkit/storage"
)

// DefaultStorageKeyPrefix namespaces token keys when the caller does not
// supply a prefix. It must stay consistent for the lifetime of an instance.
const DefaultStorageKeyPrefix = "authkit."

// expiryMargin treats tokens as expired slightly early so we never race the
// backend's own clock on the last seconds of a token's life.
const expiryMargin = 30 * time.Second

// maxEnvelopeSize bounds response bodies read into memory.
const maxEnvelopeSize = 1 << 20

// Tokens is the bearer credential pair issued by the backend. ExpiresIn is
// relative seconds from issuance; the client converts it to an absolute
// timestamp at the moment of storage.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root every relative path is resolved against.
	BaseURL string

	// Storage persists the token triple. Defaults to an in-memory adapter.
	Storage storage.Adapter

	// StorageKeyPrefix namespaces the token keys. Defaults to
	// DefaultStorageKeyPrefix.
	StorageKeyPrefix string

	// HTTPClient executes requests. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// OnTokenRefresh is invoked with the new token triple every time
	// SetTokens persists tokens. Optional.
	OnTokenRefresh func(Tokens)

	// OnAuthError is invoked when a refresh fails or a request's recovery
	// refresh fails. Optional.
	OnAuthError func(*envelope.Error)
}

// RequestOptions tunes a single call through Do.
type RequestOptions struct {
	// Method overrides the default (POST with a body, GET without).
	Method string

	// Headers are merged over the defaults, not replaced.
	Headers map[string]string

	// SkipAuth omits the Authorization header and disables 401 recovery.
	SkipAuth bool

	// SkipRefresh disables 401 recovery for this request. The retry issued
	// by the recovery path always sets it, so a request is retried at most
	// once.
	SkipRefresh bool
}

// Client owns token persistence, expiry evaluation, and the authenticated
// request lifecycle.
type Client struct {
	baseURL        string
	store          storage.Adapter
	prefix         string
	httpClient     *http.Client
	onTokenRefresh func(Tokens)
	onAuthError    func(*envelope.Error)

	refreshGroup singleflight.Group
}

// New creates a Client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := urlutil.Origin(cfg.BaseURL); err != nil {
		return nil, err
	}
	store := cfg.Storage
	if store == nil {
		store = storage.NewMemory()
	}
	prefix := cfg.StorageKeyPrefix
	if prefix == "" {
		prefix = DefaultStorageKeyPrefix
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		store:          store,
		prefix:         prefix,
		httpClient:     httpClient,
		onTokenRefresh: cfg.OnTokenRefresh,
		onAuthError:    cfg.OnAuthError,
	}, nil
}

func (c *Client) accessTokenKey() string  { return c.prefix + "access_token" }
func (c *Client) refreshTokenKey() string { return c.prefix + "refresh_token" }
func (c *Client) expiresAtKey() string    { return c.prefix + "expires_at" }

// Storage returns the adapter this client persists tokens in.
func (c *Client) Storage() storage.Adapter {
	return c.store
}

// StorageKey returns suffix namespaced under this client's key prefix.
// Plugins persisting their own flow state use it so everything an instance
// stores shares one namespace.
func (c *Client) StorageKey(suffix string) string {
	return c.prefix + suffix
}

// AccessToken returns the stored access token, or "" when absent.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.readKey(ctx, c.accessTokenKey())
}

// RefreshToken returns the stored refresh token, or "" when absent.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	return c.readKey(ctx, c.refreshTokenKey())
}

func (c *Client) readKey(ctx context.Context, key string) (string, error) {
	value, err := c.store.Get(ctx, key)
	if storage.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// TokenExpiresAt returns the absolute expiry of the stored access token.
// The zero time means no expiry is stored.
func (c *Client) TokenExpiresAt(ctx context.Context) (time.Time, error) {
	raw, err := c.readKey(ctx, c.expiresAtKey())
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// An unparsable expiry is treated as absent rather than trusted.
		log.LogWarnWithFields("apiclient", "Discarding malformed expires_at", map[string]any{
			"value": raw,
		})
		return time.Time{}, nil
	}
	return time.UnixMilli(millis), nil
}

// IsTokenExpired reports whether the stored access token should be treated
// as expired. A missing expiry counts as expired, and a token inside the
// safety margin of its real expiry counts as expired too.
func (c *Client) IsTokenExpired(ctx context.Context) (bool, error) {
	expiresAt, err := c.TokenExpiresAt(ctx)
	if err != nil {
		return true, err
	}
	if expiresAt.IsZero() {
		return true, nil
	}
	return time.Now().After(expiresAt.Add(-expiryMargin)), nil
}

// SetTokens persists the token triple, converting the relative expiry into
// an absolute timestamp. This is the single choke point for token
// persistence; every success path routes through it.
func (c *Client) SetTokens(ctx context.Context, tokens Tokens) error {
	expiresAt := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)

	if err := c.store.Set(ctx, c.accessTokenKey(), tokens.AccessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if err := c.store.Set(ctx, c.expiresAtKey(), strconv.FormatInt(expiresAt.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("failed to store token expiry: %w", err)
	}
	if err := c.store.Set(ctx, c.refreshTokenKey(), tokens.RefreshToken); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	log.LogTraceWithFields("apiclient", "Persisted token triple", map[string]any{
		"expiresAt": expiresAt,
	})

	if c.onTokenRefresh != nil {
		c.onTokenRefresh(tokens)
	}
	return nil
}

// ClearTokens removes the token triple. Clearing an empty store is a no-op.
func (c *Client) ClearTokens(ctx context.Context) error {
	var firstErr error
	for _, key := range []string{c.accessTokenKey(), c.refreshTokenKey(), c.expiresAtKey()} {
		if err := c.store.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}
	return firstErr
}

// Refresh exchanges the stored refresh token for a new token pair.
//
// Concurrent callers are coalesced: while one refresh is in flight every
// additional caller waits on it and receives the same outcome, so the
// backend sees exactly one /token/refresh call. This matters because most
// refresh-token rotation schemes invalidate the old token on first use.
func (c *Client) Refresh(ctx context.Context) (Tokens, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		// The coalesced refresh outlives any single caller, so it must not
		// die with the first caller's context.
		return c.doRefresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return Tokens{}, err
	}
	return v.(Tokens), nil
}

// notifyAuthError reports a refresh failure to the configured observer.
// doRefresh is the only caller, so each failed refresh notifies exactly
// once no matter how many coalesced callers or retry layers sit above it.
func (c *Client) notifyAuthError(apiErr *envelope.Error) {
	if c.onAuthError != nil {
		c.onAuthError(apiErr)
	}
}

func (c *Client) doRefresh(ctx context.Context) (Tokens, error) {
	refreshToken, err := c.RefreshToken(ctx)
	if err != nil {
		return Tokens{}, err
	}
	if refreshToken == "" {
		apiErr := &envelope.Error{
			Code:    envelope.CodeNoRefreshToken,
			Message: "no refresh token available",
		}
		c.notifyAuthError(apiErr)
		return Tokens{}, apiErr
	}

	resp, err := c.Do(ctx, "/token/refresh", map[string]string{"refresh_token": refreshToken}, &RequestOptions{
		SkipAuth:    true,
		SkipRefresh: true,
	})
	if err != nil {
		return Tokens{}, err
	}
	if !resp.OK {
		apiErr, _ := resp.Err().(*envelope.Error)
		if apiErr == nil {
			apiErr = &envelope.Error{Code: envelope.CodeRefreshError, Message: "token refresh failed"}
		}
		log.LogWarnWithFields("apiclient", "Token refresh rejected by backend", map[string]any{
			"code": apiErr.Code,
		})
		// Tokens are left in place; the caller decides whether to clear.
		c.notifyAuthError(apiErr)
		return Tokens{}, apiErr
	}

	payload, err := envelope.Decode[struct {
		Tokens Tokens `json:"tokens"`
	}](resp)
	if err != nil || payload.Tokens.AccessToken == "" {
		apiErr := &envelope.Error{
			Code:    envelope.CodeRefreshError,
			Message: "refresh response did not contain tokens",
		}
		c.notifyAuthError(apiErr)
		return Tokens{}, apiErr
	}

	if err := c.SetTokens(ctx, payload.Tokens); err != nil {
		return Tokens{}, err
	}
	return payload.Tokens, nil
}

// Do executes one call against the backend and returns its envelope.
//
// Transport-level failures become NETWORK_ERROR envelopes rather than
// errors; the error return is reserved for storage faults, which the caller
// owns. An UNAUTHORIZED envelope triggers one refresh-and-retry cycle
// unless SkipAuth or SkipRefresh is set.
func (c *Client) Do(ctx context.Context, path string, body any, opts *RequestOptions) (envelope.Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	resp, err := c.execute(ctx, path, body, opts)
	if err != nil {
		return envelope.Response{}, err
	}

	if resp.OK || resp.ErrorCode() != envelope.CodeUnauthorized || opts.SkipAuth || opts.SkipRefresh {
		return resp, nil
	}

	// 401 recovery: refresh once, then retry the original request exactly
	// once with further refreshes disabled.
	log.LogDebugWithFields("apiclient", "Unauthorized response, attempting token refresh", map[string]any{
		"path": path,
	})
	// The refresh itself already notified onAuthError; here we only clear
	// and hand back the original envelope.
	if _, refreshErr := c.Refresh(ctx); refreshErr != nil {
		if clearErr := c.ClearTokens(ctx); clearErr != nil {
			return envelope.Response{}, clearErr
		}
		return resp, nil
	}

	retryOpts := *opts
	retryOpts.SkipRefresh = true
	return c.execute(ctx, path, body, &retryOpts)
}

func (c *Client) execute(ctx context.Context, path string, body any, opts *RequestOptions) (envelope.Response, error) {
	method := opts.Method
	if method == "" {
		if body != nil {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return envelope.Fail(envelope.CodeNetworkError, "failed to encode request body: %v", err), nil
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolveURL(path), reader)
	if err != nil {
		return envelope.Fail(envelope.CodeNetworkError, "failed to build request: %v", err), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	if !opts.SkipAuth {
		token, err := c.AccessToken(ctx)
		if err != nil {
			return envelope.Response{}, err
		}
		// No token is not an error here; the backend decides whether the
		// route requires one.
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		log.LogWarnWithFields("apiclient", "Request transport failure", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		return envelope.Fail(envelope.CodeNetworkError, "request failed: %v", err), nil
	}
	defer httpResp.Body.Close()

	// Error statuses still carry JSON envelopes; only an unparsable body is
	// a transport failure.
	raw, err := ioutil.ReadLimited(httpResp.Body, maxEnvelopeSize)
	if err != nil {
		return envelope.Fail(envelope.CodeNetworkError, "failed to read response from backend (HTTP %d): %v", httpResp.StatusCode, err), nil
	}
	var resp envelope.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return envelope.Fail(envelope.CodeNetworkError, "invalid response from backend (HTTP %d): %s", httpResp.StatusCode, ioutil.Snippet(raw, 200)), nil
	}
	return resp, nil
}

// resolveURL passes absolute URLs through and joins everything else onto
// the base URL.
func (c *Client) resolveURL(path string) string {
	if absoluteURL(path) {
		return path
	}
	pathOnly, query, _ := strings.Cut(path, "?")
	// The base URL is validated at construction, so joining cannot fail.
	joined, err := urlutil.JoinPath(c.baseURL, pathOnly)
	if err != nil {
		joined = c.baseURL + pathOnly
	}
	if query != "" {
		joined += "?" + query
	}
	return joined
}

// absoluteURL reports whether path is a full URL rather than a backend
// path. The scheme separator must appear before any path or query
// character, so "/redirect?next=https://x" stays relative.
func absoluteURL(path string) bool {
	i := strings.Index(path, "://")
	if i < 0 {
		return false
	}
	return !strings.ContainsAny(path[:i], "/?#")
}
