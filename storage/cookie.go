package storage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgellow/authkit/internal/crypto"
)

// Cookie is a per-request Adapter for server-rendered apps: values are
// carried in HTTP cookies so tokens round-trip through the browser. One
// adapter wraps exactly one request/response pair and must not outlive it.
//
// Writes are buffered in-process as well as added to the response, so a Get
// issued after a Set within the same request observes the new value even
// though the browser has not echoed the cookie back yet.
//
// Token material in cookies leaves the server, so an Encryptor is required.
type Cookie struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	r         *http.Request
	encryptor crypto.Encryptor
	secure    bool
	maxAge    time.Duration
	pending   map[string]*string // nil value marks a pending removal
}

var _ Adapter = (*Cookie)(nil)

// CookieOption configures a Cookie adapter.
type CookieOption func(*Cookie)

// WithInsecureCookies drops the Secure attribute, for plain-HTTP local
// development only.
func WithInsecureCookies() CookieOption {
	return func(c *Cookie) {
		c.secure = false
	}
}

// WithCookieMaxAge overrides the default 30-day cookie lifetime.
func WithCookieMaxAge(d time.Duration) CookieOption {
	return func(c *Cookie) {
		c.maxAge = d
	}
}

// NewCookie creates an adapter bound to one request/response pair.
func NewCookie(w http.ResponseWriter, r *http.Request, encryptor crypto.Encryptor, opts ...CookieOption) (*Cookie, error) {
	if w == nil || r == nil {
		return nil, fmt.Errorf("cookie storage requires a response writer and request")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("cookie storage requires an encryptor")
	}
	c := &Cookie{
		w:         w,
		r:         r,
		encryptor: encryptor,
		secure:    true,
		maxAge:    30 * 24 * time.Hour,
		pending:   make(map[string]*string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get implements Adapter.
func (c *Cookie) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value, ok := c.pending[key]; ok {
		if value == nil {
			return "", ErrNotFound
		}
		return *value, nil
	}

	ck, err := c.r.Cookie(cookieName(key))
	if err != nil {
		return "", ErrNotFound
	}
	plain, err := c.encryptor.Decrypt(ck.Value)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt cookie value: %w", err)
	}
	return plain, nil
}

// Set implements Adapter.
func (c *Cookie) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Encrypt output is already base64, so the sealed value is stored in
	// the cookie as-is.
	sealed, err := c.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt cookie value: %w", err)
	}
	http.SetCookie(c.w, &http.Cookie{
		Name:     cookieName(key),
		Value:    sealed,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.maxAge.Seconds()),
	})
	c.pending[key] = &value
	return nil
}

// Remove implements Adapter.
func (c *Cookie) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	http.SetCookie(c.w, &http.Cookie{
		Name:   cookieName(key),
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	c.pending[key] = nil
	return nil
}

// cookieName maps a storage key to a cookie name. Keys already carry the
// configured prefix, so the mapping is the identity; it exists as a single
// place to adjust if a key ever contains a character cookies cannot.
func cookieName(key string) string {
	return key
}
