package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/authkit/envelope"
	"github.com/dgellow/authkit/storage"
)

func writeEnvelope(t *testing.T, w http.ResponseWriter, resp envelope.Response) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func okEnvelope(t *testing.T, data any) envelope.Response {
	t.Helper()
	raw, err := envelope.Marshal(data)
	require.NoError(t, err)
	return envelope.Ok(raw)
}

func newTestClient(t *testing.T, baseURL string, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = baseURL
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test", Config{})

	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "b", ExpiresIn: 3600}))

	access, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", access)

	refresh, err := c.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", refresh)

	expired, err := c.IsTokenExpired(ctx)
	require.NoError(t, err)
	assert.False(t, expired)

	expiresAt, err := c.TokenExpiresAt(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)
}

func TestNegativeExpiresInIsExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test", Config{})

	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "b", ExpiresIn: -1}))

	expired, err := c.IsTokenExpired(ctx)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestMissingExpiryIsExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test", Config{})

	expired, err := c.IsTokenExpired(ctx)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestTokenInsideSafetyMarginIsExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test", Config{})

	// 10s of real validity left is inside the 30s margin.
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "b", ExpiresIn: 10}))

	expired, err := c.IsTokenExpired(ctx)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestClearTokensIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test", Config{})

	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "b", ExpiresIn: 3600}))
	require.NoError(t, c.ClearTokens(ctx))
	require.NoError(t, c.ClearTokens(ctx), "clearing an empty store must not fail")

	access, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, access)
}

func TestSetTokensInvokesOnTokenRefresh(t *testing.T) {
	ctx := context.Background()
	var got Tokens
	c := newTestClient(t, "http://backend.test", Config{
		OnTokenRefresh: func(tokens Tokens) { got = tokens },
	})

	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "b", ExpiresIn: 60}))
	assert.Equal(t, "a", got.AccessToken)
	assert.Equal(t, "b", got.RefreshToken)
}

func TestRefreshWithoutTokenFails(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test", Config{})

	_, err := c.Refresh(ctx)
	var apiErr *envelope.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, envelope.CodeNoRefreshToken, apiErr.Code)
}

func TestRefreshSingleFlight(t *testing.T) {
	ctx := context.Background()

	var refreshCalls atomic.Int32
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token/refresh", r.URL.Path)
		refreshCalls.Add(1)
		<-release
		writeEnvelope(t, w, okEnvelope(t, map[string]any{
			"tokens": Tokens{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600},
		}))
	}))
	defer backend.Close()

	c := newTestClient(t, backend.URL, Config{})
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 3600}))

	const callers = 3
	results := make([]Tokens, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(ctx)
		}(i)
	}

	// Give all callers time to join the in-flight refresh, then let the
	// backend answer.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), refreshCalls.Load(), "concurrent refreshes must coalesce into one call")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", results[i].AccessToken)
	}
}

func TestRefreshFailureKeepsTokensAndNotifies(t *testing.T) {
	ctx := context.Background()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, envelope.Fail("INVALID_TOKEN", "refresh token is invalid or expired"))
	}))
	defer backend.Close()

	var notified *envelope.Error
	c := newTestClient(t, backend.URL, Config{
		OnAuthError: func(e *envelope.Error) { notified = e },
	})
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "r1", ExpiresIn: 3600}))

	_, err := c.Refresh(ctx)
	var apiErr *envelope.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_TOKEN", apiErr.Code)
	require.NotNil(t, notified)
	assert.Equal(t, "INVALID_TOKEN", notified.Code)

	// Refresh itself never clears tokens; that is the caller's decision.
	access, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", access)
}

func TestRefreshSequentialCallsStartFresh(t *testing.T) {
	ctx := context.Background()

	var refreshCalls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := refreshCalls.Add(1)
		writeEnvelope(t, w, okEnvelope(t, map[string]any{
			"tokens": Tokens{AccessToken: "access-" + string(rune('0'+n)), RefreshToken: "r", ExpiresIn: 3600},
		}))
	}))
	defer backend.Close()

	c := newTestClient(t, backend.URL, Config{})
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 3600}))

	_, err := c.Refresh(ctx)
	require.NoError(t, err)
	_, err = c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), refreshCalls.Load(), "the in-flight guard must reset between flights")
}

func TestDoRetriesOnceAfterUnauthorized(t *testing.T) {
	ctx := context.Background()

	var protectedCalls, refreshCalls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			if protectedCalls.Add(1) == 1 {
				writeEnvelope(t, w, envelope.Fail(envelope.CodeUnauthorized, "token expired"))
				return
			}
			assert.Equal(t, "Bearer new-access", r.Header.Get("Authorization"))
			writeEnvelope(t, w, okEnvelope(t, map[string]any{"user": map[string]string{"id": "u1"}}))
		case "/token/refresh":
			refreshCalls.Add(1)
			writeEnvelope(t, w, okEnvelope(t, map[string]any{
				"tokens": Tokens{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600},
			}))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer backend.Close()

	c := newTestClient(t, backend.URL, Config{})
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "stale", RefreshToken: "r1", ExpiresIn: 3600}))

	resp, err := c.Do(ctx, "/me", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, int32(2), protectedCalls.Load(), "original call plus exactly one retry")
	assert.Equal(t, int32(1), refreshCalls.Load())
}

func TestDoSkipRefreshDisablesRecovery(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(t, w, envelope.Fail(envelope.CodeUnauthorized, "token expired"))
	}))
	defer backend.Close()

	c := newTestClient(t, backend.URL, Config{})
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "stale", RefreshToken: "r1", ExpiresIn: 3600}))

	resp, err := c.Do(ctx, "/me", nil, &RequestOptions{SkipRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, envelope.CodeUnauthorized, resp.ErrorCode())
	assert.Equal(t, int32(1), calls.Load(), "no refresh, no retry")
}

func TestDoClearsTokensWhenRecoveryRefreshFails(t *testing.T) {
	ctx := context.Background()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			writeEnvelope(t, w, envelope.Fail(envelope.CodeUnauthorized, "token expired"))
		case "/token/refresh":
			writeEnvelope(t, w, envelope.Fail("INVALID_TOKEN", "refresh token revoked"))
		}
	}))
	defer backend.Close()

	var notified []*envelope.Error
	c := newTestClient(t, backend.URL, Config{
		OnAuthError: func(e *envelope.Error) { notified = append(notified, e) },
	})
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "stale", RefreshToken: "r1", ExpiresIn: 3600}))

	resp, err := c.Do(ctx, "/me", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, envelope.CodeUnauthorized, resp.ErrorCode(), "original envelope is returned")

	access, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, access, "recovery failure clears local tokens")

	// One failed refresh, one notification, regardless of the retry layer
	// sitting above it.
	require.Len(t, notified, 1)
	assert.Equal(t, "INVALID_TOKEN", notified[0].Code)
}

func TestDoMethodDefaultsAndHeaderMerge(t *testing.T) {
	ctx := context.Background()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/with-body":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "1", r.Header.Get("X-Custom"))
		case "/without-body":
			assert.Equal(t, http.MethodGet, r.Method)
		case "/explicit":
			assert.Equal(t, http.MethodDelete, r.Method)
		}
		writeEnvelope(t, w, okEnvelope(t, map[string]bool{"ok": true}))
	}))
	defer backend.Close()

	c := newTestClient(t, backend.URL, Config{})

	_, err := c.Do(ctx, "/with-body", map[string]string{"a": "b"}, &RequestOptions{
		Headers: map[string]string{"X-Custom": "1"},
	})
	require.NoError(t, err)

	_, err = c.Do(ctx, "/without-body", nil, nil)
	require.NoError(t, err)

	_, err = c.Do(ctx, "/explicit", nil, &RequestOptions{Method: http.MethodDelete})
	require.NoError(t, err)
}

func TestDoSkipAuthOmitsBearer(t *testing.T) {
	ctx := context.Background()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeEnvelope(t, w, okEnvelope(t, nil))
	}))
	defer backend.Close()

	c := newTestClient(t, backend.URL, Config{})
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "b", ExpiresIn: 3600}))

	_, err := c.Do(ctx, "/sign-in/password", map[string]string{"email": "a@b.com"}, &RequestOptions{SkipAuth: true})
	require.NoError(t, err)
}

func TestDoAbsoluteURLPassesThrough(t *testing.T) {
	ctx := context.Background()

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, okEnvelope(t, map[string]string{"from": "other"}))
	}))
	defer other.Close()

	c := newTestClient(t, "http://unreachable.test", Config{})
	resp, err := c.Do(ctx, other.URL+"/anything", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestDoNormalizesTransportFailures(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, "http://127.0.0.1:1", Config{
		HTTPClient: &http.Client{Timeout: 200 * time.Millisecond},
	})

	resp, err := c.Do(ctx, "/me", nil, nil)
	require.NoError(t, err, "transport failures must not surface as errors")
	assert.Equal(t, envelope.CodeNetworkError, resp.ErrorCode())
}

func TestDoNonJSONBodyIsNetworkError(t *testing.T) {
	ctx := context.Background()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>upstream error</html>"))
	}))
	defer backend.Close()

	c := newTestClient(t, backend.URL, Config{})
	resp, err := c.Do(ctx, "/me", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, envelope.CodeNetworkError, resp.ErrorCode())

	// The unparsable body itself lands in the message, so operators see
	// what the backend actually sent.
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "upstream error")
	assert.Contains(t, resp.Error.Message, "502")
}

func TestResolveURL(t *testing.T) {
	c := newTestClient(t, "http://backend.test/auth", Config{})

	tests := []struct {
		name string
		path string
		want string
	}{
		{"relative", "/session", "http://backend.test/auth/session"},
		{"absolute passes through", "https://other.test/x", "https://other.test/x"},
		{"query survives joining", "/providers?refresh=1", "http://backend.test/auth/providers?refresh=1"},
		{"embedded URL stays relative", "/redirect?next=https://elsewhere.test", "http://backend.test/auth/redirect?next=https://elsewhere.test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.resolveURL(tt.path))
		})
	}
}

func TestStorageKeyNamespacing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	c, err := New(Config{BaseURL: "http://backend.test", Storage: store, StorageKeyPrefix: "myapp."})
	require.NoError(t, err)
	require.NoError(t, c.SetTokens(ctx, Tokens{AccessToken: "a", RefreshToken: "b", ExpiresIn: 60}))

	got, err := store.Get(ctx, "myapp.access_token")
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	_, err = store.Get(ctx, "myapp.expires_at")
	require.NoError(t, err, "expires_at must be written by the same call as access_token")
}
