package authkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
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

func signInEnvelope(t *testing.T) envelope.Response {
	t.Helper()
	return okEnvelope(t, map[string]any{
		"user": map[string]any{"id": "u1", "email": "a@b.com", "name": "Alice"},
		"tokens": map[string]any{
			"access_token":  "at1",
			"refresh_token": "rt1",
			"expires_in":    3600,
		},
	})
}

func newTestClient(t *testing.T, backendURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: backendURL, Storage: storage.NewMemory()})
	require.NoError(t, err)
	return c
}

func TestSignInPersistsTokens(t *testing.T) {
	ctx := context.Background()
	var gotPath string
	var gotBody PasswordSignIn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Empty(t, r.Header.Get("Authorization"))
		writeEnvelope(t, w, signInEnvelope(t))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	result, err := c.SignIn(ctx, PasswordSignIn{Email: " A@B.com ", Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "/sign-in/password", gotPath)
	assert.Equal(t, "a@b.com", gotBody.Email, "emails are normalized before hitting the wire")
	assert.Equal(t, "u1", result.User.ID)

	token, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at1", token)

	valid, err := c.HasValidToken(ctx)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestSignInFailureDoesNotPersistTokens(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		writeEnvelope(t, w, envelope.Fail(envelope.CodeUnauthorized, "bad credentials"))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	_, err := c.SignIn(ctx, PasswordSignIn{Email: "a@b.com", Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, &envelope.Error{Code: envelope.CodeUnauthorized})

	token, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestMagicLinkSignInIssuesNoTokens(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sign-in/magic-link", r.URL.Path)
		writeEnvelope(t, w, okEnvelope(t, map[string]any{"user": map[string]any{"id": "u1", "email": "a@b.com"}}))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	result, err := c.SignIn(ctx, MagicLinkSignIn{Email: "a@b.com"})
	require.NoError(t, err)
	assert.Empty(t, result.Tokens.AccessToken)

	token, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestSignUpPersistsTokens(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sign-up", r.URL.Path)
		writeEnvelope(t, w, signInEnvelope(t))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	result, err := c.SignUp(ctx, SignUpParams{Email: "a@b.com", Password: "hunter2", Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", result.User.Name)

	token, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at1", token)
}

func TestSignOutClearsTokensEvenWhenBackendFails(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/session":
			w.WriteHeader(http.StatusInternalServerError)
			writeEnvelope(t, w, envelope.Fail(envelope.CodeNetworkError, "session store is down"))
		default:
			writeEnvelope(t, w, signInEnvelope(t))
		}
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	_, err := c.SignIn(ctx, PasswordSignIn{Email: "a@b.com", Password: "hunter2"})
	require.NoError(t, err)

	require.NoError(t, c.SignOut(ctx))

	token, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token, "a failed backend sign-out must still clear local tokens")
}

func TestSessionIsPureRead(t *testing.T) {
	ctx := context.Background()
	var sessionCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/session":
			sessionCalls.Add(1)
			assert.Equal(t, "Bearer at1", r.Header.Get("Authorization"))
			writeEnvelope(t, w, okEnvelope(t, map[string]any{"user": map[string]any{"id": "u1", "email": "a@b.com"}}))
		default:
			writeEnvelope(t, w, signInEnvelope(t))
		}
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	_, err := c.SignIn(ctx, PasswordSignIn{Email: "a@b.com", Password: "hunter2"})
	require.NoError(t, err)

	session, err := c.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", session.User.ID)
	assert.Equal(t, int32(1), sessionCalls.Load())
}

func TestIsAuthenticatedRefreshesExpiredToken(t *testing.T) {
	ctx := context.Background()
	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token/refresh", r.URL.Path)
		refreshCalls.Add(1)
		writeEnvelope(t, w, okEnvelope(t, map[string]any{
			"tokens": map[string]any{
				"access_token":  "at2",
				"refresh_token": "rt2",
				"expires_in":    3600,
			},
		}))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.API().SetTokens(ctx, AuthTokens{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		ExpiresIn:    -1,
	}))

	valid, err := c.HasValidToken(ctx)
	require.NoError(t, err)
	assert.False(t, valid, "HasValidToken never refreshes")

	assert.True(t, c.IsAuthenticated(ctx))
	assert.Equal(t, int32(1), refreshCalls.Load())

	token, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at2", token)
}

func TestIsAuthenticatedWithoutTokens(t *testing.T) {
	c := newTestClient(t, "http://backend.test")
	assert.False(t, c.IsAuthenticated(context.Background()))
}

func TestTokenClaims(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test")

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"iss": "backend.test",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, c.API().SetTokens(ctx, AuthTokens{AccessToken: signed, RefreshToken: "rt1", ExpiresIn: 3600}))

	claims, err := c.TokenClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims["sub"])

	// Opaque tokens are not an error to store, only to introspect.
	require.NoError(t, c.API().SetTokens(ctx, AuthTokens{AccessToken: "opaque", RefreshToken: "rt1", ExpiresIn: 3600}))
	_, err = c.TokenClaims(ctx)
	assert.Error(t, err)
}

type testPlugin struct {
	name     string
	installs atomic.Int32
	fail     bool
}

func (p *testPlugin) Name() string  { return p.name }
func (*testPlugin) Version() string { return "0.0.1" }
func (p *testPlugin) Install(context.Context, *PluginContext) error {
	p.installs.Add(1)
	if p.fail {
		return assert.AnError
	}
	return nil
}

func TestUseInstallsOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test")

	p := &testPlugin{name: "demo"}
	require.NoError(t, c.Use(ctx, p))
	require.NoError(t, c.Use(ctx, p), "re-installing is a warned no-op")
	assert.Equal(t, int32(1), p.installs.Load())

	got, ok := c.GetPlugin("demo")
	assert.True(t, ok)
	assert.Same(t, p, got)
}

func TestUseRejectsBadPlugins(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "http://backend.test")

	assert.Error(t, c.Use(ctx, nil))
	assert.Error(t, c.Use(ctx, &testPlugin{name: ""}))

	failing := &testPlugin{name: "broken", fail: true}
	assert.Error(t, c.Use(ctx, failing))
	_, ok := c.GetPlugin("broken")
	assert.False(t, ok, "a failed install must not register the plugin")
}

func TestRequirePlugin(t *testing.T) {
	c := newTestClient(t, "http://backend.test")

	_, err := c.RequirePlugin("oauth2")
	var envErr *envelope.Error
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, envelope.CodePluginNotInstalled, envErr.Code)
	assert.Contains(t, envErr.Message, "oauth2")
}

func TestManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Served from the origin root, not under the auth base path.
		assert.Equal(t, "/.well-known/auth-plugin-manifest.json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(Manifest{
			Version:         "1",
			Plugins:         []string{"oauth2"},
			OAuth2Providers: []string{"github"},
		}))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/auth", Storage: storage.NewMemory()})
	require.NoError(t, err)

	manifest, err := c.Manifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"oauth2"}, manifest.Plugins)
	assert.Equal(t, []string{"github"}, manifest.OAuth2Providers)
}
