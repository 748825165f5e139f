package oauth2ext

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"time"

	"github.com/dgellow/authkit"
	"github.com/dgellow/authkit/envelope"
	"github.com/dgellow/authkit/internal/log"
)

// SignInOptions configures a sign-in flow start. Only Provider is required.
type SignInOptions struct {
	Provider    string
	RedirectURI string
	Scope       string

	// Timeout bounds how long the browser transport waits for the
	// callback. Zero waits until ctx is done.
	Timeout time.Duration
}

// SignInWithBrowser runs the flow through the system browser: it starts a
// loopback callback server, opens the authorization URL, and waits for the
// provider to redirect back. The flow settles exactly once — a relayed
// callback, cancellation, or the timeout — and the server is torn down on
// every path.
//
// Callback delivery failures map to the flow error codes: POPUP_BLOCKED
// when the listener or browser launch fails, POPUP_CLOSED when the wait
// ends without a callback, NOT_BROWSER when no browser can be opened at
// all.
func (e *Extension) SignInWithBrowser(ctx context.Context, opts SignInOptions) (*authkit.SignInResult, error) {
	if e.pc == nil {
		return nil, errNotInstalled
	}
	if !e.canOpenBrowser() {
		return nil, &envelope.Error{
			Code:    envelope.CodeNotBrowser,
			Message: "no browser is available in this environment",
		}
	}
	if err := e.ensureProviders(ctx); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", e.opts.CallbackPort))
	if err != nil {
		return nil, &envelope.Error{
			Code:    envelope.CodePopupBlocked,
			Message: "failed to start the callback listener: " + err.Error(),
		}
	}
	port := ln.Addr().(*net.TCPAddr).Port

	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		redirectURI = fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	}

	authURL, state, err := e.AuthorizationURL(AuthorizationURLOptions{
		Provider:    opts.Provider,
		RedirectURI: redirectURI,
		Scope:       opts.Scope,
	})
	if err != nil {
		ln.Close()
		return nil, err
	}

	relay := newCallbackRelay()
	if !e.relay.CompareAndSwap(nil, relay) {
		ln.Close()
		return nil, errors.New("another browser sign-in flow is already in progress")
	}
	defer e.relay.CompareAndSwap(relay, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		params := ParamsFromRequest(r)
		// Relays to this flow and answers POPUP_FLOW, which is the
		// expected outcome here.
		if _, cbErr := e.HandleCallback(r.Context(), params); cbErr != nil {
			var envErr *envelope.Error
			if !errors.As(cbErr, &envErr) || envErr.Code != envelope.CodePopupFlow {
				log.LogWarnWithFields(component, "Unexpected callback handling result", map[string]any{
					"error": cbErr.Error(),
				})
			}
		}
		writeCallbackPage(w, params.Error)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.LogWarnWithFields(component, "Callback server stopped", map[string]any{
				"error": serveErr.Error(),
			})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			log.LogWarnWithFields(component, "Failed to shut down callback server", map[string]any{
				"error": shutdownErr.Error(),
			})
		}
	}()

	if err := e.openBrowser(authURL); err != nil {
		return nil, &envelope.Error{
			Code:    envelope.CodePopupBlocked,
			Message: "failed to open the browser: " + err.Error(),
		}
	}

	log.LogInfoWithFields(component, "Waiting for authorization callback", map[string]any{
		"provider": opts.Provider,
		"port":     port,
	})

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	select {
	case msg := <-relay.ch:
		return e.settleBrowserCallback(ctx, opts.Provider, redirectURI, state, msg)
	case <-waitCtx.Done():
		return nil, &envelope.Error{
			Code:    envelope.CodePopupClosed,
			Message: "sign-in was abandoned before the provider redirected back",
		}
	}
}

func (e *Extension) settleBrowserCallback(ctx context.Context, provider, redirectURI, state string, msg CallbackMessage) (*authkit.SignInResult, error) {
	if msg.Error != "" {
		m := msg.Error
		if msg.ErrorDescription != "" {
			m = msg.ErrorDescription
		}
		return nil, &envelope.Error{Code: envelope.CodeOAuth2Error, Message: m}
	}
	if msg.Code == "" {
		return nil, &envelope.Error{
			Code:    envelope.CodeNoCode,
			Message: "authorization callback carried no code",
		}
	}
	if msg.State != state {
		return nil, &envelope.Error{
			Code:    envelope.CodeStateMismatch,
			Message: "authorization state did not match the pending sign-in",
		}
	}
	return e.exchange(ctx, provider, msg.Code, redirectURI)
}

func writeCallbackPage(w http.ResponseWriter, providerError string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	if providerError != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<html><body><h1>Sign-in failed</h1><p>%s</p></body></html>",
			html.EscapeString(providerError))
		return
	}
	fmt.Fprint(w, "<html><body><h1>Sign-in complete</h1><p>You can close this window.</p></body></html>")
}
