package oauth2ext

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dgellow/authkit/internal/log"
)

// SignInWithRedirect starts the redirect transport for server-rendered
// apps: it persists the flow state, then answers the request with a 302 to
// the provider's authorization URL. HandleCallback completes the round
// trip. Failures happen before any navigation, so they are returned as
// plain errors for the caller's own error page, never enveloped.
func (e *Extension) SignInWithRedirect(w http.ResponseWriter, r *http.Request, opts SignInOptions) error {
	if e.pc == nil {
		return errNotInstalled
	}
	if w == nil || r == nil {
		return errors.New("redirect sign-in needs an in-flight HTTP request")
	}
	ctx := r.Context()

	if err := e.ensureProviders(ctx); err != nil {
		return err
	}
	p, ok := e.Provider(opts.Provider)
	if !ok {
		return fmt.Errorf("unknown OAuth2 provider %q", opts.Provider)
	}
	redirectURI := e.resolveRedirectURI(p, opts.RedirectURI)

	authURL, state, err := e.AuthorizationURL(AuthorizationURLOptions{
		Provider:    opts.Provider,
		RedirectURI: redirectURI,
		Scope:       opts.Scope,
	})
	if err != nil {
		return err
	}

	// State is durable before the user ever leaves, so the callback can
	// always validate.
	store := e.pc.API.Storage()
	flowState := map[string]string{
		flowStateKey:       state,
		flowProviderKey:    opts.Provider,
		flowRedirectURIKey: redirectURI,
	}
	for key, value := range flowState {
		if err := store.Set(ctx, e.pc.API.StorageKey(key), value); err != nil {
			e.clearFlowState(ctx)
			return fmt.Errorf("failed to persist sign-in flow state: %w", err)
		}
	}

	log.LogDebugWithFields(component, "Redirecting to authorization URL", map[string]any{
		"provider": opts.Provider,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}
