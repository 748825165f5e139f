package oauth2ext

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/oauth2"

	"github.com/dgellow/authkit/internal/crypto"
)

// AuthorizationURLOptions configures authorization URL construction. Only
// Provider is required; the rest fall back to the provider's catalog entry.
type AuthorizationURLOptions struct {
	Provider    string
	RedirectURI string
	Scope       string

	// State overrides the generated CSRF state. Callers supplying their
	// own state own its validation.
	State string
}

// AuthorizationURL builds the provider's authorization URL and returns it
// together with the CSRF state embedded in it. The caller must hold on to
// the state and compare it against the callback's.
func (e *Extension) AuthorizationURL(opts AuthorizationURLOptions) (authURL, state string, err error) {
	p, ok := e.Provider(opts.Provider)
	if !ok {
		return "", "", fmt.Errorf("unknown OAuth2 provider %q", opts.Provider)
	}

	state = opts.State
	if state == "" {
		state, err = crypto.GenerateState()
		if err != nil {
			return "", "", err
		}
	}

	scope := opts.Scope
	if scope == "" {
		scope = p.Scope
	}

	cfg := oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: e.resolveRedirectURI(p, opts.RedirectURI),
		Endpoint:    oauth2.Endpoint{AuthURL: p.AuthorizationURL},
	}
	if scope != "" {
		cfg.Scopes = strings.Fields(scope)
	}

	// Sorted so the same inputs always produce the same URL.
	keys := make([]string, 0, len(p.AdditionalParams))
	for k := range p.AdditionalParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	urlOpts := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		urlOpts = append(urlOpts, oauth2.SetAuthURLParam(k, p.AdditionalParams[k]))
	}

	return cfg.AuthCodeURL(state, urlOpts...), state, nil
}

// resolveRedirectURI applies the precedence explicit > provider catalog >
// configured default > derived {backend origin}/auth/callback.
func (e *Extension) resolveRedirectURI(p Provider, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p.RedirectURI != "" {
		return p.RedirectURI
	}
	if e.opts.DefaultRedirectURI != "" {
		return e.opts.DefaultRedirectURI
	}
	if e.pc == nil {
		return ""
	}
	base, err := url.Parse(e.pc.SDK.BaseURL())
	if err != nil || base.Host == "" {
		return ""
	}
	derived := url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/auth/callback"}
	return derived.String()
}
