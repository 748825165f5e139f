package oauth2ext

import (
	"context"
	"net/http"
	"sort"

	"github.com/dgellow/authkit/apiclient"
	"github.com/dgellow/authkit/envelope"
	"github.com/dgellow/authkit/internal/log"
)

// Provider is one entry of the backend's OAuth2 provider catalog. The
// backend owns client secrets and token endpoints; the SDK only ever sees
// what it needs to build the authorization URL.
type Provider struct {
	Name             string            `json:"name"`
	DisplayName      string            `json:"displayName,omitempty"`
	AuthorizationURL string            `json:"authorizationUrl"`
	ClientID         string            `json:"clientId"`
	Scope            string            `json:"scope,omitempty"`
	RedirectURI      string            `json:"redirectUri,omitempty"`
	AdditionalParams map[string]string `json:"additionalParams,omitempty"`
}

type providersPayload struct {
	Providers []Provider `json:"providers"`
}

// LoadProviders fetches the provider catalog from the backend and replaces
// the cached set wholesale, so entries removed on the backend never survive
// a reload. Failures are reported as PROVIDERS_LOAD_FAILED.
func (e *Extension) LoadProviders(ctx context.Context) error {
	if e.pc == nil {
		return errNotInstalled
	}

	resp, err := e.pc.API.Do(ctx, "/providers", nil, &apiclient.RequestOptions{
		Method:   http.MethodGet,
		SkipAuth: true,
	})
	if err != nil {
		return &envelope.Error{
			Code:    envelope.CodeProvidersLoadFailed,
			Message: "failed to load OAuth2 providers: " + err.Error(),
		}
	}
	payload, err := envelope.Decode[providersPayload](resp)
	if err != nil {
		return &envelope.Error{
			Code:    envelope.CodeProvidersLoadFailed,
			Message: "failed to load OAuth2 providers: " + err.Error(),
		}
	}

	providers := make(map[string]Provider, len(payload.Providers))
	for _, p := range payload.Providers {
		if p.Name == "" {
			log.LogWarnWithFields(component, "Skipping provider without a name", nil)
			continue
		}
		providers[p.Name] = p
	}

	e.mu.Lock()
	e.providers = providers
	e.loaded = true
	e.mu.Unlock()

	log.LogDebugWithFields(component, "Loaded OAuth2 providers", map[string]any{
		"count": len(providers),
	})
	return nil
}

// Providers returns a snapshot of the cached catalog, sorted by name.
func (e *Extension) Providers() []Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Provider, 0, len(e.providers))
	for _, p := range e.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Provider returns the cached provider under name.
func (e *Extension) Provider(name string) (Provider, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.providers[name]
	return p, ok
}

// ensureProviders lazy-loads the catalog for flows started before any
// explicit LoadProviders call.
func (e *Extension) ensureProviders(ctx context.Context) error {
	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if loaded {
		return nil
	}
	return e.LoadProviders(ctx)
}
