package oauth2ext

import (
	"context"
	"net/http"
	"sync"

	"github.com/dgellow/authkit"
	"github.com/dgellow/authkit/envelope"
	"github.com/dgellow/authkit/internal/log"
)

// Flow state persisted by the redirect transport between the 302 and the
// callback, namespaced under the API client's storage key prefix.
const (
	flowStateKey       = "oauth2_state"
	flowProviderKey    = "oauth2_provider"
	flowRedirectURIKey = "oauth2_redirect_uri"
)

// CallbackParams are the query parameters a provider appends to the
// redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParamsFromRequest extracts callback parameters from the provider
// redirect request.
func ParamsFromRequest(r *http.Request) CallbackParams {
	q := r.URL.Query()
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

func (p CallbackParams) message() CallbackMessage {
	return CallbackMessage{
		Code:             p.Code,
		State:            p.State,
		Error:            p.Error,
		ErrorDescription: p.ErrorDescription,
	}
}

// CallbackMessage is the narrow payload relayed from the page handling the
// provider redirect to the flow waiting on it. Nothing else crosses that
// boundary; validation and exchange stay with the waiting flow.
type CallbackMessage struct {
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

// callbackRelay hands one message from the callback handler to the flow
// that registered it. Duplicate deliveries (reloads of the callback page)
// are dropped.
type callbackRelay struct {
	ch   chan CallbackMessage
	once sync.Once
}

func newCallbackRelay() *callbackRelay {
	return &callbackRelay{ch: make(chan CallbackMessage, 1)}
}

func (r *callbackRelay) deliver(msg CallbackMessage) {
	r.once.Do(func() { r.ch <- msg })
}

// forwardToRelay hands msg to the waiting browser flow, if any.
func (e *Extension) forwardToRelay(msg CallbackMessage) bool {
	relay := e.relay.Load()
	if relay == nil {
		return false
	}
	relay.deliver(msg)
	return true
}

// HandleCallback completes an authorization-code round trip. When a browser
// flow in this process is waiting on the callback, the parameters are
// relayed to it and a POPUP_FLOW error is returned as a flow-control
// marker: that flow, not the callback handler, owns validation and
// exchange. Otherwise the redirect transport's persisted state is validated
// fail-closed and the code exchanged through the client's ordinary sign-in
// path.
func (e *Extension) HandleCallback(ctx context.Context, params CallbackParams) (*authkit.SignInResult, error) {
	if e.forwardToRelay(params.message()) {
		return nil, &envelope.Error{
			Code:    envelope.CodePopupFlow,
			Message: "callback relayed to the sign-in flow in progress",
		}
	}
	if e.pc == nil {
		return nil, errNotInstalled
	}

	if params.Error != "" {
		msg := params.Error
		if params.ErrorDescription != "" {
			msg = params.ErrorDescription
		}
		return nil, &envelope.Error{Code: envelope.CodeOAuth2Error, Message: msg}
	}
	if params.Code == "" {
		return nil, &envelope.Error{
			Code:    envelope.CodeNoCode,
			Message: "authorization callback carried no code",
		}
	}

	store := e.pc.API.Storage()
	storedState, err := store.Get(ctx, e.pc.API.StorageKey(flowStateKey))
	if err != nil || storedState == "" || storedState != params.State {
		// Stored flow state is left in place: a forged callback must not
		// invalidate a legitimate flow still in progress.
		return nil, &envelope.Error{
			Code:    envelope.CodeStateMismatch,
			Message: "authorization state did not match the pending sign-in",
		}
	}
	provider, err := store.Get(ctx, e.pc.API.StorageKey(flowProviderKey))
	if err != nil || provider == "" {
		return nil, &envelope.Error{
			Code:    envelope.CodeNoProvider,
			Message: "no pending sign-in flow for this callback",
		}
	}
	redirectURI, _ := store.Get(ctx, e.pc.API.StorageKey(flowRedirectURIKey))

	e.clearFlowState(ctx)

	return e.exchange(ctx, provider, params.Code, redirectURI)
}

// exchange hands the authorization code to the backend through the
// client's sign-in path, so issued tokens land in ordinary session state.
func (e *Extension) exchange(ctx context.Context, provider, code, redirectURI string) (*authkit.SignInResult, error) {
	return e.pc.SDK.SignIn(ctx, authkit.OAuth2SignIn{
		Provider:    provider,
		Code:        code,
		RedirectURI: redirectURI,
	})
}

func (e *Extension) clearFlowState(ctx context.Context) {
	store := e.pc.API.Storage()
	for _, key := range []string{flowStateKey, flowProviderKey, flowRedirectURIKey} {
		if err := store.Remove(ctx, e.pc.API.StorageKey(key)); err != nil {
			log.LogWarnWithFields(component, "Failed to clear flow state", map[string]any{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
}
