package authkit

import (
	"encoding/json"

	"github.com/dgellow/authkit/apiclient"
)

// AuthTokens is the bearer credential pair issued on sign-in, sign-up, and
// refresh.
type AuthTokens = apiclient.Tokens

// User is the backend's view of an account. Backends are free to attach
// extra fields; they survive a round trip through Extra.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`

	// Extra holds backend-defined fields beyond the contract.
	Extra map[string]any `json:"-"`
}

// userKnownFields are stripped from Extra when decoding.
var userKnownFields = map[string]struct{}{
	"id":    {},
	"email": {},
	"name":  {},
}

// UnmarshalJSON decodes the contract fields and keeps everything else in
// Extra.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for field := range userKnownFields {
		delete(raw, field)
	}
	if len(raw) > 0 {
		p.Extra = make(map[string]any, len(raw))
		for field, value := range raw {
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return err
			}
			p.Extra[field] = v
		}
	}

	*u = User(p)
	return nil
}

// MarshalJSON re-flattens Extra next to the contract fields.
func (u User) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Extra)+3)
	for field, value := range u.Extra {
		out[field] = value
	}
	out["id"] = u.ID
	out["email"] = u.Email
	if u.Name != "" {
		out["name"] = u.Name
	}
	return json.Marshal(out)
}

// SignInResult is the payload of a successful sign-in or sign-up.
type SignInResult struct {
	User   User       `json:"user"`
	Tokens AuthTokens `json:"tokens"`
}

// Session pairs the backend-recognized user with implicit validity: it
// exists exactly when a sign-in is recognized, and is recomputed on each
// Session call rather than stored.
type Session struct {
	User User `json:"user"`
}

// SignUpParams registers a new account.
type SignUpParams struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// SignInMethod is the closed union of supported sign-in methods. Each
// variant carries its own payload shape and contributes the endpoint suffix
// of /sign-in/{method}.
type SignInMethod interface {
	method() string
}

// PasswordSignIn signs in with email and password.
type PasswordSignIn struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (PasswordSignIn) method() string { return "password" }

// OAuth2SignIn completes an authorization-code flow by handing the code to
// the backend for exchange.
type OAuth2SignIn struct {
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

func (OAuth2SignIn) method() string { return "oauth2" }

// MagicLinkSignIn requests a sign-in link by email. The backend answers
// out-of-band; no tokens are issued by this call.
type MagicLinkSignIn struct {
	Email string `json:"email"`
}

func (MagicLinkSignIn) method() string { return "magic-link" }

// Manifest is the backend's capability declaration, served at
// /.well-known/auth-plugin-manifest.json on the backend origin.
type Manifest struct {
	Version         string          `json:"version"`
	Plugins         []string        `json:"plugins"`
	OAuth2Providers []string        `json:"oauth2_providers,omitempty"`
	Features        map[string]bool `json:"features,omitempty"`
}
