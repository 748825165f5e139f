// Package oauth2ext is the OAuth2 authorization-code extension for authkit:
// provider discovery from the backend, authorization URL construction with
// CSRF state, and two transports for completing the flow (system browser
// with a loopback callback server, and HTTP redirect for server-rendered
// apps). The code/token exchange always happens on the backend; this
// package only carries the authorization code there.
package oauth2ext

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/browser"

	"github.com/dgellow/authkit"
	"github.com/dgellow/authkit/internal/log"
)

// PluginName is the registry name the extension installs under.
const PluginName = "oauth2"

const pluginVersion = "1.0.0"

const component = "oauth2"

var errNotInstalled = errors.New("oauth2 extension is not installed into a client")

// Options configures the extension at construction time.
type Options struct {
	// DefaultRedirectURI is used when neither the call site nor the
	// provider configuration names one. Empty derives
	// {backend origin}/auth/callback.
	DefaultRedirectURI string

	// CallbackPort pins the loopback callback server port for the browser
	// transport. Zero picks a free port.
	CallbackPort int

	// OpenBrowser overrides how the browser transport opens the
	// authorization URL. Nil uses the system browser.
	OpenBrowser func(url string) error

	// AutoLoadProviders fetches the provider catalog during Install.
	// Flows lazy-load the catalog either way; this only warms it.
	AutoLoadProviders bool

	// PendingCallback carries callback parameters already present when the
	// extension is constructed, for processes that come up while handling
	// the provider redirect. Install services it instead of doing setup
	// work the callback page will never need.
	PendingCallback *CallbackParams
}

// Extension implements authkit.Plugin for the OAuth2 authorization-code
// flow.
type Extension struct {
	opts Options

	pc *authkit.PluginContext

	mu        sync.RWMutex
	providers map[string]Provider
	loaded    bool

	// relay is non-nil exactly while a browser flow waits on its callback.
	relay atomic.Pointer[callbackRelay]
}

var _ authkit.Plugin = (*Extension)(nil)

// New creates the extension. Install it with authkit.Client.Use.
func New(opts Options) *Extension {
	return &Extension{
		opts:      opts,
		providers: make(map[string]Provider),
	}
}

// Name implements authkit.Plugin.
func (*Extension) Name() string { return PluginName }

// Version implements authkit.Plugin.
func (*Extension) Version() string { return pluginVersion }

// Install wires the extension into the client. When PendingCallback carries
// a code or provider error, the callback is serviced and install returns
// early: a process sitting on the provider redirect has nothing else to do.
func (e *Extension) Install(ctx context.Context, pc *authkit.PluginContext) error {
	e.pc = pc

	if p := e.opts.PendingCallback; p != nil && (p.Code != "" || p.Error != "") {
		if e.forwardToRelay(p.message()) {
			log.LogDebugWithFields(component, "Relayed pending callback during install", nil)
		}
		return nil
	}

	if e.opts.AutoLoadProviders {
		// A provider catalog outage must not block client setup.
		if err := e.LoadProviders(ctx); err != nil {
			log.LogWarnWithFields(component, "Provider auto-load failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
	return nil
}

// From returns the oauth2 extension installed on c.
func From(c *authkit.Client) (*Extension, error) {
	p, err := c.RequirePlugin(PluginName)
	if err != nil {
		return nil, err
	}
	ext, ok := p.(*Extension)
	if !ok {
		return nil, fmt.Errorf("plugin %q is not the oauth2 extension", PluginName)
	}
	return ext, nil
}

func (e *Extension) canOpenBrowser() bool {
	if e.opts.OpenBrowser != nil {
		return true
	}
	if runtime.GOOS == "linux" {
		// Headless hosts have no graphical session to open a browser in.
		return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
	}
	return true
}

func (e *Extension) openBrowser(url string) error {
	if e.opts.OpenBrowser != nil {
		return e.opts.OpenBrowser(url)
	}
	return browser.OpenURL(url)
}
