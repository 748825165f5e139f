package authkit

import (
	"context"
	"fmt"

	"github.com/dgellow/authkit/apiclient"
	"github.com/dgellow/authkit/envelope"
	"github.com/dgellow/authkit/internal/log"
)

// Plugin is a named, versioned capability installed into a Client. Plugins
// are explicit components queried back via GetPlugin, never dynamic
// mutations of the client's shape.
type Plugin interface {
	// Name identifies the plugin in the registry. Installing a second
	// plugin under an installed name is a warned no-op.
	Name() string

	// Version is informational, surfaced in logs.
	Version() string

	// Install wires the plugin into the client. A returned error aborts
	// the registration.
	Install(ctx context.Context, pc *PluginContext) error
}

// CoreHooks is the narrow slice of token authority handed to plugins. It
// routes through the API client so plugins cannot break the atomicity of
// the stored token triple.
type CoreHooks struct {
	Token       func(ctx context.Context) (string, error)
	SetTokens   func(ctx context.Context, tokens AuthTokens) error
	ClearTokens func(ctx context.Context) error
	Refresh     func(ctx context.Context) (AuthTokens, error)
}

// PluginContext is what a plugin receives at install time.
type PluginContext struct {
	// API is the shared request pipeline and token store.
	API *apiclient.Client

	// Core exposes token operations.
	Core CoreHooks

	// SDK is the installing client, for plugins that need sign-in
	// delegation.
	SDK *Client
}

// Use installs a plugin. Re-installing an already-installed name warns and
// returns nil without calling Install again, so framework adapters can
// register defensively.
func (c *Client) Use(ctx context.Context, p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin has an empty name")
	}
	if _, installed := c.plugins[name]; installed {
		log.LogWarnWithFields("authkit", "Plugin already installed, skipping", map[string]any{
			"plugin": name,
		})
		return nil
	}

	pc := &PluginContext{
		API: c.api,
		Core: CoreHooks{
			Token:       c.api.AccessToken,
			SetTokens:   c.api.SetTokens,
			ClearTokens: c.api.ClearTokens,
			Refresh:     c.api.Refresh,
		},
		SDK: c,
	}
	if err := p.Install(ctx, pc); err != nil {
		return fmt.Errorf("failed to install plugin %q: %w", name, err)
	}

	c.plugins[name] = p
	log.LogInfoWithFields("authkit", "Plugin installed", map[string]any{
		"plugin":  name,
		"version": p.Version(),
	})
	return nil
}

// GetPlugin returns the installed plugin under name.
func (c *Client) GetPlugin(name string) (Plugin, bool) {
	p, ok := c.plugins[name]
	return p, ok
}

// RequirePlugin returns the installed plugin under name, or a typed
// PLUGIN_NOT_INSTALLED error.
func (c *Client) RequirePlugin(name string) (Plugin, error) {
	p, ok := c.plugins[name]
	if !ok {
		return nil, &envelope.Error{
			Code:    envelope.CodePluginNotInstalled,
			Message: fmt.Sprintf("plugin %q is not installed", name),
		}
	}
	return p, nil
}
