// Package urlutil joins backend URLs without double or missing slashes.
package urlutil

import (
	"fmt"
	"net/url"
	"path"
)

// JoinPath joins path segments onto a base URL. The base may itself carry a
// path ("https://api.example.com/auth"), which is preserved.
func JoinPath(base string, segments ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base URL %q has no scheme or host", base)
	}
	all := append([]string{u.Path}, segments...)
	u.Path = path.Join(all...)
	return u.String(), nil
}

// Origin strips a URL down to scheme and host, for well-known lookups that
// live at the domain root regardless of the base path.
func Origin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q has no scheme or host", raw)
	}
	origin := url.URL{Scheme: u.Scheme, Host: u.Host}
	return origin.String(), nil
}
