// Package storage defines the key-value persistence capability the SDK
// stores tokens and OAuth2 flow state in, with interchangeable backends:
// in-process memory, an encrypted file, HTTP cookies for server-rendered
// apps, Redis, and Firestore.
//
// Adapters only persist strings by key. All token semantics (namespacing,
// expiry, atomicity of the token triple) live in the apiclient package,
// which is the sole writer of token keys.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists under the key.
var ErrNotFound = errors.New("storage: key not found")

// Adapter is the capability interface every backend implements.
type Adapter interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
