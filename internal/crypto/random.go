// Package crypto holds the small cryptographic helpers authkit needs:
// CSRF state generation and at-rest encryption of stored token material.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// StateLength is the byte length of generated OAuth2 state values. Hex
// encoding doubles it on the wire.
const StateLength = 16

// GenerateState returns an unguessable OAuth2 state parameter: 16
// cryptographically random bytes, hex encoded to 32 characters.
//
// There is deliberately no pseudo-random fallback. A CSRF token from a weak
// source is worse than a failed sign-in, so an unavailable entropy source is
// a hard error.
func GenerateState() (string, error) {
	b := make([]byte, StateLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
