// Package emailutil canonicalizes and masks email addresses.
package emailutil

import "strings"

// Normalize lowercases and trims an address so the backend always sees one
// canonical form regardless of how the user typed it.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Mask hides most of the local part for logs:
// "alice@example.com" becomes "a***@example.com". Addresses without an "@"
// are masked entirely.
func Mask(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
