// Package ioutil bounds response body reads so a misbehaving backend can
// never balloon SDK memory.
package ioutil

import (
	"fmt"
	"io"
	"strings"
	"unicode"
)

// ReadLimited reads at most limit bytes from r.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// Snippet returns a short printable prefix of body for error messages.
// Control characters are dropped so log lines stay one line.
func Snippet(body []byte, max int) string {
	var b strings.Builder
	for _, r := range string(body) {
		if b.Len() >= max {
			b.WriteString("...")
			break
		}
		if unicode.IsPrint(r) || r == ' ' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
