// Package envelope defines the uniform response wrapper every authkit
// backend call returns: {ok, data, error}. Backends signal failure through
// the envelope rather than HTTP status codes alone, so callers match on
// error codes, not statuses.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Error codes surfaced to SDK callers. Calling code matches on these
// verbatim, so they are part of the wire contract.
const (
	CodeNoRefreshToken      = "NO_REFRESH_TOKEN"
	CodeRefreshError        = "REFRESH_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeNotBrowser          = "NOT_BROWSER"
	CodePopupBlocked        = "POPUP_BLOCKED"
	CodePopupClosed         = "POPUP_CLOSED"
	CodeOAuth2Error         = "OAUTH2_ERROR"
	CodeNoCode              = "NO_CODE"
	CodeStateMismatch       = "STATE_MISMATCH"
	CodeNoProvider          = "NO_PROVIDER"
	CodePopupFlow           = "POPUP_FLOW"
	CodeProvidersLoadFailed = "PROVIDERS_LOAD_FAILED"
	CodePluginNotInstalled  = "PLUGIN_NOT_INSTALLED"
)

// Error is the typed error half of the envelope.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code. Allows
// errors.Is(err, &envelope.Error{Code: envelope.CodeUnauthorized}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Response is the wire envelope. Data is kept raw so each caller can decode
// into its own payload type.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Ok builds a success envelope from an already-marshaled payload.
func Ok(data json.RawMessage) Response {
	return Response{OK: true, Data: data}
}

// Fail builds a failure envelope with the given code and message.
func Fail(code, format string, args ...any) Response {
	return Response{OK: false, Error: &Error{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// FailErr wraps an existing typed error into a failure envelope.
func FailErr(err *Error) Response {
	return Response{OK: false, Error: err}
}

// Err returns the envelope's error when the call failed, nil otherwise.
// A failed envelope without a typed error still reports a non-nil error so
// callers never mistake it for success.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &Error{Code: CodeNetworkError, Message: "backend returned a failure envelope without an error body"}
}

// ErrorCode returns the envelope's error code, or "" for success envelopes.
func (r Response) ErrorCode() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// Decode unmarshals a success envelope's data into T. Failure envelopes
// return the typed envelope error.
func Decode[T any](r Response) (T, error) {
	var out T
	if err := r.Err(); err != nil {
		return out, err
	}
	if len(r.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Data, &out); err != nil {
		return out, fmt.Errorf("failed to decode envelope data: %w", err)
	}
	return out, nil
}

// Marshal encodes a payload into a success envelope's raw data. Used by
// tests and fake backends.
func Marshal(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope data: %w", err)
	}
	return raw, nil
}
