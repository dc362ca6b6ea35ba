package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyResponse is returned when a call that must yield data got none.
var ErrEmptyResponse = errors.New("empty response body")

// APIError is a failed backend call. Error renders the single-line operator
// message, e.g. "POST /lemouf/loop/step 500: missing_workflow".
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		if e.Message == "" && e.Err != nil {
			return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
		}
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s %s %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// extractMessage pulls the best human message out of an error body:
// the "error" field, else "message", else the raw text.
func extractMessage(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return firstLine(text)
	}
	if msg := rawMessage(payload.Error); msg != "" {
		return msg
	}
	if payload.Message != "" {
		return payload.Message
	}
	return firstLine(text)
}

// rawMessage accepts both {"error": "text"} and {"error": {"message": "text"}}.
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Message != "" {
		return nested.Message
	}
	return string(raw)
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}
