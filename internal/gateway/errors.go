package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrRequestFailed is the single failure kind surfaced by the gateway.
var ErrRequestFailed = errors.New("request failed")

// ErrorResponse is the body backends return with a non-2xx status.
type ErrorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	Timestamp  string `json:"timestamp"`
}

// RequestError describes a failed backend call: no response, a non-2xx
// status, or a body that could not be decoded.
type RequestError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Message    string
	Timestamp  string
	Err        error
}

// Error implements error.
func (e *RequestError) Error() string {
	return "request failed: " + e.Message
}

// Unwrap exposes the underlying transport or decode error.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRequestFailed) hold for every gateway failure.
func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

// Message returns the human-readable part of a gateway error, or err.Error()
// for anything else.
func Message(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func transportError(op string, err error) *RequestError {
	return &RequestError{
		Op:      op,
		Message: fmt.Sprintf("%s: %v", op, err),
		Err:     err,
	}
}

func malformedError(op string, status int, err error) *RequestError {
	return &RequestError{
		Op:         op,
		StatusCode: status,
		Message:    fmt.Sprintf("%s: invalid response: %v", op, err),
		Err:        err,
	}
}

// statusError builds the error for a non-2xx response. When the body is the
// backend's JSON error shape its message and code are used; otherwise one is
// synthesized from the status line.
func statusError(op string, resp *http.Response, body []byte) *RequestError {
	reqErr := &RequestError{
		Op:         op,
		StatusCode: resp.StatusCode,
	}

	var parsed ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error) != "" {
		reqErr.Message = parsed.Error
		reqErr.Timestamp = parsed.Timestamp
		if parsed.StatusCode != 0 {
			reqErr.StatusCode = parsed.StatusCode
		}
		return reqErr
	}

	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	reqErr.Message = "HTTP " + status
	return reqErr
}
