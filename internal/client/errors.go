package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the client-side taxonomy.
var (
	// ErrUnauthorized means the server rejected the pre-shared key.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected is any other 4xx rejection (bad path, session mismatch).
	ErrRejected = errors.New("request rejected")
	// ErrIntegrity is a 409 integrity rejection (size/hash/count mismatch).
	ErrIntegrity = errors.New("integrity failure")
	// ErrServer is a 5xx server failure.
	ErrServer = errors.New("server failure")
	// ErrLocalIO marks failures reading the scan root or state file.
	ErrLocalIO = errors.New("local i/o failure")
)

// APIError carries the HTTP status and response body of a non-2xx reply,
// classified to one of the sentinels above for errors.Is matching.
type APIError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status to its sentinel.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusConflict:
		return ErrIntegrity
	case status >= http.StatusInternalServerError:
		return ErrServer
	default:
		return ErrRejected
	}
}
