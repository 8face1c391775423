package server

import (
	"errors"
	"net/http"

	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// Sentinel errors for the server-side taxonomy. Handlers map these to
// HTTP statuses; engine code wraps them with context via fmt.Errorf and %w.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrSessionNotFound    = errors.New("upload session not found")
	ErrSessionMismatch    = errors.New("upload session mismatch")
	ErrChunkCountMismatch = errors.New("chunk count mismatch")
	ErrSizeMismatch       = errors.New("assembled size mismatch")
	ErrHashMismatch       = errors.New("assembled hash mismatch")
	ErrConflict           = errors.New("publish conflict")
	ErrBadRequest         = errors.New("bad request")
)

// classify maps an error to the HTTP status and wire code it should
// surface as. Unrecognized errors are I/O failures (500).
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, protocol.CodeUnauthorized
	case errors.Is(err, pathguard.ErrInvalidPath):
		return http.StatusBadRequest, protocol.CodeInvalidPath
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusBadRequest, protocol.CodeSessionNotFound
	case errors.Is(err, ErrSessionMismatch):
		return http.StatusBadRequest, protocol.CodeSessionMismatch
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, protocol.CodeBadRequest
	case errors.Is(err, ErrChunkCountMismatch):
		return http.StatusConflict, protocol.CodeChunkCountMismatch
	case errors.Is(err, ErrSizeMismatch):
		return http.StatusConflict, protocol.CodeSizeMismatch
	case errors.Is(err, ErrHashMismatch):
		return http.StatusConflict, protocol.CodeHashMismatch
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, protocol.CodeConflict
	default:
		return http.StatusInternalServerError, protocol.CodeIOFailure
	}
}
