package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// handleManifest computes the diff for a client manifest and mints upload
// sessions for the files the client must send.
// POST /api/sync/manifest
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req protocol.ManifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("server: decoding manifest: %w", ErrBadRequest))
		return
	}

	if err := s.auth.Authorize(req.DatasetID, req.ClientID, r.Header.Get(protocol.APIKeyHeader)); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.diff.Diff(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("encoding diff response", slog.String("error", err.Error()))
	}
}

// handleChunk streams one chunk body into an upload session.
// PUT /api/sync/files/{pathToken}/uploads/{uploadID}/chunks/{index}?datasetId=&clientId=
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	datasetID := r.URL.Query().Get("datasetId")
	clientID := r.URL.Query().Get("clientId")

	if err := s.auth.Authorize(datasetID, clientID, r.Header.Get(protocol.APIKeyHeader)); err != nil {
		s.writeError(w, r, err)
		return
	}

	relPath, err := pathguard.DecodeToken(chi.URLParam(r, "pathToken"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("server: chunk index: %w", ErrBadRequest))
		return
	}

	uploadID := chi.URLParam(r, "uploadID")

	if err := s.merge.SaveChunk(r.Context(), datasetID, clientID, uploadID, relPath, index, r.Body); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleComplete finalizes a chunked upload: assemble, verify, publish.
// POST /api/sync/files/{pathToken}/uploads/{uploadID}/complete
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req protocol.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("server: decoding complete request: %w", ErrBadRequest))
		return
	}

	if err := s.auth.Authorize(req.DatasetID, req.ClientID, r.Header.Get(protocol.APIKeyHeader)); err != nil {
		s.writeError(w, r, err)
		return
	}

	relPath, err := pathguard.DecodeToken(chi.URLParam(r, "pathToken"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	uploadID := chi.URLParam(r, "uploadID")

	if err := s.merge.CompleteUpload(r.Context(), req.DatasetID, uploadID, relPath, req); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDelete applies the configured delete policy to the listed paths.
// POST /api/sync/delete
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("server: decoding delete request: %w", ErrBadRequest))
		return
	}

	if err := s.auth.Authorize(req.DatasetID, req.ClientID, r.Header.Get(protocol.APIKeyHeader)); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.deletes.Apply(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeError converts an engine error to its HTTP status and JSON body.
// Unexpected errors (500) are logged with correlation fields.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	if status == http.StatusInternalServerError {
		s.logger.Error("internal error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := protocol.ErrorResponse{Code: code, Message: statusText(err)}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		s.logger.Warn("encoding error response", slog.String("error", encErr.Error()))
	}
}
