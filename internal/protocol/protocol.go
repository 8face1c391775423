// Package protocol defines the wire payloads and shared constants of the
// mirror-sync HTTP protocol. Both the server handlers and the client API
// speak these shapes; neither side defines private variants.
package protocol

import "time"

// APIKeyHeader carries the pre-shared key on every request.
const APIKeyHeader = "X-Api-Key"

// BasePath is the URL prefix for all sync endpoints.
const BasePath = "/api/sync"

// DefaultChunkSize is the upload unit when the client config does not
// override it.
const DefaultChunkSize = 8 << 20 // 8 MiB

// FileEntry describes one file in a manifest: a normalized POSIX relative
// path, its size in bytes, and its last-write instant in UTC. SHA256 is a
// lowercase hex digest and may be empty when the client has not computed
// one for this round.
type FileEntry struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastWriteUTC time.Time `json:"lastWriteUtc"`
	SHA256       string    `json:"sha256,omitempty"`
}

// ManifestRequest is the body of POST /api/sync/manifest.
type ManifestRequest struct {
	DatasetID string      `json:"datasetId"`
	ClientID  string      `json:"clientId"`
	Files     []FileEntry `json:"files"`
}

// UploadInstruction tells the client to upload one file through the
// session identified by UploadID.
type UploadInstruction struct {
	Path     string `json:"path"`
	UploadID string `json:"uploadId"`
}

// DiffResponse is the body returned by POST /api/sync/manifest.
type DiffResponse struct {
	Upload []UploadInstruction `json:"upload"`
	Delete []string            `json:"delete"`
}

// CompleteRequest finalizes a chunked upload. ChunkCount of zero means
// "do not verify the count"; SHA256 empty means "do not verify the hash".
type CompleteRequest struct {
	DatasetID    string    `json:"datasetId"`
	ClientID     string    `json:"clientId"`
	ExpectedSize int64     `json:"expectedSize"`
	SHA256       string    `json:"sha256,omitempty"`
	ChunkCount   int       `json:"chunkCount"`
	LastWriteUTC time.Time `json:"lastWriteUtc"`
}

// DeleteRequest asks the server to apply its delete policy to the listed
// paths. DeletedAtUTC is required under the LWW delete policy and ignored
// when deletes are disabled.
type DeleteRequest struct {
	DatasetID    string     `json:"datasetId"`
	ClientID     string     `json:"clientId"`
	Paths        []string   `json:"paths"`
	DeletedAtUTC *time.Time `json:"deletedAtUtc,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeUnauthorized       = "unauthorized"
	CodeInvalidPath        = "invalid_path"
	CodeSessionNotFound    = "session_not_found"
	CodeSessionMismatch    = "session_mismatch"
	CodeChunkCountMismatch = "chunk_count_mismatch"
	CodeSizeMismatch       = "size_mismatch"
	CodeHashMismatch       = "hash_mismatch"
	CodeConflict           = "conflict"
	CodeIOFailure          = "io_failure"
	CodeBadRequest         = "bad_request"
)
