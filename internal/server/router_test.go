package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/filemirror-go/internal/config"
	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

const (
	testDataset = "photos"
	testClient  = "laptop"
	testKey     = "secret-key"
)

// httpFixture is a full server stack behind an httptest listener.
type httpFixture struct {
	inbound string
	ts      *httptest.Server
}

func newHTTPFixture(t *testing.T, deleteStrategy string) *httpFixture {
	t.Helper()

	base := t.TempDir()
	cfg := config.ServerConfig{
		InboundRoot:        filepath.Join(base, "data"),
		TempRoot:           filepath.Join(base, "tmp"),
		DeleteStrategy:     deleteStrategy,
		MaxParallelUploads: 4,
		SessionMaxAge:      "24h",
		DatasetKeys:        map[string]string{testDataset: testKey},
	}

	srv, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &httpFixture{inbound: cfg.InboundRoot, ts: ts}
}

// request sends a JSON or raw request with the auth header and returns
// the response with its body read.
func (f *httpFixture) request(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, f.ts.URL+protocol.BasePath+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(protocol.APIKeyHeader, testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	return resp, raw
}

func (f *httpFixture) postJSON(t *testing.T, path string, v any) (*http.Response, []byte) {
	t.Helper()

	body, err := json.Marshal(v)
	require.NoError(t, err)

	return f.request(t, http.MethodPost, path, body)
}

func (f *httpFixture) manifest(t *testing.T, files ...protocol.FileEntry) protocol.DiffResponse {
	t.Helper()

	resp, raw := f.postJSON(t, "/manifest", protocol.ManifestRequest{
		DatasetID: testDataset,
		ClientID:  testClient,
		Files:     files,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var diff protocol.DiffResponse
	require.NoError(t, json.Unmarshal(raw, &diff))

	return diff
}

func (f *httpFixture) putChunk(t *testing.T, relPath, uploadID string, index int, body string) *http.Response {
	t.Helper()

	path := fmt.Sprintf("/files/%s/uploads/%s/chunks/%d?datasetId=%s&clientId=%s",
		pathguard.EncodeToken(relPath), uploadID, index, testDataset, testClient)

	resp, _ := f.request(t, http.MethodPut, path, []byte(body))

	return resp
}

func (f *httpFixture) postComplete(t *testing.T, relPath, uploadID string, req protocol.CompleteRequest) (*http.Response, []byte) {
	t.Helper()

	req.DatasetID = testDataset
	req.ClientID = testClient

	path := fmt.Sprintf("/files/%s/uploads/%s/complete", pathguard.EncodeToken(relPath), uploadID)

	return f.postJSON(t, path, req)
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()

	var er protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &er))

	return er.Code
}

func TestHTTP_FullUploadRound(t *testing.T) {
	t.Parallel()

	f := newHTTPFixture(t, config.DeleteDisabled)
	lastWrite := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	diff := f.manifest(t, protocol.FileEntry{
		Path: "a/b.txt", Size: 9, LastWriteUTC: lastWrite,
	})
	require.Len(t, diff.Upload, 1)
	require.Empty(t, diff.Delete)

	id := diff.Upload[0].UploadID

	for i, chunk := range []string{"hell", "o\nhi", "\n"} {
		resp := f.putChunk(t, "a/b.txt", id, i, chunk)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp, raw := f.postComplete(t, "a/b.txt", id, protocol.CompleteRequest{
		ExpectedSize: 9,
		SHA256:       helloHiHash,
		ChunkCount:   3,
		LastWriteUTC: lastWrite,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "body: %s", raw)

	target := filepath.Join(f.inbound, testDataset, "a", "b.txt")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello\nhi\n", string(data))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.ModTime().UTC().Equal(lastWrite))

	// A second round with the same manifest uploads nothing.
	diff = f.manifest(t, protocol.FileEntry{
		Path: "a/b.txt", Size: 9, LastWriteUTC: lastWrite,
	})
	assert.Empty(t, diff.Upload)
}

func TestHTTP_OlderWriterLosesQuietly(t *testing.T) {
	t.Parallel()

	f := newHTTPFixture(t, config.DeleteDisabled)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	writeDatasetFile(t, f.inbound, testDataset, "doc.txt", "server copy", base)

	// The manifest already filters an older client file out.
	diff := f.manifest(t, protocol.FileEntry{
		Path: "doc.txt", Size: 3, LastWriteUTC: base.Add(-time.Hour),
	})
	assert.Empty(t, diff.Upload)

	// A racing writer that staged before the target advanced still gets a
	// clean 204; the newer server copy survives.
	diff = f.manifest(t, protocol.FileEntry{
		Path: "doc.txt", Size: 3, LastWriteUTC: base.Add(time.Hour),
	})
	require.Len(t, diff.Upload, 1)
	id := diff.Upload[0].UploadID

	resp := f.putChunk(t, "doc.txt", id, 0, "NEW")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Another writer publishes an even newer copy first.
	writeDatasetFile(t, f.inbound, testDataset, "doc.txt", "even newer", base.Add(2*time.Hour))

	cResp, raw := f.postComplete(t, "doc.txt", id, protocol.CompleteRequest{
		ExpectedSize: 3,
		SHA256:       newHash,
		ChunkCount:   1,
		LastWriteUTC: base.Add(time.Hour),
	})
	require.Equal(t, http.StatusNoContent, cResp.StatusCode, "body: %s", raw)

	data, err := os.ReadFile(filepath.Join(f.inbound, testDataset, "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "even newer", string(data))
}

func TestHTTP_ChunkCountMismatchThenRecovery(t *testing.T) {
	t.Parallel()

	f := newHTTPFixture(t, config.DeleteDisabled)
	lastWrite := time.Now().UTC()

	diff := f.manifest(t, protocol.FileEntry{
		Path: "big.bin", Size: 9, LastWriteUTC: lastWrite,
	})
	require.Len(t, diff.Upload, 1)
	id := diff.Upload[0].UploadID

	// Only two of three chunks arrive.
	require.Equal(t, http.StatusNoContent, f.putChunk(t, "big.bin", id, 0, "hell").StatusCode)
	require.Equal(t, http.StatusNoContent, f.putChunk(t, "big.bin", id, 1, "o\nhi").StatusCode)

	resp, raw := f.postComplete(t, "big.bin", id, protocol.CompleteRequest{
		ExpectedSize: 9,
		SHA256:       helloHiHash,
		ChunkCount:   3,
		LastWriteUTC: lastWrite,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, protocol.CodeChunkCountMismatch, errorCode(t, raw))

	// The session survived; sending the missing chunk fixes the round.
	require.Equal(t, http.StatusNoContent, f.putChunk(t, "big.bin", id, 2, "\n").StatusCode)

	resp, raw = f.postComplete(t, "big.bin", id, protocol.CompleteRequest{
		ExpectedSize: 9,
		SHA256:       helloHiHash,
		ChunkCount:   3,
		LastWriteUTC: lastWrite,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "body: %s", raw)
}

func TestHTTP_DeleteRound(t *testing.T) {
	t.Parallel()

	f := newHTTPFixture(t, config.DeleteLWW)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	abs := writeDatasetFile(t, f.inbound, testDataset, "old.txt", "x", base)

	// Client has nothing; the diff reports the server-only path.
	diff := f.manifest(t)
	require.Equal(t, []string{"old.txt"}, diff.Delete)

	deletedAt := base.Add(time.Hour)
	resp, raw := f.postJSON(t, "/delete", protocol.DeleteRequest{
		DatasetID:    testDataset,
		ClientID:     testClient,
		Paths:        diff.Delete,
		DeletedAtUTC: &deletedAt,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "body: %s", raw)
	assert.NoFileExists(t, abs)
}

func TestHTTP_InvalidPathRejected(t *testing.T) {
	t.Parallel()

	f := newHTTPFixture(t, config.DeleteDisabled)

	resp, raw := f.postJSON(t, "/manifest", protocol.ManifestRequest{
		DatasetID: testDataset,
		ClientID:  testClient,
		Files: []protocol.FileEntry{
			{Path: "../../etc/passwd", Size: 1, LastWriteUTC: time.Now().UTC()},
		},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.CodeInvalidPath, errorCode(t, raw))
}

func TestHTTP_Unauthorized(t *testing.T) {
	t.Parallel()

	f := newHTTPFixture(t, config.DeleteDisabled)

	body, err := json.Marshal(protocol.ManifestRequest{
		DatasetID: testDataset,
		ClientID:  testClient,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+protocol.BasePath+"/manifest", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(protocol.APIKeyHeader, "wrong-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, protocol.CodeUnauthorized, errorCode(t, raw))
}

func TestHTTP_UnknownSessionRejected(t *testing.T) {
	t.Parallel()

	f := newHTTPFixture(t, config.DeleteDisabled)

	resp := f.putChunk(t, "a.txt", "3c8d9d9e-0000-4000-8000-000000000000", 0, "x")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_MalformedBodyIsBadRequest(t *testing.T) {
	t.Parallel()

	f := newHTTPFixture(t, config.DeleteDisabled)

	resp, raw := f.request(t, http.MethodPost, "/manifest", []byte("{not json"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.CodeBadRequest, errorCode(t, raw))
}
