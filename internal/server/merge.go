package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// copyBufSize is the buffer used for streaming chunk bodies and assembly.
const copyBufSize = 256 * 1024

// MergeEngine accepts chunk bodies into upload sessions, assembles and
// verifies completed uploads, and atomically publishes them into the
// dataset under the LWW overwrite policy.
//
// Completes run under two gates: a process-wide semaphore bounding
// concurrent assemblies, and a per-target-path mutex that linearizes
// publishers racing for the same file. Neither gate is held across a
// client network boundary, only across local disk work.
type MergeEngine struct {
	inboundRoot string
	tempRoot    string
	sessions    *SessionStore
	locks       *pathLocks
	completes   *semaphore.Weighted
	logger      *slog.Logger
}

// NewMergeEngine creates a MergeEngine. maxParallel bounds concurrent
// CompleteUpload executions and must be >= 1.
func NewMergeEngine(
	inboundRoot, tempRoot string, maxParallel int, sessions *SessionStore, logger *slog.Logger,
) *MergeEngine {
	if logger == nil {
		logger = slog.Default()
	}

	if maxParallel < 1 {
		maxParallel = 1
	}

	return &MergeEngine{
		inboundRoot: inboundRoot,
		tempRoot:    tempRoot,
		sessions:    sessions,
		locks:       newPathLocks(),
		completes:   semaphore.NewWeighted(int64(maxParallel)),
		logger:      logger,
	}
}

// SaveChunk streams one chunk body into the session's staging directory
// with create-or-truncate semantics, so a resend of the same index
// cleanly overwrites the prior body. The session must exist, belong to
// clientID, and stage relPath (case-insensitive).
func (m *MergeEngine) SaveChunk(
	ctx context.Context, datasetID, clientID, uploadID, relPath string, index int, body io.Reader,
) error {
	sess, err := m.resolveSession(datasetID, clientID, uploadID, relPath)
	if err != nil {
		return err
	}

	if index < 0 {
		return fmt.Errorf("server: negative chunk index %d: %w", index, ErrBadRequest)
	}

	chunkPath := m.sessions.ChunkPath(sess, index)

	f, err := os.Create(chunkPath)
	if err != nil {
		return fmt.Errorf("server: creating chunk file: %w", err)
	}

	_, copyErr := io.CopyBuffer(f, contextReader{ctx: ctx, r: body}, make([]byte, copyBufSize))
	closeErr := f.Close()

	if copyErr != nil {
		// The chunk file is left indeterminate; the client will resend
		// this index. No other chunk and no published file is affected.
		return fmt.Errorf("server: writing chunk %d: %w", index, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("server: closing chunk %d: %w", index, closeErr)
	}

	m.logger.Debug("chunk saved",
		slog.String("upload_id", sess.UploadID),
		slog.Int("index", index),
	)

	return nil
}

// CompleteUpload assembles the session's chunks, verifies size and hash,
// and atomically publishes the result, applying the LWW overwrite policy.
// An older last-write wins nothing: the call succeeds as an idempotent
// no-op and the session is cleaned.
func (m *MergeEngine) CompleteUpload(
	ctx context.Context, datasetID, uploadID, relPath string, req protocol.CompleteRequest,
) error {
	sess, err := m.resolveSession(datasetID, req.ClientID, uploadID, relPath)
	if err != nil {
		return err
	}

	target, err := pathguard.SafeJoin(filepath.Join(m.inboundRoot, datasetID), sess.RelPath)
	if err != nil {
		return err
	}

	if err := m.completes.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("server: acquiring upload slot: %w", err)
	}
	defer m.completes.Release(1)

	lock := m.locks.get(datasetID + "/" + pathguard.Key(sess.RelPath))
	lock.Lock()
	defer lock.Unlock()

	serverMtime := statMtime(target)

	if !shouldOverwrite(serverMtime, req.LastWriteUTC) {
		m.logger.Info("complete is older than target, skipping publish",
			slog.String("upload_id", sess.UploadID),
			slog.String("path", sess.RelPath),
			slog.Time("last_write", req.LastWriteUTC),
			slog.Time("target_mtime", *serverMtime),
		)
		m.cleanupSession(datasetID, sess.UploadID)

		return nil
	}

	chunks, err := m.orderedChunks(sess)
	if err != nil {
		return err
	}

	if req.ChunkCount > 0 && len(chunks) != req.ChunkCount {
		return fmt.Errorf("server: session has %d chunks, complete names %d: %w",
			len(chunks), req.ChunkCount, ErrChunkCountMismatch)
	}

	tempPath, size, hash, err := m.assemble(ctx, datasetID, chunks)
	if err != nil {
		return err
	}

	if size != req.ExpectedSize {
		os.Remove(tempPath)
		return fmt.Errorf("server: assembled %d bytes, expected %d: %w",
			size, req.ExpectedSize, ErrSizeMismatch)
	}

	if req.SHA256 != "" && !strings.EqualFold(req.SHA256, hash) {
		os.Remove(tempPath)
		return fmt.Errorf("server: assembled hash %s, expected %s: %w",
			hash, req.SHA256, ErrHashMismatch)
	}

	if err := m.publish(tempPath, target, req.LastWriteUTC); err != nil {
		os.Remove(tempPath)
		return err
	}

	// The publish is committed; cleanup failures are logged, not surfaced.
	m.cleanupSession(datasetID, sess.UploadID)

	m.logger.Info("file published",
		slog.String("dataset", datasetID),
		slog.String("path", sess.RelPath),
		slog.Int64("size", size),
		slog.Int("chunks", len(chunks)),
	)

	return nil
}

// resolveSession fetches the session and checks client and path bindings.
// An empty wantRelPath skips the path check (Complete derives the path
// from the session itself).
func (m *MergeEngine) resolveSession(datasetID, clientID, uploadID, wantRelPath string) (*Session, error) {
	sess, err := m.sessions.Get(datasetID, uploadID)
	if err != nil {
		return nil, err
	}

	if sess.ClientID != clientID {
		return nil, fmt.Errorf("server: session %s belongs to client %q: %w",
			sess.UploadID, sess.ClientID, ErrSessionMismatch)
	}

	if wantRelPath != "" && !pathguard.Equal(sess.RelPath, pathguard.Normalize(wantRelPath)) {
		return nil, fmt.Errorf("server: session %s stages %q, request names %q: %w",
			sess.UploadID, sess.RelPath, wantRelPath, ErrSessionMismatch)
	}

	return sess, nil
}

// orderedChunks enumerates the session's chunk files sorted by parsed
// index ascending. Unparseable names sort last and surface as a count
// mismatch.
func (m *MergeEngine) orderedChunks(sess *Session) ([]string, error) {
	entries, err := os.ReadDir(sess.Dir())
	if err != nil {
		return nil, fmt.Errorf("server: reading session dir: %w", err)
	}

	var names []string

	for _, e := range entries {
		if e.IsDir() || e.Name() == sessionFileName {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Slice(names, func(i, j int) bool {
		return chunkIndex(names[i]) < chunkIndex(names[j])
	})

	chunks := make([]string, len(names))
	for i, n := range names {
		chunks[i] = filepath.Join(sess.Dir(), n)
	}

	return chunks, nil
}

// assemble stream-copies the ordered chunks into a freshly named temp
// file under the dataset's temp root, computing size and SHA-256 inline.
// On any failure the temp file is removed.
func (m *MergeEngine) assemble(ctx context.Context, datasetID string, chunks []string) (string, int64, string, error) {
	dir := filepath.Join(m.tempRoot, datasetID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", 0, "", fmt.Errorf("server: creating temp dir: %w", err)
	}

	tempPath := filepath.Join(dir, uuid.NewString()+".tmp")

	out, err := os.Create(tempPath)
	if err != nil {
		return "", 0, "", fmt.Errorf("server: creating assembly temp: %w", err)
	}

	hasher := sha256.New()
	w := io.MultiWriter(out, hasher)

	var size int64

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(tempPath)

			return "", 0, "", fmt.Errorf("server: assembly canceled: %w", err)
		}

		n, err := copyChunk(chunk, w)
		if err != nil {
			out.Close()
			os.Remove(tempPath)

			return "", 0, "", fmt.Errorf("server: assembling %s: %w", filepath.Base(chunk), err)
		}

		size += n
	}

	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return "", 0, "", fmt.Errorf("server: closing assembly temp: %w", err)
	}

	return tempPath, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyChunk streams one chunk file into the assembly writer.
func copyChunk(path string, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.CopyBuffer(w, f, make([]byte, copyBufSize))
}

// publish renames the verified temp file over the target and stamps the
// target's mtime. The rename is the commit point: a Chtimes failure after
// it is logged but does not fail the operation.
func (m *MergeEngine) publish(tempPath, target string, lastWrite time.Time) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("server: creating target dir: %w", err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		return fmt.Errorf("server: publishing %s: %w (%w)", target, err, ErrConflict)
	}

	mtime := lastWrite.UTC()
	if err := os.Chtimes(target, mtime, mtime); err != nil {
		m.logger.Warn("failed to stamp target mtime after publish",
			slog.String("target", target), slog.String("error", err.Error()))
	}

	return nil
}

// cleanupSession removes a session directory, logging on failure.
func (m *MergeEngine) cleanupSession(datasetID, uploadID string) {
	if err := m.sessions.Cleanup(datasetID, uploadID); err != nil {
		m.logger.Warn("session cleanup failed",
			slog.String("upload_id", uploadID), slog.String("error", err.Error()))
	}
}

// shouldOverwrite applies the LWW overwrite policy: publish only when the
// target is absent or strictly older than the incoming last-write, at
// whole-second precision.
func shouldOverwrite(serverMtime *time.Time, lastWrite time.Time) bool {
	if serverMtime == nil {
		return true
	}

	return truncSec(lastWrite).After(truncSec(*serverMtime))
}

// statMtime returns the target's mtime in UTC, or nil if it does not exist.
func statMtime(path string) *time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}

	t := info.ModTime().UTC()

	return &t
}

// contextReader aborts a streaming copy at the next read once the request
// context is canceled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

// VerifySameVolume proves that tempRoot and inboundRoot share a
// filesystem by renaming a probe file across them. Publish depends on
// same-filesystem rename for atomicity, so a failed probe is a
// configuration error.
func VerifySameVolume(tempRoot, inboundRoot string) error {
	if err := os.MkdirAll(tempRoot, 0o700); err != nil {
		return fmt.Errorf("server: creating temp root: %w", err)
	}

	if err := os.MkdirAll(inboundRoot, 0o700); err != nil {
		return fmt.Errorf("server: creating inbound root: %w", err)
	}

	probe := filepath.Join(tempRoot, ".volume-probe-"+uuid.NewString())
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("server: writing volume probe: %w", err)
	}

	dest := filepath.Join(inboundRoot, filepath.Base(probe))

	if err := os.Rename(probe, dest); err != nil {
		os.Remove(probe)
		return fmt.Errorf("server: temp_root and inbound_root must share a filesystem: %w", err)
	}

	os.Remove(dest)

	return nil
}
