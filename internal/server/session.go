package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// sessionFileName holds the session metadata inside each session directory.
const sessionFileName = "session.json"

// chunkSuffix separates the flattened relpath from the chunk index in
// chunk file names.
const chunkSuffix = ".chunk"

// Session is the server-side staging context for one file upload attempt.
// It lives on disk under TempRoot/<dataset>/<uploadId>/ and is deleted on
// successful publish or explicit cleanup.
type Session struct {
	UploadID   string    `json:"-"`
	DatasetID  string    `json:"datasetId"`
	ClientID   string    `json:"clientId"`
	RelPath    string    `json:"relPath"`
	CreatedUTC time.Time `json:"createdUtc"`

	dir string
}

// Dir returns the session's on-disk directory.
func (s *Session) Dir() string {
	return s.dir
}

// SessionStore allocates, resolves, and removes upload sessions under the
// configured temp root.
type SessionStore struct {
	tempRoot string
	logger   *slog.Logger
}

// NewSessionStore creates a SessionStore rooted at tempRoot.
func NewSessionStore(tempRoot string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionStore{tempRoot: tempRoot, logger: logger}
}

// Create validates relPath, mints a fresh upload id, creates the session
// directory, and persists the metadata record. Upload ids are UUIDs and
// are never reused across sessions.
func (st *SessionStore) Create(datasetID, clientID, relPath string) (protocol.UploadInstruction, error) {
	rel, err := pathguard.Validate(relPath)
	if err != nil {
		return protocol.UploadInstruction{}, err
	}

	if err := pathguard.ValidateName(datasetID); err != nil {
		return protocol.UploadInstruction{}, err
	}

	sess := &Session{
		UploadID:   uuid.NewString(),
		DatasetID:  datasetID,
		ClientID:   clientID,
		RelPath:    rel,
		CreatedUTC: time.Now().UTC(),
	}
	sess.dir = filepath.Join(st.tempRoot, datasetID, sess.UploadID)

	if err := os.MkdirAll(sess.dir, 0o700); err != nil {
		return protocol.UploadInstruction{}, fmt.Errorf("server: creating session dir: %w", err)
	}

	meta, err := json.Marshal(sess)
	if err != nil {
		return protocol.UploadInstruction{}, fmt.Errorf("server: encoding session metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(sess.dir, sessionFileName), meta, 0o600); err != nil {
		return protocol.UploadInstruction{}, fmt.Errorf("server: writing session metadata: %w", err)
	}

	st.logger.Debug("upload session created",
		slog.String("dataset", datasetID),
		slog.String("upload_id", sess.UploadID),
		slog.String("path", rel),
	)

	return protocol.UploadInstruction{Path: rel, UploadID: sess.UploadID}, nil
}

// Get resolves an upload id within a dataset. Returns ErrSessionNotFound
// when no such session exists and ErrSessionMismatch when the stored
// dataset differs from the supplied one.
func (st *SessionStore) Get(datasetID, uploadID string) (*Session, error) {
	if err := pathguard.ValidateName(datasetID); err != nil {
		return nil, err
	}

	// Upload ids are minted as UUIDs; anything else cannot name a session
	// and must not be used as a path component.
	id, err := uuid.Parse(uploadID)
	if err != nil {
		return nil, fmt.Errorf("server: upload id %q: %w", uploadID, ErrSessionNotFound)
	}

	dir := filepath.Join(st.tempRoot, datasetID, id.String())

	raw, err := os.ReadFile(filepath.Join(dir, sessionFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("server: session %s: %w", id, ErrSessionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("server: reading session %s: %w", id, err)
	}

	sess := &Session{UploadID: id.String(), dir: dir}
	if err := json.Unmarshal(raw, sess); err != nil {
		return nil, fmt.Errorf("server: decoding session %s: %w", id, err)
	}

	if sess.DatasetID != datasetID {
		return nil, fmt.Errorf("server: session %s belongs to dataset %q: %w",
			id, sess.DatasetID, ErrSessionMismatch)
	}

	return sess, nil
}

// ChunkPath returns the deterministic chunk file path for an index. The
// relpath's separators are flattened so the session directory stays flat;
// a session stages exactly one relpath, so flattening cannot collide.
func (st *SessionStore) ChunkPath(sess *Session, index int) string {
	flat := strings.ReplaceAll(sess.RelPath, "/", "_")
	return filepath.Join(sess.dir, flat+chunkSuffix+strconv.Itoa(index))
}

// chunkIndex parses the index from a chunk file name. Unparseable names
// sort to +infinity so the count check in Complete catches them.
func chunkIndex(name string) int {
	i := strings.LastIndex(name, chunkSuffix)
	if i < 0 {
		return math.MaxInt
	}

	n, err := strconv.Atoi(name[i+len(chunkSuffix):])
	if err != nil || n < 0 {
		return math.MaxInt
	}

	return n
}

// Cleanup removes a session directory recursively. Idempotent: cleaning a
// missing session succeeds. A cleaned session is never resurrected.
func (st *SessionStore) Cleanup(datasetID, uploadID string) error {
	if err := pathguard.ValidateName(datasetID); err != nil {
		return err
	}

	id, err := uuid.Parse(uploadID)
	if err != nil {
		return nil
	}

	dir := filepath.Join(st.tempRoot, datasetID, id.String())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("server: removing session %s: %w", id, err)
	}

	return nil
}

// SweepStale garbage-collects sessions older than maxAge and stray
// assembly temp files. Errors on individual entries are logged and do not
// stop the sweep.
func (st *SessionStore) SweepStale(maxAge time.Duration) {
	cutoff := time.Now().UTC().Add(-maxAge)

	datasets, err := os.ReadDir(st.tempRoot)
	if errors.Is(err, os.ErrNotExist) {
		return
	}

	if err != nil {
		st.logger.Warn("session sweep: reading temp root", slog.String("error", err.Error()))
		return
	}

	for _, ds := range datasets {
		if !ds.IsDir() {
			continue
		}

		st.sweepDataset(filepath.Join(st.tempRoot, ds.Name()), cutoff)
	}
}

// sweepDataset removes stale session directories and orphaned .tmp files
// within one dataset's temp directory.
func (st *SessionStore) sweepDataset(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		st.logger.Warn("session sweep: reading dataset dir",
			slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		full := filepath.Join(dir, e.Name())

		if !e.IsDir() {
			// Orphaned assembly temp from a crashed Complete.
			if strings.HasSuffix(e.Name(), ".tmp") && olderThan(full, cutoff) {
				st.removeLogged(full)
			}

			continue
		}

		sess, err := st.readSessionDir(full)
		if err != nil {
			// Unreadable metadata: fall back to directory mtime.
			if olderThan(full, cutoff) {
				st.removeLogged(full)
			}

			continue
		}

		if sess.CreatedUTC.Before(cutoff) {
			st.logger.Info("garbage-collecting stale session",
				slog.String("upload_id", filepath.Base(full)),
				slog.Time("created", sess.CreatedUTC),
			)
			st.removeLogged(full)
		}
	}
}

// readSessionDir loads the metadata record from a session directory.
func (st *SessionStore) readSessionDir(dir string) (*Session, error) {
	raw, err := os.ReadFile(filepath.Join(dir, sessionFileName))
	if err != nil {
		return nil, err
	}

	sess := &Session{dir: dir}
	if err := json.Unmarshal(raw, sess); err != nil {
		return nil, err
	}

	return sess, nil
}

func (st *SessionStore) removeLogged(path string) {
	if err := os.RemoveAll(path); err != nil {
		st.logger.Warn("session sweep: removal failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// olderThan reports whether a filesystem entry's mtime precedes cutoff.
func olderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.ModTime().UTC().Before(cutoff)
}
