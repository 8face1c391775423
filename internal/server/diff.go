package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// serverEntry is one file in the dataset as seen by the diff scan.
type serverEntry struct {
	relPath  string // POSIX relative, original case
	absPath  string
	size     int64
	mtimeUTC time.Time
}

// DiffEngine computes the upload and delete sets for a client manifest
// under the last-writer-wins policy, minting an upload session for every
// file selected for upload.
type DiffEngine struct {
	inboundRoot string
	deletes     bool // delete set enabled (LWW delete policy)
	sessions    *SessionStore
	logger      *slog.Logger
}

// NewDiffEngine creates a DiffEngine. deletesEnabled selects whether the
// diff reports server-only paths for deletion.
func NewDiffEngine(inboundRoot string, deletesEnabled bool, sessions *SessionStore, logger *slog.Logger) *DiffEngine {
	if logger == nil {
		logger = slog.Default()
	}

	return &DiffEngine{
		inboundRoot: inboundRoot,
		deletes:     deletesEnabled,
		sessions:    sessions,
		logger:      logger,
	}
}

// Diff validates the manifest, scans the dataset, and returns the upload
// instructions (in manifest order) and the delete set. Any invalid or
// duplicate manifest path fails the whole request.
func (d *DiffEngine) Diff(ctx context.Context, req protocol.ManifestRequest) (protocol.DiffResponse, error) {
	if err := pathguard.ValidateName(req.DatasetID); err != nil {
		return protocol.DiffResponse{}, err
	}

	client := make(map[string]protocol.FileEntry, len(req.Files))

	for _, f := range req.Files {
		rel, err := pathguard.Validate(f.Path)
		if err != nil {
			return protocol.DiffResponse{}, err
		}

		key := pathguard.Key(rel)
		if _, dup := client[key]; dup {
			return protocol.DiffResponse{}, fmt.Errorf(
				"server: duplicate manifest path %q: %w", f.Path, pathguard.ErrInvalidPath)
		}

		f.Path = rel
		client[key] = f
	}

	serverFiles, err := d.scanDataset(ctx, req.DatasetID)
	if err != nil {
		return protocol.DiffResponse{}, err
	}

	resp := protocol.DiffResponse{
		Upload: []protocol.UploadInstruction{},
		Delete: []string{},
	}

	// Upload set, iterated in manifest order for determinism.
	for _, f := range req.Files {
		rel, _ := pathguard.Validate(f.Path)
		key := pathguard.Key(rel)
		entry := client[key]

		existing, onServer := serverFiles[key]
		if onServer && !d.shouldUpload(existing, entry) {
			continue
		}

		instr, err := d.sessions.Create(req.DatasetID, req.ClientID, entry.Path)
		if err != nil {
			return protocol.DiffResponse{}, err
		}

		resp.Upload = append(resp.Upload, instr)
	}

	if d.deletes {
		for key, se := range serverFiles {
			if _, inClient := client[key]; !inClient {
				resp.Delete = append(resp.Delete, se.relPath)
			}
		}
	}

	d.logger.Info("diff computed",
		slog.String("dataset", req.DatasetID),
		slog.String("client", req.ClientID),
		slog.Int("manifest", len(req.Files)),
		slog.Int("upload", len(resp.Upload)),
		slog.Int("delete", len(resp.Delete)),
	)

	return resp, nil
}

// shouldUpload applies the LWW upload policy: newer client mtime wins;
// at equal mtime a size difference or a differing client hash forces the
// upload; an older client mtime never uploads (server wins).
func (d *DiffEngine) shouldUpload(server serverEntry, client protocol.FileEntry) bool {
	sm := truncSec(server.mtimeUTC)
	cm := truncSec(client.LastWriteUTC)

	if cm.After(sm) {
		return true
	}

	if cm.Before(sm) {
		return false
	}

	if client.Size != server.size {
		return true
	}

	if client.SHA256 == "" {
		return false
	}

	// Equal mtime and size with a client hash present: hash the server
	// file lazily for the tiebreak. A hashing failure counts as a
	// difference so the upload re-establishes known-good content.
	serverHash, err := hashFile(server.absPath)
	if err != nil {
		d.logger.Warn("diff: hashing server file failed, forcing upload",
			slog.String("path", server.relPath), slog.String("error", err.Error()))
		return true
	}

	return !strings.EqualFold(client.SHA256, serverHash)
}

// scanDataset enumerates the dataset's published files into a map keyed
// by lowercased POSIX relative path. A dataset that does not exist yet
// scans as empty.
func (d *DiffEngine) scanDataset(ctx context.Context, datasetID string) (map[string]serverEntry, error) {
	root := filepath.Join(d.inboundRoot, datasetID)
	files := make(map[string]serverEntry)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if entry.IsDir() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)
		files[pathguard.Key(rel)] = serverEntry{
			relPath:  rel,
			absPath:  path,
			size:     info.Size(),
			mtimeUTC: info.ModTime().UTC(),
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("server: scanning dataset %q: %w", datasetID, err)
	}

	return files, nil
}

// hashFile computes the lowercase hex SHA-256 of a file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// truncSec reduces an instant to the protocol's guaranteed precision of
// whole seconds in UTC. All LWW comparisons go through this.
func truncSec(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
