package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/filemirror-go/internal/config"
	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
	"github.com/tonimelisma/filemirror-go/internal/state"
)

// Runner orchestrates one sync round: build manifest, post it, upload the
// requested files with bounded parallelism, apply deletes, and persist
// state. Any failure aborts the round before state is written, so the
// next round recomputes from scratch.
type Runner struct {
	cfg    config.ClientConfig
	api    *API
	store  *state.Store
	logger *slog.Logger
}

// NewRunner creates a Runner from a validated client configuration.
func NewRunner(cfg config.ClientConfig, api *API, store *state.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{cfg: cfg, api: api, store: store, logger: logger}
}

// Run executes one full round. State is persisted only on success.
func (r *Runner) Run(ctx context.Context) error {
	prior, err := r.store.Load(ctx)
	if err != nil {
		return err
	}

	files, err := NewManifestBuilder(r.cfg.RootPath, r.logger).Build(ctx)
	if err != nil {
		return err
	}

	attachKnownHashes(files, prior)

	diff, err := r.api.PostManifest(ctx, protocol.ManifestRequest{
		DatasetID: r.cfg.DatasetID,
		ClientID:  r.cfg.ClientID,
		Files:     files,
	})
	if err != nil {
		return err
	}

	r.logger.Info("diff received",
		slog.Int("upload", len(diff.Upload)),
		slog.Int("delete", len(diff.Delete)),
	)

	uploadedHashes, err := r.uploadAll(ctx, files, diff.Upload)
	if err != nil {
		return err
	}

	if err := r.applyDeletes(ctx, diff.Delete); err != nil {
		return err
	}

	return r.persistState(ctx, files, uploadedHashes)
}

// uploadAll dispatches the upload instructions through a bounded pool.
// The first failure cancels the remaining workers and aborts the round.
func (r *Runner) uploadAll(
	ctx context.Context, files []protocol.FileEntry, instructions []protocol.UploadInstruction,
) (map[string]string, error) {
	byKey := make(map[string]protocol.FileEntry, len(files))
	for _, f := range files {
		byKey[pathguard.Key(f.Path)] = f
	}

	var mu sync.Mutex

	hashes := make(map[string]string, len(instructions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallelUploads)

	for _, instr := range instructions {
		g.Go(func() error {
			entry, ok := byKey[pathguard.Key(instr.Path)]
			if !ok {
				return fmt.Errorf("client: server requested upload of unknown path %q", instr.Path)
			}

			hash, err := r.uploadFile(gctx, entry, instr.UploadID)
			if err != nil {
				return err
			}

			mu.Lock()
			hashes[pathguard.Key(entry.Path)] = hash
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return hashes, nil
}

// uploadFile streams one file to the server in chunks, hashing the bytes
// actually sent, then posts the complete request. Returns the finalized
// lowercase hex SHA-256.
func (r *Runner) uploadFile(ctx context.Context, entry protocol.FileEntry, uploadID string) (string, error) {
	src := filepath.Join(r.cfg.RootPath, filepath.FromSlash(entry.Path))

	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("client: opening %s: %w (%w)", entry.Path, err, ErrLocalIO)
	}
	defer f.Close()

	chunkSize := r.cfg.ChunkSizeBytes()
	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	totalChunks := int((entry.Size + chunkSize - 1) / chunkSize)

	var (
		index int
		sent  int64
	)

	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			hasher.Write(buf[:n])

			if err := r.api.PutChunk(ctx, entry.Path, uploadID, index, buf[:n]); err != nil {
				return "", fmt.Errorf("client: uploading %s chunk %d: %w", entry.Path, index, err)
			}

			r.logger.Debug("chunk uploaded",
				slog.String("path", entry.Path),
				slog.String("progress", formatIndex(index, totalChunks)),
			)

			index++
			sent += int64(n)
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}

		if readErr != nil {
			return "", fmt.Errorf("client: reading %s: %w (%w)", entry.Path, readErr, ErrLocalIO)
		}
	}

	hash := hex.EncodeToString(hasher.Sum(nil))

	err = r.api.PostComplete(ctx, entry.Path, uploadID, protocol.CompleteRequest{
		DatasetID:    r.cfg.DatasetID,
		ClientID:     r.cfg.ClientID,
		ExpectedSize: sent,
		SHA256:       hash,
		ChunkCount:   index,
		LastWriteUTC: entry.LastWriteUTC,
	})
	if err != nil {
		return "", fmt.Errorf("client: completing %s: %w", entry.Path, err)
	}

	r.logger.Info("file uploaded",
		slog.String("path", entry.Path),
		slog.Int64("bytes", sent),
		slog.Int("chunks", index),
	)

	return hash, nil
}

// applyDeletes posts the delete request when deletes are enabled and the
// diff reported server-only paths.
func (r *Runner) applyDeletes(ctx context.Context, paths []string) error {
	if !r.cfg.EnableDelete || len(paths) == 0 {
		return nil
	}

	now := time.Now().UTC()

	err := r.api.PostDelete(ctx, protocol.DeleteRequest{
		DatasetID:    r.cfg.DatasetID,
		ClientID:     r.cfg.ClientID,
		Paths:        paths,
		DeletedAtUTC: &now,
	})
	if err != nil {
		return fmt.Errorf("client: applying deletes: %w", err)
	}

	r.logger.Info("deletes applied", slog.Int("count", len(paths)))

	return nil
}

// persistState writes the post-round view: every manifest entry, with the
// hash from this round's upload stream when the file was uploaded, or the
// carried-over hash when it was skipped unchanged.
func (r *Runner) persistState(
	ctx context.Context, files []protocol.FileEntry, uploadedHashes map[string]string,
) error {
	entries := make([]state.Entry, len(files))

	for i, f := range files {
		sha := f.SHA256
		if h, ok := uploadedHashes[pathguard.Key(f.Path)]; ok {
			sha = h
		}

		entries[i] = state.Entry{
			Path:     f.Path,
			Size:     f.Size,
			MtimeUTC: f.LastWriteUTC,
			SHA256:   sha,
		}
	}

	return r.store.Replace(ctx, entries, time.Now().UTC())
}

// attachKnownHashes copies the persisted hash onto manifest entries whose
// size and mtime are unchanged since the last successful round. This is
// what gives the server its equal-mtime hash tiebreak without the client
// re-reading unchanged files.
func attachKnownHashes(files []protocol.FileEntry, prior map[string]state.Entry) {
	for i := range files {
		p, ok := prior[pathguard.Key(files[i].Path)]
		if !ok || p.SHA256 == "" {
			continue
		}

		sameMtime := files[i].LastWriteUTC.UTC().Truncate(time.Second).Equal(p.MtimeUTC.UTC().Truncate(time.Second))
		if p.Size == files[i].Size && sameMtime {
			files[i].SHA256 = p.SHA256
		}
	}
}
