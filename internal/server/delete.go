package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// DeleteEngine applies the configured delete policy to paths the client
// no longer has. Under the LWW policy a file is removed only when the
// caller's deletion instant strictly exceeds the file's current mtime;
// otherwise the server wins and the file is retained.
type DeleteEngine struct {
	inboundRoot string
	lww         bool // false = deletes disabled
	logger      *slog.Logger
}

// NewDeleteEngine creates a DeleteEngine. lwwEnabled selects the LwwDelete
// policy; when false the engine never touches the filesystem.
func NewDeleteEngine(inboundRoot string, lwwEnabled bool, logger *slog.Logger) *DeleteEngine {
	if logger == nil {
		logger = slog.Default()
	}

	return &DeleteEngine{inboundRoot: inboundRoot, lww: lwwEnabled, logger: logger}
}

// Apply executes a delete request. All paths are validated before any
// deletion happens, so a single bad path fails the whole request with
// nothing removed. Absent files are skipped silently.
func (d *DeleteEngine) Apply(ctx context.Context, req protocol.DeleteRequest) error {
	if !d.lww {
		return nil
	}

	if req.DeletedAtUTC == nil {
		return fmt.Errorf("server: deletedAtUtc is required under the lww delete policy: %w", ErrBadRequest)
	}

	if err := pathguard.ValidateName(req.DatasetID); err != nil {
		return err
	}

	root := filepath.Join(d.inboundRoot, req.DatasetID)

	targets := make([]string, len(req.Paths))

	for i, p := range req.Paths {
		abs, err := pathguard.SafeJoin(root, p)
		if err != nil {
			return err
		}

		targets[i] = abs
	}

	deletedAt := truncSec(*req.DeletedAtUTC)

	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.applyOne(req.Paths[i], target, deletedAt); err != nil {
			return err
		}
	}

	return nil
}

// applyOne deletes a single target iff the deletion instant beats the
// file's mtime.
func (d *DeleteEngine) applyOne(relPath, target string, deletedAt time.Time) error {
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("server: stat %s: %w", relPath, err)
	}

	if !deletedAt.After(truncSec(info.ModTime())) {
		d.logger.Debug("delete skipped, target is newer",
			slog.String("path", relPath),
			slog.Time("deleted_at", deletedAt),
			slog.Time("target_mtime", info.ModTime().UTC()),
		)

		return nil
	}

	if err := os.Remove(target); err != nil {
		return fmt.Errorf("server: removing %s: %w", relPath, err)
	}

	d.logger.Info("file deleted", slog.String("path", relPath))

	return nil
}
