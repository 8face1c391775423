package client

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// ManifestBuilder walks the scan root and emits one FileEntry per regular
// file. Hashes are not computed here; the authoritative hash is derived
// from the upload stream itself.
type ManifestBuilder struct {
	root   string
	logger *slog.Logger
}

// NewManifestBuilder creates a builder for the given scan root.
func NewManifestBuilder(root string, logger *slog.Logger) *ManifestBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &ManifestBuilder{root: root, logger: logger}
}

// Build walks the root depth-first and returns entries in walk order
// (lexical, so deterministic across runs). Paths are POSIX-normalized and
// NFC-normalized so macOS NFD filenames compare equal across platforms.
// Files whose names fail path validation are skipped with a warning
// rather than poisoning the whole manifest.
func (b *ManifestBuilder) Build(ctx context.Context) ([]protocol.FileEntry, error) {
	var entries []protocol.FileEntry

	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}

		relPosix := norm.NFC.String(filepath.ToSlash(rel))

		validated, err := pathguard.Validate(relPosix)
		if err != nil {
			b.logger.Warn("skipping file with invalid name",
				slog.String("path", relPosix), slog.String("error", err.Error()))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			b.logger.Warn("cannot stat file, skipping",
				slog.String("path", relPosix), slog.String("error", err.Error()))
			return nil
		}

		entries = append(entries, protocol.FileEntry{
			Path:         validated,
			Size:         info.Size(),
			LastWriteUTC: info.ModTime().UTC(),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("client: scanning %s: %w (%w)", b.root, err, ErrLocalIO)
	}

	b.logger.Debug("manifest built", slog.Int("files", len(entries)))

	return entries, nil
}
