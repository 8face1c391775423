package server

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger returns a logger that is silent unless -v is passed.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRoots allocates sibling inbound and temp roots on the same volume.
func testRoots(t *testing.T) (inbound, temp string) {
	t.Helper()

	base := t.TempDir()
	inbound = filepath.Join(base, "data")
	temp = filepath.Join(base, "tmp")

	require.NoError(t, os.MkdirAll(inbound, 0o700))
	require.NoError(t, os.MkdirAll(temp, 0o700))

	return inbound, temp
}

// writeDatasetFile places a published file with a fixed mtime under the
// inbound root.
func writeDatasetFile(t *testing.T, inbound, dataset, relPath, content string, mtime time.Time) string {
	t.Helper()

	abs := filepath.Join(inbound, dataset, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o700))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))

	return abs
}
