package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, relPath, content string) string {
	t.Helper()

	abs := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o700))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o600))

	return abs
}

func TestManifestBuilder_WalksRegularFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a.txt", "one")
	writeFile(t, root, "sub/dir/b.txt", "two two")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty-dir"), 0o700))

	entries, err := NewManifestBuilder(root, testLogger(t)).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Lexical walk order.
	assert.Equal(t, "a.txt", entries[0].Path)
	assert.Equal(t, int64(3), entries[0].Size)
	assert.Equal(t, "sub/dir/b.txt", entries[1].Path)
	assert.Equal(t, int64(7), entries[1].Size)

	for _, e := range entries {
		assert.False(t, e.LastWriteUTC.IsZero())
		assert.Equal(t, time.UTC, e.LastWriteUTC.Location())
		assert.Empty(t, e.SHA256)
	}
}

func TestManifestBuilder_EmptyRoot(t *testing.T) {
	t.Parallel()

	entries, err := NewManifestBuilder(t.TempDir(), testLogger(t)).Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManifestBuilder_MissingRootFails(t *testing.T) {
	t.Parallel()

	_, err := NewManifestBuilder(filepath.Join(t.TempDir(), "absent"), testLogger(t)).
		Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocalIO)
}

func TestManifestBuilder_SkipsInvalidNames(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "good.txt", "x")
	// A name with a protocol-reserved character is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad|name.txt"), []byte("x"), 0o600))

	entries, err := NewManifestBuilder(root, testLogger(t)).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "good.txt", entries[0].Path)
}

func TestManifestBuilder_CanceledContext(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a.txt", "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewManifestBuilder(root, testLogger(t)).Build(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
