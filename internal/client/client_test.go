package client

import (
	"io"
	"log/slog"
	"os"
	"testing"
)

// testLogger returns a logger that is silent unless -v is passed.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
