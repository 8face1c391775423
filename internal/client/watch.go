package client

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow batches filesystem events before triggering a round, so
// a burst of writes (an editor save, a large copy) costs one round, not
// dozens.
const debounceWindow = 2 * time.Second

// Watch runs an initial round, then watches the scan root recursively and
// reruns a round after each debounced burst of changes. It returns when
// the context is canceled or when a round fails.
func Watch(ctx context.Context, root string, run func(context.Context) error, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := run(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("client: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := addDirsRecursive(watcher, root); err != nil {
		return err
	}

	logger.Info("watching for changes", slog.String("root", root))

	// The timer starts stopped; the first event arms it.
	debounce := time.NewTimer(debounceWindow)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// Chmod-only events carry no content change.
			if event.Op == fsnotify.Chmod {
				continue
			}

			// A new directory must be watched before its children appear.
			if event.Has(fsnotify.Create) {
				if isDir, statErr := statDir(event.Name); statErr == nil && isDir {
					if addErr := addDirsRecursive(watcher, event.Name); addErr != nil {
						logger.Warn("watching new directory failed",
							slog.String("path", event.Name), slog.String("error", addErr.Error()))
					}
				}
			}

			logger.Debug("change detected", slog.String("path", event.Name), slog.String("op", event.Op.String()))
			debounce.Reset(debounceWindow)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-debounce.C:
			logger.Info("changes settled, running sync round")

			if err := run(ctx); err != nil {
				return err
			}
		}
	}
}

// addDirsRecursive registers root and all nested directories with the
// watcher.
func addDirsRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("client: watching %s: %w", path, err)
		}

		return nil
	})
}

// statDir reports whether path exists and is a directory.
func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	return info.IsDir(), nil
}
