// Package fswatch signals changes to files in a replica's working tree.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/schaermu/gitdrive/internal/sync"
)

var appFs = afero.NewOsFs()

// Watch watches dir and all directories below it, except the .git
// directory, and sends on the returned channel whenever something changes.
// Signals coalesce: the channel holds at most one pending signal. Directories
// created later are watched as they appear. The channel is closed once ctx
// is done.
func Watch(ctx context.Context, dir string, logger *slog.Logger) (<-chan struct{}, error) {
	dirs, err := watchedDirs(dir)
	if err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, d := range dirs {
		if err := watcher.Add(d); err != nil {
			// Release the handles of the directories added so far.
			if err := watcher.Close(); err != nil {
				logger.Warn("failed to close file watcher", "error", err)
			}
			return nil, fmt.Errorf("watch %q: %w", d, err)
		}
	}
	logger.Debug("watching working tree", "dir", dir, "directories", len(dirs))

	changes := make(chan fsnotify.Event)
	go func() {
		defer close(changes)
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warn("failed to close file watcher", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ignored(dir, ev.Name) {
					continue
				}
				if ev.Has(fsnotify.Create) {
					addNewDirs(watcher, dir, ev.Name, logger)
				}
				select {
				case changes <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return combineUpdates(changes), nil
}

func combineUpdates(updates <-chan fsnotify.Event) <-chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// watchedDirs lists root and every directory below it, skipping .git.
func watchedDirs(root string) ([]string, error) {
	var dirs []string
	err := afero.Walk(appFs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			// Entries can vanish between listing and visiting them.
			if path != root && errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if info.Name() == ".git" && path != root {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, err
}

func addNewDirs(watcher *fsnotify.Watcher, root, path string, logger *slog.Logger) {
	info, err := appFs.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	dirs, err := watchedDirs(path)
	if err != nil {
		logger.Warn("failed to list new directory", "path", path, "error", err)
		return
	}
	for _, d := range dirs {
		if ignored(root, d) {
			continue
		}
		if err := watcher.Add(d); err != nil {
			logger.Warn("failed to watch new directory", "path", d, "error", err)
		}
	}
}

// ignored reports whether path lies in the repository metadata of root or
// is a conflict resolution scratch file. Sync cycles rewrite both constantly.
func ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if first == ".git" {
		return true
	}
	return strings.Contains(filepath.Base(path), sync.ScratchMarker)
}
