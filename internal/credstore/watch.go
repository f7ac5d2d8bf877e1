package credstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch watches the accounts directory, and every account subdirectory
// under it, for credential file changes, calling onChange (debounced)
// whenever something is created, written, or removed. fsnotify watches are
// not recursive, so each accounts/<id>/ directory needs its own Add call;
// the most common case this exists for — a token refresh overwriting an
// existing account's auth.json — happens one level below the top directory.
// It blocks until ctx is canceled. Callers still get an explicit reload via
// the control surface; this is the automatic complement.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	dir := s.accountsDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	addExistingAccountDirs(w, dir)

	var debounce *time.Timer
	fire := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(200*time.Millisecond, onChange)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == dir {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						slog.Warn("failed to watch new account directory", "path", ev.Name, "error", err)
					}
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				fire()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("credential watch error", "error", err)
		}
	}
}

// addExistingAccountDirs registers every account subdirectory already
// present under dir with w, so writes to an established account's
// auth.json fire events from the start, not just new accounts created
// after the watch begins.
func addExistingAccountDirs(w *fsnotify.Watcher, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("failed to list accounts directory for watch setup", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := w.Add(path); err != nil {
			slog.Warn("failed to watch account directory", "path", path, "error", err)
		}
	}
}
