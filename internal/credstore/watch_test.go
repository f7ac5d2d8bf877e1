package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFiresOnChangeOnNewAccountFile(t *testing.T) {
	home := t.TempDir()
	s := New(home)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	go func() {
		s.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	time.Sleep(50 * time.Millisecond)

	dir := filepath.Join(home, ".codex", "accounts", "new-acct")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), []byte(`{"tokens":{"access_token":"a"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for debounced change callback")
	}
}

// TestWatchFiresOnChangeOnExistingAccountWrite covers the token-refresh
// path: an account directory that already existed before Watch started
// gets its auth.json rewritten in place (not recreated), which only fires
// if that subdirectory is itself registered with fsnotify.
func TestWatchFiresOnChangeOnExistingAccountWrite(t *testing.T) {
	home := t.TempDir()
	s := New(home)

	dir := filepath.Join(home, ".codex", "accounts", "existing-acct")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	authPath := filepath.Join(dir, "auth.json")
	if err := os.WriteFile(authPath, []byte(`{"tokens":{"access_token":"a"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	go func() {
		s.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(authPath, []byte(`{"tokens":{"access_token":"b"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for debounced change callback on existing-account write")
	}
}
