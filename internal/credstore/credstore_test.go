package credstore

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fakeJWT(t *testing.T, claims string) string {
	t.Helper()
	return "header." + base64.RawURLEncoding.EncodeToString([]byte(claims)) + ".sig"
}

func TestLoadAllSkipsMalformedAndFillsAccountIDFromClaims(t *testing.T) {
	home := t.TempDir()
	s := New(home)

	good := filepath.Join(home, ".codex", "accounts", "good")
	if err := os.MkdirAll(good, 0o700); err != nil {
		t.Fatal(err)
	}
	tok := fakeJWT(t, `{"sub":"user-1"}`)
	content := `{"tokens":{"access_token":"` + tok + `","refresh_token":"r"}}`
	if err := os.WriteFile(filepath.Join(good, "auth.json"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	bad := filepath.Join(home, ".codex", "accounts", "bad")
	if err := os.MkdirAll(bad, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, "auth.json"), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1 (malformed skipped)", len(records))
	}
	if records[0].ID != "good" {
		t.Fatalf("ID = %q, want good", records[0].ID)
	}
	if records[0].AccountID != "user-1" {
		t.Fatalf("AccountID = %q, want fallback to sub claim", records[0].AccountID)
	}
}

func TestLoadAllOnMissingDirReturnsEmpty(t *testing.T) {
	s := New(t.TempDir())
	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("len(records) = %d, want 0", len(records))
	}
}

func TestPersistMirrorsActiveFileOnRefreshTokenMatch(t *testing.T) {
	home := t.TempDir()
	s := New(home)

	if err := s.WriteActive(Record{ID: "active", AccessToken: "old-access", RefreshToken: "old-refresh"}); err != nil {
		t.Fatalf("WriteActive: %v", err)
	}

	rec := Record{ID: "acct-1", AccessToken: "new-access", RefreshToken: "new-refresh", LastRefresh: time.Now()}
	if err := s.Persist(rec, "old-refresh"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	active, ok := s.ReadActive()
	if !ok {
		t.Fatalf("ReadActive: not found after mirror")
	}
	if active.AccessToken != "new-access" {
		t.Fatalf("active.AccessToken = %q, want mirrored new-access", active.AccessToken)
	}

	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 || records[0].AccessToken != "new-access" {
		t.Fatalf("per-account file not updated: %+v", records)
	}
}

func TestPersistDoesNotMirrorOnRefreshTokenMismatch(t *testing.T) {
	home := t.TempDir()
	s := New(home)

	if err := s.WriteActive(Record{ID: "active", AccessToken: "other-access", RefreshToken: "other-refresh"}); err != nil {
		t.Fatalf("WriteActive: %v", err)
	}

	rec := Record{ID: "acct-1", AccessToken: "new-access", RefreshToken: "new-refresh"}
	if err := s.Persist(rec, "old-refresh"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	active, ok := s.ReadActive()
	if !ok {
		t.Fatalf("ReadActive: not found")
	}
	if active.AccessToken != "other-access" {
		t.Fatalf("active file was mirrored despite refresh token mismatch: %+v", active)
	}
}

func TestExpirySecondsDecodesExpClaim(t *testing.T) {
	tok := fakeJWT(t, `{"exp":1999999999}`)
	if got := ExpirySeconds(tok); got != 1999999999 {
		t.Fatalf("ExpirySeconds = %d, want 1999999999", got)
	}
}

func TestExpirySecondsOnUndecodableTokenReturnsZero(t *testing.T) {
	if got := ExpirySeconds("not-a-jwt"); got != 0 {
		t.Fatalf("ExpirySeconds = %d, want 0", got)
	}
}

func TestClaimAccountIDPrefersVendorClaimOverSub(t *testing.T) {
	tok := fakeJWT(t, `{"sub":"fallback","https://api.openai.com/auth":{"chatgpt_account_id":"vendor-id"}}`)
	if got := claimAccountID(tok); got != "vendor-id" {
		t.Fatalf("claimAccountID = %q, want vendor-id", got)
	}
}
