// Package credstore reads and writes the OAuth credential files the gateway
// consumes and refreshes. It never acquires credentials itself — that is the
// PKCE login flow's job, out of scope here.
package credstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// Record is one account's persisted credential.
type Record struct {
	ID           string    // filesystem-safe account directory name
	AccessToken  string    // tokens.access_token
	IDToken      string    // tokens.id_token
	RefreshToken string    // tokens.refresh_token, may be empty
	AccountID    string    // tokens.account_id, upstream-side identifier
	LastRefresh  time.Time // zero if never refreshed
}

// fileShape mirrors the on-disk JSON document in spec §6.
type fileShape struct {
	Tokens struct {
		AccessToken  string `json:"access_token"`
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		AccountID    string `json:"account_id"`
	} `json:"tokens"`
	LastRefresh string `json:"last_refresh"`
}

// Store operates on the fixed per-user directory tree under home.
type Store struct {
	home string
}

// New returns a Store rooted at the given home directory (normally $HOME).
func New(home string) *Store {
	return &Store{home: home}
}

func (s *Store) codexDir() string     { return filepath.Join(s.home, ".codex") }
func (s *Store) accountsDir() string  { return filepath.Join(s.codexDir(), "accounts") }
func (s *Store) activeFile() string   { return filepath.Join(s.codexDir(), "auth.json") }
func (s *Store) accountDir(id string) string {
	return filepath.Join(s.accountsDir(), id)
}
func (s *Store) accountFile(id string) string {
	return filepath.Join(s.accountDir(id), "auth.json")
}

// LoadAll scans the accounts directory and returns every record it can parse,
// silently skipping missing or malformed files.
func (s *Store) LoadAll() ([]Record, error) {
	entries, err := os.ReadDir(s.accountsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts dir: %w", err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, ok := s.readRecord(e.Name())
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) readRecord(id string) (Record, bool) {
	data, err := os.ReadFile(s.accountFile(id))
	if err != nil {
		return Record{}, false
	}
	var fs fileShape
	if err := json.Unmarshal(data, &fs); err != nil {
		return Record{}, false
	}
	rec := Record{
		ID:           id,
		AccessToken:  fs.Tokens.AccessToken,
		IDToken:      fs.Tokens.IDToken,
		RefreshToken: fs.Tokens.RefreshToken,
		AccountID:    fs.Tokens.AccountID,
	}
	if t, err := time.Parse(time.RFC3339, fs.LastRefresh); err == nil {
		rec.LastRefresh = t
	}
	if rec.AccountID == "" {
		rec.AccountID = claimAccountID(rec.AccessToken)
	}
	return rec, true
}

// Persist writes rec as pretty-printed JSON to its per-account file, and
// mirrors the write to the active file when the active file's refresh token
// currently matches rec's pre-refresh refresh token (so a sibling CLI sees
// the refreshed credential too).
func (s *Store) Persist(rec Record, prevRefreshToken string) error {
	if err := os.MkdirAll(s.accountDir(rec.ID), 0o700); err != nil {
		return fmt.Errorf("create account dir: %w", err)
	}

	if err := s.writeLocked(s.accountFile(rec.ID), rec); err != nil {
		return fmt.Errorf("write account file: %w", err)
	}

	active, ok := s.readActiveLocked()
	if ok && prevRefreshToken != "" && active.Tokens.RefreshToken == prevRefreshToken {
		if err := s.writeLocked(s.activeFile(), rec); err != nil {
			return fmt.Errorf("mirror active file: %w", err)
		}
	}
	return nil
}

// ReadActive reads the distinguished active-selection credential file.
func (s *Store) ReadActive() (Record, bool) {
	fs, ok := s.readActiveLocked()
	if !ok {
		return Record{}, false
	}
	rec := Record{
		ID:           "active",
		AccessToken:  fs.Tokens.AccessToken,
		IDToken:      fs.Tokens.IDToken,
		RefreshToken: fs.Tokens.RefreshToken,
		AccountID:    fs.Tokens.AccountID,
	}
	if t, err := time.Parse(time.RFC3339, fs.LastRefresh); err == nil {
		rec.LastRefresh = t
	}
	return rec, true
}

// WriteActive replaces the active-selection credential file wholesale.
func (s *Store) WriteActive(rec Record) error {
	if err := os.MkdirAll(s.codexDir(), 0o700); err != nil {
		return fmt.Errorf("create codex dir: %w", err)
	}
	return s.writeLocked(s.activeFile(), rec)
}

func (s *Store) readActiveLocked() (fileShape, bool) {
	data, err := os.ReadFile(s.activeFile())
	if err != nil {
		return fileShape{}, false
	}
	var fs fileShape
	if err := json.Unmarshal(data, &fs); err != nil {
		return fileShape{}, false
	}
	return fs, true
}

// writeLocked serializes rec, flock-guards the destination, and replaces it
// via a temp-file-then-rename so concurrent readers never observe a partial
// write.
func (s *Store) writeLocked(path string, rec Record) error {
	var out fileShape
	out.Tokens.AccessToken = rec.AccessToken
	out.Tokens.IDToken = rec.IDToken
	out.Tokens.RefreshToken = rec.RefreshToken
	out.Tokens.AccountID = rec.AccountID
	if !rec.LastRefresh.IsZero() {
		out.LastRefresh = rec.LastRefresh.UTC().Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// claimAccountID decodes the access token's middle JWT segment (base64url,
// no padding) and extracts the upstream account id from the vendor claim,
// falling back to "sub". Decode failure yields an empty string — the entry
// is still usable, just without an upstream id.
func claimAccountID(accessToken string) string {
	claims, ok := decodeJWTClaims(accessToken)
	if !ok {
		return ""
	}
	if auth, ok := claims["https://api.openai.com/auth"].(map[string]interface{}); ok {
		if id, ok := auth["chatgpt_account_id"].(string); ok && id != "" {
			return id
		}
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}

// ExpirySeconds decodes the access token and returns its "exp" claim, or 0
// if it cannot be decoded.
func ExpirySeconds(accessToken string) int64 {
	claims, ok := decodeJWTClaims(accessToken)
	if !ok {
		return 0
	}
	switch v := claims["exp"].(type) {
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func decodeJWTClaims(token string) (map[string]interface{}, bool) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, false
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, false
	}
	return claims, true
}
