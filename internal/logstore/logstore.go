// Package logstore persists and queries the gateway's request log.
package logstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// trimBatch is how many inserts accumulate between retention trims. The
// source this is adapted from trims after every insert; at high request
// rates that is an avoidable O(N log N) write amplifier, so this batches
// it at the cost of a documented slack: count(*) may exceed maxLogs by up
// to trimBatch between trims.
const trimBatch = 64

// Record is one request's full detail, as written and read back.
type Record struct {
	ID               int64
	Timestamp        time.Time
	Method           string
	Path             string
	Status           int
	DurationMS       int64
	ProxyAccountID   string
	AccountID        string
	Error            string
	RequestHeaders   http.Header
	ResponseHeaders  http.Header
	RequestBody      []byte
	ResponseBody     []byte
	Model            string
	InputTokens      *int64
	OutputTokens     *int64
}

// Summary is the list/count projection: no header or body text columns.
type Summary struct {
	ID             int64
	Timestamp      time.Time
	Method         string
	Path           string
	Status         int
	DurationMS     int64
	ProxyAccountID string
	AccountID      string
	Error          string
	Model          string
}

// Store wraps a single-table SQLite database. Each operation opens its own
// connection-pool statement; the driver's own locking serializes writers.
type Store struct {
	db          *sql.DB
	insertCount atomic.Uint64
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records one request attempt. It does not trim the table; retention
// is applied by MaybeTrim, which callers run after each insert.
func (s *Store) Insert(ctx context.Context, r Record) error {
	reqHeaders := sanitizeHeaders(r.RequestHeaders)
	respHeaders := sanitizeHeaders(r.ResponseHeaders)
	reqBody := truncateBody(r.RequestBody)
	respBody := truncateBody(r.ResponseBody)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs
			(timestamp, method, path, status, duration_ms, proxy_account_id, account_id,
			 error, request_headers, response_headers, request_body, response_body,
			 model, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339), r.Method, r.Path, r.Status, r.DurationMS,
		r.ProxyAccountID, nullableString(r.AccountID), nullableString(r.Error),
		reqHeaders, respHeaders, reqBody, respBody,
		nullableString(r.Model), r.InputTokens, r.OutputTokens)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}

	return nil
}

// MaybeTrim runs the batched retention trim when maxLogs > 0 and the insert
// counter has crossed a trimBatch boundary. Callers invoke this once per
// insert; it is separated from Insert so the config-driven maxLogs value
// can be read fresh each time without threading it through Insert's
// signature.
func (s *Store) MaybeTrim(ctx context.Context, maxLogs int) error {
	if maxLogs <= 0 {
		return nil
	}
	n := s.insertCount.Add(1)
	if n%trimBatch != 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE id NOT IN (
			SELECT id FROM request_logs ORDER BY id DESC LIMIT ?)`, maxLogs)
	if err != nil {
		return fmt.Errorf("trim request logs: %w", err)
	}
	return nil
}

// Query narrows List/Count to matching rows.
type Query struct {
	Filter      string
	ErrorsOnly  bool
}

func (q Query) where() (string, []interface{}) {
	clauses := []string{"1=1"}
	var args []interface{}

	if q.ErrorsOnly {
		clauses = append(clauses, "(status < 200 OR status >= 400)")
	}
	if q.Filter != "" {
		like := "%" + q.Filter + "%"
		clauses = append(clauses, `(
			method LIKE ? OR path LIKE ? OR CAST(status AS TEXT) LIKE ? OR
			proxy_account_id LIKE ? OR account_id LIKE ? OR error LIKE ? OR model LIKE ?
		)`)
		for i := 0; i < 7; i++ {
			args = append(args, like)
		}
	}
	return strings.Join(clauses, " AND "), args
}

// Count returns the number of rows matching q.
func (s *Store) Count(ctx context.Context, q Query) (int, error) {
	where, args := q.where()
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM request_logs WHERE %s", where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count request logs: %w", err)
	}
	return n, nil
}

// List returns the summary projection for rows matching q, newest first.
func (s *Store) List(ctx context.Context, q Query, limit, offset int) ([]Summary, error) {
	where, args := q.where()
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, timestamp, method, path, status, duration_ms, proxy_account_id,
		       COALESCE(account_id, ''), COALESCE(error, ''), COALESCE(model, '')
		FROM request_logs WHERE %s ORDER BY id DESC LIMIT ? OFFSET ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var ts string
		if err := rows.Scan(&sm.ID, &ts, &sm.Method, &sm.Path, &sm.Status, &sm.DurationMS,
			&sm.ProxyAccountID, &sm.AccountID, &sm.Error, &sm.Model); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		sm.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// GetDetail returns the full record for id, including header and body text.
func (s *Store) GetDetail(ctx context.Context, id int64) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, method, path, status, duration_ms, proxy_account_id,
		       COALESCE(account_id, ''), COALESCE(error, ''),
		       request_headers, response_headers, request_body, response_body,
		       COALESCE(model, ''), input_tokens, output_tokens
		FROM request_logs WHERE id = ?`, id)

	var r Record
	var ts string
	var reqHeaders, respHeaders, reqBody, respBody sql.NullString
	err := row.Scan(&r.ID, &ts, &r.Method, &r.Path, &r.Status, &r.DurationMS, &r.ProxyAccountID,
		&r.AccountID, &r.Error, &reqHeaders, &respHeaders, &reqBody, &respBody,
		&r.Model, &r.InputTokens, &r.OutputTokens)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get request log detail: %w", err)
	}
	r.Timestamp, _ = time.Parse(time.RFC3339, ts)
	r.RequestHeaders = decodeHeaderPairs(reqHeaders.String)
	r.ResponseHeaders = decodeHeaderPairs(respHeaders.String)
	r.RequestBody = []byte(reqBody.String)
	r.ResponseBody = []byte(respBody.String)
	return r, true, nil
}

// ClearAll deletes every row.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM request_logs")
	if err != nil {
		return fmt.Errorf("clear request logs: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func decodeHeaderPairs(raw string) http.Header {
	if raw == "" {
		return nil
	}
	var pairs []headerPair
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil
	}
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		h.Add(p[0], p[1])
	}
	return h
}
