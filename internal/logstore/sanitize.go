package logstore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// maxBodyBytes is the stored-body truncation threshold; past it a
// byte-count suffix replaces the remainder.
const maxBodyBytes = 64 * 1024

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"cookie":              true,
	"proxy-authorization": true,
}

// headerPair is one [name, value] entry in the sanitized, JSON-encoded
// header column.
type headerPair [2]string

// sanitizeHeaders drops sensitive headers (case-insensitively) and encodes
// the remainder as a JSON array of [name, value] pairs. Returns nil for an
// empty result, which callers store as NULL.
func sanitizeHeaders(h http.Header) *string {
	var pairs []headerPair
	for name, vals := range h {
		if sensitiveHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range vals {
			pairs = append(pairs, headerPair{name, v})
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// truncateBody returns a UTF-8 best-effort, size-capped representation of
// body, or nil for an empty body (stored as NULL).
func truncateBody(body []byte) *string {
	if len(body) == 0 {
		return nil
	}
	if len(body) <= maxBodyBytes {
		s := string(body)
		return &s
	}
	truncated := len(body) - maxBodyBytes
	s := string(body[:maxBodyBytes]) + fmt.Sprintf("...truncated %d bytes", truncated)
	return &s
}
