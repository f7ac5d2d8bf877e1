// Package rewrite builds the header set and URL sent upstream for one
// proxied request.
package rewrite

import (
	"crypto/sha256"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Pinned client-identity constants baked into the build. These mirror what
// the real Codex CLI sends and are not configurable per request.
const (
	PinnedVersion    = "0.21.0"
	PinnedOpenAIBeta = "responses=experimental"
	PinnedUserAgent  = "codex-cli/0.21.0"
	PinnedOriginator = "codex_cli_rs"

	defaultClientVersion = "0.21.0"
	backendAPICodexSuffix = "/backend-api/codex"
)

// strippedRequestHeaders are hop-by-hop or credential headers never
// forwarded upstream; the rewriter's own versions replace them.
var strippedRequestHeaders = []string{
	"host", "connection", "keep-alive", "proxy-authenticate",
	"proxy-authorization", "authorization", "te", "trailers",
	"transfer-encoding", "upgrade", "content-length",
}

// Policy carries the per-request inputs the rewrite needs beyond the raw
// header map.
type Policy struct {
	AccessToken      string
	UpstreamAccount  string // chatgpt-account-id, may be empty
	HasBody          bool
	Streaming        bool
	StripAffinity    bool // CODEXMANAGER_STRIP_SESSION_AFFINITY
	FixedCookie      string
}

// Headers builds the upstream header set from the incoming request headers
// and the selection policy. The incoming map is never mutated.
func Headers(incoming http.Header, p Policy) http.Header {
	out := make(http.Header, len(incoming)+4)
	stripped := make(map[string]bool, len(strippedRequestHeaders))
	for _, h := range strippedRequestHeaders {
		stripped[h] = true
	}

	for key, vals := range incoming {
		if stripped[strings.ToLower(key)] {
			continue
		}
		for _, v := range vals {
			out.Add(key, v)
		}
	}

	out.Set("Authorization", "Bearer "+p.AccessToken)
	if p.HasBody {
		out.Set("Content-Type", "application/json")
	}
	if p.Streaming {
		out.Set("Accept", "text/event-stream")
	} else {
		out.Set("Accept", "application/json")
	}
	out.Set("Connection", "Keep-Alive")
	out.Set("version", PinnedVersion)
	out.Set("openai-beta", PinnedOpenAIBeta)
	out.Set("User-Agent", PinnedUserAgent)
	out.Set("originator", PinnedOriginator)

	out.Set("session_id", resolveSessionID(incoming, p.StripAffinity))

	if !p.StripAffinity {
		if cid := incoming.Get("conversation_id"); cid != "" {
			out.Set("conversation_id", cid)
		}
	} else {
		out.Del("conversation_id")
	}

	if p.UpstreamAccount != "" {
		out.Set("chatgpt-account-id", p.UpstreamAccount)
	}

	if p.FixedCookie != "" {
		out.Set("Cookie", p.FixedCookie)
	} else {
		out.Del("Cookie")
	}

	return out
}

// resolveSessionID implements the session_id resolution order from §4.4:
// fresh random when affinity is stripped, else the incoming header, else a
// deterministic derivation from the sticky header, else fresh random.
func resolveSessionID(incoming http.Header, stripAffinity bool) string {
	if stripAffinity {
		return uuid.NewString()
	}
	if sid := incoming.Get("session_id"); sid != "" {
		return sid
	}
	if sticky := incoming.Get("x-codex-sticky"); sticky != "" {
		return deriveSessionUUID(sticky)
	}
	return uuid.NewString()
}

// deriveSessionUUID produces a deterministic, RFC 4122-valid UUIDv4-shaped
// string from a SHA-256 digest: the variant/version bits are forced so
// upstreams that validate the format accept the output.
func deriveSessionUUID(sticky string) string {
	sum := sha256.Sum256([]byte("session:" + sticky))
	var b [16]byte
	copy(b[:], sum[:16])
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Rewrite computes the upstream URL for the given base URL and incoming
// request path/query per §4.4's path-rewrite rules.
func Rewrite(baseURL, incomingPath, rawQuery string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	path := incomingPath
	query := rawQuery

	if path == "/v1/models" {
		q, err := url.ParseQuery(query)
		if err != nil {
			q = url.Values{}
		}
		if q.Get("client_version") == "" {
			q.Set("client_version", defaultClientVersion)
			query = q.Encode()
		}
	}

	if strings.HasSuffix(strings.TrimSuffix(base.Path, "/"), backendAPICodexSuffix) {
		path = strings.TrimPrefix(path, "/v1/")
		path = "/" + strings.TrimPrefix(path, "/")
	}

	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query
	return u.String(), nil
}
