// Package proxy implements the gateway's single HTTP handler: the
// round-trip from an incoming request to a logged, relayed response.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yansir/codex-gatewayd/internal/credstore"
	"github.com/yansir/codex-gatewayd/internal/gwconfig"
	"github.com/yansir/codex-gatewayd/internal/logstore"
	"github.com/yansir/codex-gatewayd/internal/pool"
	"github.com/yansir/codex-gatewayd/internal/refresh"
	"github.com/yansir/codex-gatewayd/internal/rewrite"
)

// upstreamTimeout bounds one upstream call, per the 120s transport timeout.
const upstreamTimeout = 120 * time.Second

// cooldownDuration is the fixed pause applied on a 429 from upstream.
const cooldownDuration = 60 * time.Second

// Handler is the gateway's reverse-proxy entrypoint.
type Handler struct {
	Pool            *pool.Pool
	Refresher       *refresh.Refresher
	Creds           *credstore.Store
	Logs            *logstore.Store
	Config          *gwconfig.Store
	UpstreamBaseURL string
	FixedCookie     string
	StripAffinity   bool
	MaxBodyBytes    int64
	Client          *http.Client
}

// New builds a Handler. client defaults to one with the 120s upstream
// timeout if nil.
func New(p *pool.Pool, r *refresh.Refresher, cs *credstore.Store, ls *logstore.Store, cfg *gwconfig.Store, upstreamBaseURL string, maxBodyBytes int64, client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{Timeout: upstreamTimeout}
	}
	return &Handler{
		Pool:            p,
		Refresher:       r,
		Creds:           cs,
		Logs:            ls,
		Config:          cfg,
		UpstreamBaseURL: upstreamBaseURL,
		MaxBodyBytes:    maxBodyBytes,
		Client:          client,
	}
}

// ServeHTTP implements the round-trip state machine described for the
// proxy handler: CORS preflight, size gate, auth gate, pool selection,
// forward, status interpretation, response assembly, and logging.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	if req.Method == http.MethodOptions {
		writeCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.checkBodySize(req); err != nil {
		writeCORSHeaders(w)
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.checkAuth(req); err != nil {
		writeCORSHeaders(w)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, h.maxBodyBytesOrDefault()+1))
	if err != nil {
		writeCORSHeaders(w)
		http.Error(w, "failed to read request body", http.StatusRequestEntityTooLarge)
		return
	}
	if int64(len(body)) > h.maxBodyBytesOrDefault() {
		writeCORSHeaders(w)
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	sel, err := h.Pool.Select()
	if err != nil {
		h.respondPoolError(w, req, body, start, err)
		return
	}
	sel = h.maybeProactiveRefresh(req.Context(), sel)

	streaming := strings.Contains(req.Header.Get("Accept"), "text/event-stream")
	h.forwardAndRespond(w, req, body, sel, streaming, start)
}

func (h *Handler) maxBodyBytesOrDefault() int64 {
	if h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return 16 * 1024 * 1024
}

func (h *Handler) checkBodySize(req *http.Request) error {
	if req.ContentLength > 0 && req.ContentLength > h.maxBodyBytesOrDefault() {
		return fmt.Errorf("request body of %d bytes exceeds cap of %d", req.ContentLength, h.maxBodyBytesOrDefault())
	}
	return nil
}

func (h *Handler) checkAuth(req *http.Request) error {
	cfg := h.Config.Get()
	if cfg.GatewayAPIKey == nil || *cfg.GatewayAPIKey == "" {
		return nil
	}
	want := *cfg.GatewayAPIKey

	if key := req.Header.Get("x-api-key"); key == want {
		return nil
	}
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if strings.TrimPrefix(auth, "Bearer ") == want {
			return nil
		}
	}
	return errors.New("missing or invalid gateway credential")
}

func (h *Handler) respondPoolError(w http.ResponseWriter, req *http.Request, body []byte, start time.Time, err error) {
	writeCORSHeaders(w)
	var status int
	var logErr string
	switch {
	case errors.Is(err, pool.ErrEmpty):
		status = http.StatusServiceUnavailable
		logErr = "account pool is empty"
	case errors.Is(err, pool.ErrExhausted):
		w.Header().Set("Retry-After", "60")
		status = http.StatusTooManyRequests
		logErr = "account pool exhausted"
	default:
		status = http.StatusServiceUnavailable
		logErr = err.Error()
	}
	http.Error(w, logErr, status)
	h.logAttempt(req, body, "", "", status, start, logErr, nil, nil, nil)
}

func (h *Handler) forwardAndRespond(w http.ResponseWriter, req *http.Request, body []byte, sel pool.Selected, streaming bool, start time.Time) {
	resp, err := h.doUpstream(req, body, sel, streaming)
	if err != nil {
		writeCORSHeaders(w)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		h.logAttempt(req, body, sel.ID, sel.AccountID, http.StatusBadGateway, start, err.Error(), nil, nil, nil)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		h.handle401(w, req, body, sel, streaming, resp, start)
		return
	case http.StatusForbidden:
		h.Pool.MarkBlocked(sel.Index)
	case http.StatusTooManyRequests:
		h.Pool.MarkCooldown(sel.Index, cooldownDuration)
	}

	h.relay(w, req, body, sel, streaming, resp, start)
}

// handle401 implements the single refresh-then-retry-once policy.
func (h *Handler) handle401(w http.ResponseWriter, req *http.Request, body []byte, sel pool.Selected, streaming bool, resp *http.Response, start time.Time) {
	resp.Body.Close()

	if sel.RefreshToken == "" {
		h.Pool.MarkBlocked(sel.Index)
		writeCORSHeaders(w)
		w.WriteHeader(http.StatusUnauthorized)
		h.logAttempt(req, body, sel.ID, sel.AccountID, http.StatusUnauthorized, start, "upstream 401, no refresh token", resp.Header, nil, nil)
		return
	}

	retrySel, err := h.refreshAndPersist(req.Context(), sel)
	if err != nil {
		h.Pool.MarkBlocked(sel.Index)
		writeCORSHeaders(w)
		w.WriteHeader(http.StatusUnauthorized)
		h.logAttempt(req, body, sel.ID, sel.AccountID, http.StatusUnauthorized, start, "refresh failed: "+err.Error(), resp.Header, nil, nil)
		return
	}

	retryResp, err := h.doUpstream(req, body, retrySel, streaming)
	if err != nil {
		writeCORSHeaders(w)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		h.logAttempt(req, body, sel.ID, sel.AccountID, http.StatusBadGateway, start, err.Error(), nil, nil, nil)
		return
	}
	defer retryResp.Body.Close()

	if retryResp.StatusCode == http.StatusUnauthorized {
		h.Pool.MarkBlocked(sel.Index)
	} else if retryResp.StatusCode == http.StatusForbidden {
		h.Pool.MarkBlocked(sel.Index)
	} else if retryResp.StatusCode == http.StatusTooManyRequests {
		h.Pool.MarkCooldown(sel.Index, cooldownDuration)
	}

	h.relay(w, req, body, retrySel, streaming, retryResp, start)
}

// refreshExpirySkew is how far ahead of the access token's exp claim the
// proxy proactively refreshes, to avoid racing an upstream that checks
// expiry with second-level precision.
const refreshExpirySkew = 60 * time.Second

// maybeProactiveRefresh refreshes sel's access token ahead of a request when
// the JWT's exp claim says it has already passed (or is about to). A
// reactive 401 still covers tokens this decode can't read or that expire
// mid-flight; this only trims how often that slower path is needed.
func (h *Handler) maybeProactiveRefresh(ctx context.Context, sel pool.Selected) pool.Selected {
	if sel.RefreshToken == "" {
		return sel
	}
	exp := credstore.ExpirySeconds(sel.AccessToken)
	if exp == 0 || time.Now().Add(refreshExpirySkew).Before(time.Unix(exp, 0)) {
		return sel
	}
	refreshed, err := h.refreshAndPersist(ctx, sel)
	if err != nil {
		slog.Warn("opportunistic refresh failed, deferring to reactive 401 handling", "account", sel.ID, "error", err)
		return sel
	}
	return refreshed
}

// refreshAndPersist exchanges sel's refresh token for a new access token,
// persists the result to disk, and updates the pool entry in place.
func (h *Handler) refreshAndPersist(ctx context.Context, sel pool.Selected) (pool.Selected, error) {
	result, err := h.Refresher.Refresh(ctx, sel.ID, sel.RefreshToken)
	if err != nil {
		return sel, err
	}

	newRefreshToken := result.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = sel.RefreshToken
	}
	persisted := credstore.Record{
		ID:           sel.ID,
		AccessToken:  result.AccessToken,
		IDToken:      result.IDToken,
		RefreshToken: newRefreshToken,
		AccountID:    sel.AccountID,
		LastRefresh:  time.Now(),
	}
	if err := h.Creds.Persist(persisted, sel.RefreshToken); err != nil {
		slog.Warn("failed to persist refreshed credential", "account", sel.ID, "error", err)
	}
	h.Pool.UpdateTokens(sel.Index, result.AccessToken, newRefreshToken)

	updated := sel
	updated.AccessToken = result.AccessToken
	updated.RefreshToken = newRefreshToken
	return updated, nil
}

func (h *Handler) doUpstream(req *http.Request, body []byte, sel pool.Selected, streaming bool) (*http.Response, error) {
	upstreamURL, err := rewrite.Rewrite(h.UpstreamBaseURL, req.URL.Path, req.URL.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("rewrite upstream url: %w", err)
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	upReq, err := http.NewRequestWithContext(req.Context(), req.Method, upstreamURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	upReq.Header = rewrite.Headers(req.Header, rewrite.Policy{
		AccessToken:     sel.AccessToken,
		UpstreamAccount: sel.AccountID,
		HasBody:         len(body) > 0,
		Streaming:       streaming,
		StripAffinity:   h.StripAffinity,
		FixedCookie:     h.FixedCookie,
	})

	// Detached from req.Context(): a client disconnect must not cancel an
	// upstream call already in flight. The gateway completes it best-effort
	// and logs the outcome regardless of whether the client is still there.
	// The 120s bound is h.Client's Timeout, which also covers reading the
	// body after Do returns.
	return h.Client.Do(upReq.WithContext(context.Background()))
}

// relay streams or buffers the upstream response to the client and emits
// the LogRecord for this attempt.
func (h *Handler) relay(w http.ResponseWriter, req *http.Request, reqBody []byte, sel pool.Selected, streaming bool, resp *http.Response, start time.Time) {
	copyResponseHeaders(w.Header(), resp.Header)
	writeCORSHeaders(w)

	if streaming {
		h.relayStream(w, req, reqBody, sel, resp, start)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "failed to read upstream response", http.StatusBadGateway)
		h.logAttempt(req, reqBody, sel.ID, sel.AccountID, http.StatusBadGateway, start, err.Error(), resp.Header, nil, nil)
		return
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	inputTokens, outputTokens := extractUsage(respBody)
	h.logAttempt(req, reqBody, sel.ID, sel.AccountID, resp.StatusCode, start, "", resp.Header, respBody, &usage{input: inputTokens, output: outputTokens})
}

func (h *Handler) relayStream(w http.ResponseWriter, req *http.Request, reqBody []byte, sel pool.Selected, resp *http.Response, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			flusher.Flush()
		}
		if err != nil {
			break
		}
		if req.Context().Err() != nil {
			break
		}
	}

	h.logAttempt(req, reqBody, sel.ID, sel.AccountID, resp.StatusCode, start, "", resp.Header, nil, nil)
}

type usage struct {
	input  *int64
	output *int64
}

func (h *Handler) logAttempt(req *http.Request, reqBody []byte, proxyAccountID, accountID string, status int, start time.Time, logErr string, respHeaders http.Header, respBody []byte, u *usage) {
	if h.Logs == nil {
		return
	}
	cfg := h.Config.Get()
	if !cfg.EnableLogging {
		return
	}

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	rec := logstore.Record{
		Timestamp:       start,
		Method:          req.Method,
		Path:            path,
		Status:          status,
		DurationMS:      time.Since(start).Milliseconds(),
		ProxyAccountID:  proxyAccountID,
		AccountID:       accountID,
		Error:           logErr,
		RequestHeaders:  req.Header,
		RequestBody:     reqBody,
		ResponseHeaders: respHeaders,
		ResponseBody:    respBody,
		Model:           extractModel(reqBody),
	}
	if u != nil {
		rec.InputTokens = u.input
		rec.OutputTokens = u.output
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Logs.Insert(ctx, rec); err != nil {
		slog.Warn("failed to persist request log", "error", err)
		return
	}
	if err := h.Logs.MaybeTrim(ctx, cfg.MaxLogs); err != nil {
		slog.Warn("failed to trim request logs", "error", err)
	}
}

func writeCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
}

var hopByHopResponseHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"proxy-authenticate":  true,
	"content-length":      true,
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for k, vals := range src {
		if hopByHopResponseHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func extractUsage(body []byte) (*int64, *int64) {
	var parsed struct {
		Usage struct {
			InputTokens  *int64 `json:"input_tokens"`
			OutputTokens *int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := jsonUnmarshalLenient(body, &parsed); err != nil {
		return nil, nil
	}
	return parsed.Usage.InputTokens, parsed.Usage.OutputTokens
}

func extractModel(body []byte) string {
	var parsed struct {
		Model string `json:"model"`
	}
	if err := jsonUnmarshalLenient(body, &parsed); err != nil {
		return ""
	}
	return parsed.Model
}

func jsonUnmarshalLenient(body []byte, v interface{}) error {
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, v)
}
