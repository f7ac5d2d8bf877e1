// Package control exposes the gateway's lifecycle and operator operations
// as one Go value, so the core never needs a process-global singleton.
package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/yansir/codex-gatewayd/internal/credstore"
	"github.com/yansir/codex-gatewayd/internal/events"
	"github.com/yansir/codex-gatewayd/internal/gatewayserver"
	"github.com/yansir/codex-gatewayd/internal/gwconfig"
	"github.com/yansir/codex-gatewayd/internal/logstore"
	"github.com/yansir/codex-gatewayd/internal/pool"
	"github.com/yansir/codex-gatewayd/internal/proxy"
	"github.com/yansir/codex-gatewayd/internal/refresh"
)

// DefaultPort is used when start(port?) omits a port.
const DefaultPort = 8080

// Options configure the gateway runtime at construction.
type Options struct {
	Home            string // $HOME; credentials and config/logs live under it
	UpstreamBaseURL string
	TokenURL        string
	ClientID        string
	MaxBodyBytes    int64
	FixedCookie     string
	StripAffinity   bool
	LogHandler      *events.RingHandler // optional; enables RecentLogLines/TailLogs
}

// GatewayRuntime owns every mutable piece of gateway state: the account
// pool, the HTTP server, and the config/log/credential stores. One value
// per running gateway; the host UI bridge holds a handle to it instead of
// reaching for package-level state.
type GatewayRuntime struct {
	mu sync.Mutex

	opts       Options
	creds      *credstore.Store
	config     *gwconfig.Store
	logs       *logstore.Store
	pool       *pool.Pool
	handler    *proxy.Handler
	srv        *gatewayserver.Server
	logHandler *events.RingHandler
	cancel     context.CancelFunc
	port       int
}

// New wires the stores and account pool but does not start listening.
func New(opts Options) (*GatewayRuntime, error) {
	creds := credstore.New(opts.Home)

	configPath := opts.Home + "/.codex-manager/proxy_config.json"
	config, err := gwconfig.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}

	logPath := opts.Home + "/.codex-manager/proxy_logs.db"
	logs, err := logstore.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}

	records, err := creds.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	p := pool.New(toEntries(records))

	refresher := refresh.New(opts.TokenURL, opts.ClientID)
	handler := proxy.New(p, refresher, creds, logs, config, opts.UpstreamBaseURL, opts.MaxBodyBytes, nil)
	handler.FixedCookie = opts.FixedCookie
	handler.StripAffinity = opts.StripAffinity

	return &GatewayRuntime{
		opts:       opts,
		creds:      creds,
		config:     config,
		logs:       logs,
		pool:       p,
		handler:    handler,
		logHandler: opts.LogHandler,
	}, nil
}

func toEntries(records []credstore.Record) []pool.Entry {
	entries := make([]pool.Entry, len(records))
	for i, r := range records {
		entries[i] = pool.Entry{
			ID:           r.ID,
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			AccountID:    r.AccountID,
		}
	}
	return entries
}

// Start binds the dual-stack listener on port (DefaultPort if 0) and begins
// serving, plus starts the credential-directory watcher for automatic
// hot-reload.
func (g *GatewayRuntime) Start(port int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.srv != nil {
		return fmt.Errorf("gateway already started")
	}
	if port == 0 {
		port = DefaultPort
	}

	srv := gatewayserver.New(g.handler, port)
	if err := srv.Start(); err != nil {
		return err
	}
	g.srv = srv
	g.port = port

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go func() {
		if err := g.creds.Watch(ctx, g.ReloadAccounts); err != nil {
			slog.Warn("credential watch stopped", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down and stops the credential watcher.
func (g *GatewayRuntime) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.srv == nil {
		return nil
	}
	if g.cancel != nil {
		g.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), gatewayserver.ShutdownTimeout)
	defer cancel()
	err := g.srv.Shutdown(ctx)
	g.srv = nil
	return err
}

// Status is the snapshot returned by status().
type Status struct {
	Running bool
	Port    int
	Addrs   []string
	Pool    []pool.Entry
}

func (g *GatewayRuntime) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := Status{Pool: g.pool.Snapshot()}
	if g.srv != nil {
		st.Running = true
		st.Port = g.port
		st.Addrs = g.srv.Addrs()
	}
	return st
}

// ReloadAccounts rescans the credential directory and atomically swaps the
// pool's entry set.
func (g *GatewayRuntime) ReloadAccounts() {
	records, err := g.creds.LoadAll()
	if err != nil {
		slog.Warn("reload accounts failed", "error", err)
		return
	}
	g.pool.ReplaceAll(toEntries(records))
	slog.Info("accounts reloaded", "count", len(records))
}

// GetConfig returns the current persisted config.
func (g *GatewayRuntime) GetConfig() gwconfig.Config {
	return g.config.Get()
}

// UpdateConfig applies mutate and persists the result.
func (g *GatewayRuntime) UpdateConfig(mutate func(*gwconfig.Config)) (gwconfig.Config, error) {
	return g.config.Update(mutate)
}

// GenerateAPIKey mints a fresh random gateway key, persists it, and returns
// it in plaintext exactly once.
func (g *GatewayRuntime) GenerateAPIKey() (string, error) {
	key, err := randomKey()
	if err != nil {
		return "", err
	}
	if _, err := g.config.Update(func(c *gwconfig.Config) { c.GatewayAPIKey = &key }); err != nil {
		return "", err
	}
	return key, nil
}

func randomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ClearLogs removes every request log record.
func (g *GatewayRuntime) ClearLogs(ctx context.Context) error {
	return g.logs.ClearAll(ctx)
}

// ListLogs returns the summary projection for matching rows.
func (g *GatewayRuntime) ListLogs(ctx context.Context, filter string, errorsOnly bool, limit, offset int) ([]logstore.Summary, error) {
	return g.logs.List(ctx, logstore.Query{Filter: filter, ErrorsOnly: errorsOnly}, limit, offset)
}

// CountLogs returns the count of matching rows.
func (g *GatewayRuntime) CountLogs(ctx context.Context, filter string, errorsOnly bool) (int, error) {
	return g.logs.Count(ctx, logstore.Query{Filter: filter, ErrorsOnly: errorsOnly})
}

// GetLog returns the full detail for one log row.
func (g *GatewayRuntime) GetLog(ctx context.Context, id int64) (logstore.Record, bool, error) {
	return g.logs.GetDetail(ctx, id)
}

// Handler exposes the underlying http.Handler, mainly for tests that want
// to drive requests without a real listener.
func (g *GatewayRuntime) Handler() http.Handler {
	return g.handler
}

// RecentLogLines returns the structured-log ring buffer's current contents,
// or nil if no LogHandler was configured.
func (g *GatewayRuntime) RecentLogLines() []events.Line {
	if g.logHandler == nil {
		return nil
	}
	return g.logHandler.Recent()
}

// RecentLogLinesForAccount returns the buffered log lines tagged with the
// given account (pool entry) id, e.g. for an operator inspecting why one
// account keeps failing without wading through the whole tail.
func (g *GatewayRuntime) RecentLogLinesForAccount(accountID string) []events.Line {
	if g.logHandler == nil {
		return nil
	}
	return g.logHandler.RecentAccount(accountID)
}

// TailLogs subscribes to live structured-log lines as they are written,
// returning the backlog plus a channel for new lines and an unsubscribe
// func. Returns a nil channel if no LogHandler was configured.
func (g *GatewayRuntime) TailLogs() (backlog []events.Line, lines <-chan events.Line, unsubscribe func()) {
	if g.logHandler == nil {
		return nil, nil, func() {}
	}
	id, ch, recent := g.logHandler.Subscribe()
	return recent, ch, func() { g.logHandler.Unsubscribe(id) }
}
