package main

import (
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/yansir/codex-gatewayd/internal/control"
	"github.com/yansir/codex-gatewayd/internal/events"
)

var version = "dev"

const (
	defaultUpstreamBaseURL = "https://chatgpt.com/backend-api/codex"
	defaultTokenURL        = "https://auth.openai.com/oauth/token"
	defaultClientID        = "app_EMoamEEZ73f0CkXaXp7hrann"
	defaultMaxBodyBytes    = 16 * 1024 * 1024
)

func main() {
	logHandler := events.NewRingHandler(slog.LevelInfo, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("codex-gatewayd starting", "version", version)

	home, err := os.UserHomeDir()
	if err != nil {
		slog.Error("resolve home directory failed", "error", err)
		os.Exit(1)
	}

	opts := control.Options{
		Home:            home,
		UpstreamBaseURL: envOr("CODEXMANAGER_UPSTREAM_BASE_URL", defaultUpstreamBaseURL),
		TokenURL:        defaultTokenURL,
		ClientID:        defaultClientID,
		MaxBodyBytes:    envBodyCap(),
		FixedCookie:     os.Getenv("CODEXMANAGER_UPSTREAM_COOKIE"),
		StripAffinity:   envTruthy("CODEXMANAGER_STRIP_SESSION_AFFINITY"),
		LogHandler:      logHandler,
	}

	rt, err := control.New(opts)
	if err != nil {
		slog.Error("runtime init failed", "error", err)
		os.Exit(1)
	}

	port := control.DefaultPort
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	if err := rt.Start(port); err != nil {
		slog.Error("start failed", "error", err)
		os.Exit(1)
	}
	slog.Info("codex-gatewayd ready", "status", rt.Status())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig)

	if err := rt.Stop(); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBodyCap() int64 {
	v := os.Getenv("CODEXMANAGER_FRONT_PROXY_MAX_BODY_BYTES")
	if v == "" {
		return defaultMaxBodyBytes
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return defaultMaxBodyBytes
	}
	return n
}

func envTruthy(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
