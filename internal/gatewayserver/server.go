// Package gatewayserver binds the gateway's HTTP listeners and runs the
// serve/shutdown lifecycle.
package gatewayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds how long in-flight requests get to finish once a
// shutdown is requested.
const ShutdownTimeout = 30 * time.Second

// Server binds localhost on both IPv4 and IPv6 (when possible) and serves
// the same handler on both, with a single shutdown fanning out to both
// listeners.
type Server struct {
	handler   http.Handler
	port      int
	listeners []net.Listener
	servers   []*http.Server
}

// New constructs a Server bound to localhost:port. Binding happens in
// Start, not here, so construction never fails.
func New(handler http.Handler, port int) *Server {
	return &Server{handler: handler, port: port}
}

// bindAddrs are tried in order; a dual-stack "localhost" may resolve to
// either depending on the host, so both are bound explicitly.
var bindAddrs = []string{"127.0.0.1", "[::1]"}

// Start binds as many of the dual-stack addresses as it can and begins
// serving. At least one successful bind is required; binding only one is
// logged as a degradation, not an error.
func (s *Server) Start() error {
	var lastErr error
	for _, addr := range bindAddrs {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, s.port))
		if err != nil {
			slog.Warn("bind failed", "addr", addr, "port", s.port, "error", err)
			lastErr = err
			continue
		}
		s.listeners = append(s.listeners, l)
	}

	if len(s.listeners) == 0 {
		return fmt.Errorf("failed to bind any listener on port %d: %w", s.port, lastErr)
	}
	if len(s.listeners) < len(bindAddrs) {
		slog.Warn("serving single-stack", "port", s.port, "bound", len(s.listeners))
	}

	for _, l := range s.listeners {
		srv := &http.Server{Handler: s.handler}
		s.servers = append(s.servers, srv)
		go func(srv *http.Server, l net.Listener) {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("listener stopped", "addr", l.Addr().String(), "error", err)
			}
		}(srv, l)
	}

	slog.Info("gateway listening", "port", s.port, "listeners", len(s.listeners))
	return nil
}

// Shutdown gracefully stops every bound listener, fanning out a single
// signal and waiting for all in-flight requests to finish or time out.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, srv := range s.servers {
		srv := srv
		g.Go(func() error {
			return srv.Shutdown(gctx)
		})
	}
	return g.Wait()
}

// Addrs returns the local address of every bound listener, for status
// reporting.
func (s *Server) Addrs() []string {
	addrs := make([]string, len(s.listeners))
	for i, l := range s.listeners {
		addrs[i] = l.Addr().String()
	}
	return addrs
}
