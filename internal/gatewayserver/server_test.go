package gatewayserver

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestStartBindsAndShutdownStops(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := New(handler, 0)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(srv.Addrs()) == 0 {
		t.Fatalf("expected at least one bound listener")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
