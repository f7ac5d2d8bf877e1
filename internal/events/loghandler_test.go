package events

import (
	"log/slog"
	"testing"
	"time"
)

func TestRingHandlerKeepsRecentLines(t *testing.T) {
	h := NewRingHandler(slog.LevelDebug, 3)
	logger := slog.New(h)

	for i := 0; i < 5; i++ {
		logger.Info("line", "n", i)
	}

	_, _, recent := h.Subscribe()
	if len(recent) != 3 {
		t.Fatalf("recent has %d lines, want 3 (ring capacity)", len(recent))
	}
	if recent[len(recent)-1].Attrs["n"] != int64(4) && recent[len(recent)-1].Attrs["n"] != 4 {
		t.Fatalf("most recent line should carry n=4, got %+v", recent[len(recent)-1])
	}
}

func TestRingHandlerRecentMatchesSubscribeSnapshot(t *testing.T) {
	h := NewRingHandler(slog.LevelDebug, 5)
	logger := slog.New(h)

	logger.Info("a")
	logger.Info("b")

	recent := h.Recent()
	if len(recent) != 2 || recent[0].Message != "a" || recent[1].Message != "b" {
		t.Fatalf("Recent() = %+v, want [a b] in order", recent)
	}
}

func TestRingHandlerPromotesAccountAttr(t *testing.T) {
	h := NewRingHandler(slog.LevelDebug, 10)
	logger := slog.New(h)

	logger.Warn("refresh failed", "account", "acct-1", "error", "boom")
	logger.Info("unrelated")

	recent := h.Recent()
	if len(recent) != 2 {
		t.Fatalf("recent has %d lines, want 2", len(recent))
	}
	if recent[0].Account != "acct-1" {
		t.Fatalf("Account = %q, want acct-1", recent[0].Account)
	}
	if _, ok := recent[0].Attrs["account"]; ok {
		t.Fatalf("account attr should be promoted out of Attrs, got %+v", recent[0].Attrs)
	}
	if recent[0].Attrs["error"] != "boom" {
		t.Fatalf("unrelated attrs should stay in Attrs, got %+v", recent[0].Attrs)
	}
	if recent[1].Account != "" {
		t.Fatalf("line without an account attr should leave Account empty, got %q", recent[1].Account)
	}
}

func TestRingHandlerRecentAccountFilters(t *testing.T) {
	h := NewRingHandler(slog.LevelDebug, 10)
	logger := slog.New(h)

	logger.Warn("a failed", "account", "acct-1")
	logger.Warn("b failed", "account", "acct-2")
	logger.Warn("a failed again", "account", "acct-1")

	only1 := h.RecentAccount("acct-1")
	if len(only1) != 2 {
		t.Fatalf("RecentAccount(acct-1) returned %d lines, want 2", len(only1))
	}
	for _, l := range only1 {
		if l.Account != "acct-1" {
			t.Fatalf("RecentAccount(acct-1) leaked line for %q", l.Account)
		}
	}

	if all := h.RecentAccount(""); len(all) != 3 {
		t.Fatalf("RecentAccount(\"\") should behave like Recent, got %d lines", len(all))
	}
}

func TestRingHandlerSubscribeReceivesLiveLines(t *testing.T) {
	h := NewRingHandler(slog.LevelDebug, 10)
	logger := slog.New(h)

	id, ch, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	logger.Warn("hello")

	select {
	case line := <-ch:
		if line.Message != "hello" {
			t.Fatalf("message = %q, want hello", line.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed line")
	}
}
