package pool

import (
	"testing"
	"time"
)

func newEntries(ids ...string) []Entry {
	entries := make([]Entry, len(ids))
	for i, id := range ids {
		entries[i] = Entry{ID: id, AccessToken: "tok-" + id, AccountID: "acct-" + id}
	}
	return entries
}

func TestSelectRoundRobinFairness(t *testing.T) {
	p := New(newEntries("a", "b", "c", "d"))

	const rounds = 400
	counts := map[string]int{}
	for i := 0; i < rounds; i++ {
		sel, err := p.Select()
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		counts[sel.ID]++
	}

	lo := rounds / 4
	hi := lo + 1
	for id, c := range counts {
		if c != lo && c != hi {
			t.Errorf("entry %s selected %d times, want %d or %d", id, c, lo, hi)
		}
	}
}

func TestSelectSkipsBlockedAndCooldown(t *testing.T) {
	p := New(newEntries("a", "b", "c"))
	p.MarkBlocked(0)
	p.MarkCooldown(1, time.Minute)

	for i := 0; i < 5; i++ {
		sel, err := p.Select()
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if sel.ID != "c" {
			t.Fatalf("expected only entry c to be selected, got %s", sel.ID)
		}
	}
}

func TestSelectRevivesExpiredCooldown(t *testing.T) {
	p := New(newEntries("a"))
	p.MarkCooldown(0, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	sel, err := p.Select()
	if err != nil {
		t.Fatalf("expected revived entry to be selectable: %v", err)
	}
	if sel.ID != "a" {
		t.Fatalf("unexpected entry selected: %s", sel.ID)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	p := New(nil)
	if _, err := p.Select(); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestSelectExhaustedPool(t *testing.T) {
	p := New(newEntries("a", "b"))
	p.MarkBlocked(0)
	p.MarkBlocked(1)

	if _, err := p.Select(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestUpdateTokenOutOfRangeIsNoop(t *testing.T) {
	p := New(newEntries("a"))
	p.UpdateToken(5, "whatever")

	sel, err := p.Select()
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.AccessToken != "tok-a" {
		t.Fatalf("stale index write should not corrupt pool, got token %q", sel.AccessToken)
	}
}

func TestReplaceAllResetsHealthButNotCursor(t *testing.T) {
	p := New(newEntries("a", "b"))
	p.MarkBlocked(0)

	if _, err := p.Select(); err != nil {
		t.Fatalf("select before reload: %v", err)
	}

	p.ReplaceAll(newEntries("x", "y"))
	sel, err := p.Select()
	if err != nil {
		t.Fatalf("select after reload: %v", err)
	}
	if sel.ID != "y" {
		t.Fatalf("entry after reload = %s, want y (cursor carried over to index 1)", sel.ID)
	}
}
