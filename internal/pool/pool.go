// Package pool implements the account pool: an ordered, hot-reloadable set
// of credential entries with a three-state health machine and atomic
// round-robin selection.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// HealthState is the tag of the AccountHealth sum type.
type HealthState int

const (
	// Active entries are eligible for selection.
	Active HealthState = iota
	// Cooldown entries are temporarily ineligible until Until passes.
	Cooldown
	// Blocked entries are ineligible until an operator reload or restart.
	Blocked
)

// CooldownDuration is the fixed pause applied on a 429 from upstream.
const CooldownDuration = 60 * time.Second

// Health is the current health of one pool entry.
type Health struct {
	State HealthState
	Until time.Time // meaningful only when State == Cooldown
}

// Entry is one usable credential plus its live health and in-memory token
// copy, which may diverge from disk between a refresh and its persistence
// flush.
type Entry struct {
	ID           string
	AccessToken  string
	RefreshToken string
	AccountID    string
	Health       Health
}

// Selected is a snapshot returned by Select; its token fields are values,
// not pointers, so callers may use them outside the pool's lock.
type Selected struct {
	Index        int
	ID           string
	AccessToken  string
	RefreshToken string
	AccountID    string
}

// ErrEmpty means the pool has zero entries.
var ErrEmpty = errors.New("account pool is empty")

// ErrExhausted means every entry is currently Blocked or Cooldown.
var ErrExhausted = errors.New("account pool exhausted: no active entries")

// Pool is the shared mutable account pool. The zero value is not usable;
// construct with New.
type Pool struct {
	mu      sync.RWMutex
	entries []*Entry
	cursor  atomic.Uint64
}

// New builds a Pool from the given entries, each starting Active.
func New(entries []Entry) *Pool {
	p := &Pool{}
	p.ReplaceAll(entries)
	return p
}

// ReplaceAll atomically swaps the entire entry set, e.g. on hot reload. The
// RR cursor is not reset; fairness across the reload boundary is not
// guaranteed, only eventual uniformity.
func (p *Pool) ReplaceAll(entries []Entry) {
	fresh := make([]*Entry, len(entries))
	for i, e := range entries {
		ec := e
		if ec.Health.State == 0 && ec.Health.Until.IsZero() {
			ec.Health = Health{State: Active}
		}
		fresh[i] = &ec
	}
	p.mu.Lock()
	p.entries = fresh
	p.mu.Unlock()
}

// Len returns the current pool size.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Select revives expired cooldowns, advances the RR cursor, and returns the
// first Active entry starting at the cursor's pre-increment value modulo the
// pool size.
func (p *Pool) Select() (Selected, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		return Selected{}, ErrEmpty
	}

	now := time.Now()
	for _, e := range p.entries {
		if e.Health.State == Cooldown && !now.Before(e.Health.Until) {
			e.Health = Health{State: Active}
		}
	}

	start := int(p.cursor.Add(1) - 1)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		e := p.entries[idx]
		if e.Health.State == Active {
			return Selected{
				Index:        idx,
				ID:           e.ID,
				AccessToken:  e.AccessToken,
				RefreshToken: e.RefreshToken,
				AccountID:    e.AccountID,
			}, nil
		}
	}
	return Selected{}, ErrExhausted
}

// MarkBlocked moves the entry at index to Blocked. No-op if index is stale
// (the pool may have been swapped by a reload since selection).
func (p *Pool) MarkBlocked(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.at(index); ok {
		e.Health = Health{State: Blocked}
	}
}

// MarkCooldown moves the entry at index to Cooldown for the given duration.
func (p *Pool) MarkCooldown(index int, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.at(index); ok {
		e.Health = Health{State: Cooldown, Until: time.Now().Add(d)}
	}
}

// UpdateToken replaces the in-memory access token at index, e.g. after a
// successful refresh. It does not touch health.
func (p *Pool) UpdateToken(index int, newAccessToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.at(index); ok {
		e.AccessToken = newAccessToken
	}
}

// UpdateTokens replaces both access and refresh tokens at index.
func (p *Pool) UpdateTokens(index int, newAccessToken, newRefreshToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.at(index); ok {
		e.AccessToken = newAccessToken
		if newRefreshToken != "" {
			e.RefreshToken = newRefreshToken
		}
	}
}

// at returns the entry at index if it's still within bounds.
func (p *Pool) at(index int) (*Entry, bool) {
	if index < 0 || index >= len(p.entries) {
		return nil, false
	}
	return p.entries[index], true
}

// Snapshot returns a read-only copy of every entry, for status reporting.
func (p *Pool) Snapshot() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, len(p.entries))
	for i, e := range p.entries {
		out[i] = *e
	}
	return out
}
