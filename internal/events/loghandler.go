// Package events provides an in-process tail of the gateway's structured
// log, for the control surface's recent-lines and log-tail operations.
package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// accountAttrKey is the slog attribute key the proxy attaches to warn/error
// lines about a specific upstream account (see internal/proxy's refresh and
// persist failure logs). Handle promotes it to Line.Account so the control
// surface can filter a tail by account without parsing the generic attrs
// bag back out.
const accountAttrKey = "account"

// Line is one captured log record.
type Line struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Account string         `json:"account,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingHandler is an slog.Handler that writes through to stderr and keeps
// the last ringSize records available for in-process readers, such as a
// Recent() snapshot or a live log-tail stream to a host UI.
type RingHandler struct {
	inner       slog.Handler
	mu          sync.RWMutex
	ring        []Line
	ringSize    int
	ringPos     int
	ringCount   int
	subscribers map[int]chan Line
	nextID      int
	level       slog.Leveler
	attrs       []slog.Attr
	groups      []string
}

// NewRingHandler returns a handler buffering ringSize lines (1000 if <= 0).
func NewRingHandler(level slog.Leveler, ringSize int) *RingHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &RingHandler{
		inner:       slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:        make([]Line, ringSize),
		ringSize:    ringSize,
		subscribers: make(map[int]chan Line),
		level:       level,
	}
}

func (h *RingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	line := Line{Level: r.Level.String(), Message: r.Message, Time: r.Time}
	prefix := groupPrefix(h.groups)

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(&line, attrs, prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(&line, attrs, prefix, a)
		return true
	})
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.ringPos] = line
	h.ringPos = (h.ringPos + 1) % h.ringSize
	if h.ringCount < h.ringSize {
		h.ringCount++
	}

	for _, ch := range h.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return nil
}

// addAttr records a into either line's promoted fields or the generic attrs
// bag, depending on its (fully group-qualified) key.
func addAttr(line *Line, attrs map[string]any, prefix string, a slog.Attr) {
	key := prefix + a.Key
	if key == accountAttrKey && line.Account == "" {
		line.Account = a.Value.String()
		return
	}
	attrs[key] = a.Value.Any()
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingHandler{
		inner:       h.inner.WithAttrs(attrs),
		ring:        h.ring,
		ringSize:    h.ringSize,
		ringPos:     h.ringPos,
		ringCount:   h.ringCount,
		subscribers: h.subscribers,
		nextID:      h.nextID,
		level:       h.level,
		attrs:       append(cloneAttrs(h.attrs), attrs...),
		groups:      h.groups,
	}
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &RingHandler{
		inner:       h.inner.WithGroup(name),
		ring:        h.ring,
		ringSize:    h.ringSize,
		ringPos:     h.ringPos,
		ringCount:   h.ringCount,
		subscribers: h.subscribers,
		nextID:      h.nextID,
		level:       h.level,
		attrs:       cloneAttrs(h.attrs),
		groups:      append(append([]string{}, h.groups...), name),
	}
}

// Recent returns a snapshot of the currently buffered lines without
// registering a subscriber.
func (h *RingHandler) Recent() []Line {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked(nil)
}

// RecentAccount returns a snapshot of the currently buffered lines whose
// promoted Account field matches accountID, preserving order. Empty
// accountID is treated as "no filter" and behaves like Recent.
func (h *RingHandler) RecentAccount(accountID string) []Line {
	if accountID == "" {
		return h.Recent()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked(func(l Line) bool { return l.Account == accountID })
}

// Subscribe registers a new listener and returns its id, channel, and the
// currently buffered lines. New lines are dropped for the channel (not
// blocked on) while its buffer is full, so a slow reader loses lines rather
// than stalling logging.
func (h *RingHandler) Subscribe() (id int, ch <-chan Line, recent []Line) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := make(chan Line, 64)
	id = h.nextID
	h.nextID++
	h.subscribers[id] = c

	recent = h.snapshotLocked(nil)
	return id, c, recent
}

// Unsubscribe removes a listener registered via Subscribe.
func (h *RingHandler) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// snapshotLocked copies out the ring in chronological order, optionally
// keeping only lines keep reports true for. Callers must hold h.mu.
func (h *RingHandler) snapshotLocked(keep func(Line) bool) []Line {
	if h.ringCount == 0 {
		return nil
	}
	start := (h.ringPos - h.ringCount + h.ringSize) % h.ringSize
	result := make([]Line, 0, h.ringCount)
	for i := 0; i < h.ringCount; i++ {
		line := h.ring[(start+i)%h.ringSize]
		if keep == nil || keep(line) {
			result = append(result, line)
		}
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
