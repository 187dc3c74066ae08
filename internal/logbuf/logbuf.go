// Package logbuf keeps the most recent log entries in memory so the admin
// API can serve them.
package logbuf

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Entry is a single log entry captured from slog.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries in Query. Zero fields match everything, except
// MinLevel whose zero value is slog.LevelInfo.
type Filter struct {
	Since     time.Time
	MinLevel  slog.Level
	Component string // value of the "component" attribute
	TicketID  int64  // value of the "ticket_id" attribute
	Limit     int    // keep only the newest Limit matches
}

func (f Filter) match(e Entry, lvl slog.Level) bool {
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if lvl < f.MinLevel {
		return false
	}
	if f.Component != "" && fmt.Sprint(e.Attrs["component"]) != f.Component {
		return false
	}
	if f.TicketID != 0 && !sameID(e.Attrs["ticket_id"], f.TicketID) {
		return false
	}
	return true
}

func sameID(v any, id int64) bool {
	switch n := v.(type) {
	case int64:
		return n == id
	case int:
		return int64(n) == id
	case uint64:
		return id >= 0 && n == uint64(id)
	default:
		return false
	}
}

type slot struct {
	entry Entry
	level slog.Level
}

// Buffer is a fixed-size ring of log entries, safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	slots []slot
	next  int
	full  bool
}

// New creates a buffer holding up to size entries. size < 1 is treated as 1.
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{slots: make([]slot, size)}
}

// Write stores e, evicting the oldest entry when the buffer is full.
func (b *Buffer) Write(e Entry) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(e.Level)); err != nil {
		lvl = slog.LevelInfo
	}

	b.mu.Lock()
	b.slots[b.next] = slot{entry: e, level: lvl}
	b.next++
	if b.next == len(b.slots) {
		b.next = 0
		b.full = true
	}
	b.mu.Unlock()
}

// Len returns the number of entries held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.slots)
	}
	return b.next
}

// Query returns the entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	start, n := 0, b.next
	if b.full {
		start, n = b.next, len(b.slots)
	}

	var out []Entry
	for i := 0; i < n; i++ {
		s := b.slots[(start+i)%len(b.slots)]
		if f.match(s.entry, s.level) {
			out = append(out, s.entry)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
