// Package stats tracks message and lookup-result counters for the periodic
// console line and the shutdown summary.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks pipeline statistics by message kind and lookup outcome.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-message increments
	// don't fight over a mutex
	messageCounts  sync.Map // string -> *atomic.Uint64
	identityCounts sync.Map // string -> *atomic.Uint64
	start          atomic.Int64
	sessionsOpened atomic.Uint64
	sessionsClosed atomic.Uint64
	tagsFound      atomic.Uint64
	tagsNotFound   atomic.Uint64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementMessage increases the count for a wire message kind.
func (t *Tracker) IncrementMessage(kind string) {
	incrementCounter(&t.messageCounts, kind)
}

// IncrementIdentity increases the per-scanner-identity message count.
func (t *Tracker) IncrementIdentity(identity string) {
	incrementCounter(&t.identityCounts, identity)
}

// SessionOpened records a session start.
func (t *Tracker) SessionOpened() {
	t.sessionsOpened.Add(1)
}

// SessionClosed records a session end (explicit or cascade).
func (t *Tracker) SessionClosed() {
	t.sessionsClosed.Add(1)
}

// TagFound records a lookup that resolved to a record.
func (t *Tracker) TagFound() {
	t.tagsFound.Add(1)
}

// TagNotFound records a lookup that resolved to nothing, including the
// downgraded timeout/failure cases.
func (t *Tracker) TagNotFound() {
	t.tagsNotFound.Add(1)
}

// GetMessageCounts returns a copy of the per-kind message counts.
func (t *Tracker) GetMessageCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.messageCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// GetIdentityCounts returns a copy of the per-identity message counts.
func (t *Tracker) GetIdentityCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.identityCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// Sessions returns the opened/closed session totals.
func (t *Tracker) Sessions() (opened, closed uint64) {
	return t.sessionsOpened.Load(), t.sessionsClosed.Load()
}

// Lookups returns the found/not-found lookup totals.
func (t *Tracker) Lookups() (found, notFound uint64) {
	return t.tagsFound.Load(), t.tagsNotFound.Load()
}

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters.
func (t *Tracker) Reset() {
	t.messageCounts.Range(func(key, _ any) bool {
		t.messageCounts.Delete(key)
		return true
	})
	t.identityCounts.Range(func(key, _ any) bool {
		t.identityCounts.Delete(key)
		return true
	})
	t.sessionsOpened.Store(0)
	t.sessionsClosed.Store(0)
	t.tagsFound.Store(0)
	t.tagsNotFound.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	opened, closed := t.Sessions()
	found, notFound := t.Lookups()
	lines := make([]string, 0, 3)
	lines = append(lines, fmt.Sprintf("Sessions: opened=%d closed=%d active=%d", opened, closed, opened-closed))
	lines = append(lines, fmt.Sprintf("Lookups: found=%d not_found=%d", found, notFound))
	lines = append(lines, formatMapCounts("Messages by kind", &t.messageCounts))
	return lines
}

func formatMapCounts(label string, counts *sync.Map) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	first := true
	counts.Range(func(key, value any) bool {
		if !first {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", key.(string), value.(*atomic.Uint64).Load())
		first = false
		return true
	})
	if first {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
