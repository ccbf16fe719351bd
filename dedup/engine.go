// Package dedup implements the per-session duplicate-suppression engine that
// classifies incoming tags as new or already seen. One engine serves both
// operating modes; they differ only in identity policy, throttle window, and
// emission style:
//
//   - Batch mode: identity is the trimmed tag exactly as received
//     (case-sensitive), no throttle, accepted tags collected for bulk
//     retrieval, separate accepted/skipped/received counters.
//   - Streaming mode: identity is case-folded, a per-tag throttle window
//     absorbs reader chatter before the seen-set check, accepted tags are
//     emitted immediately through a callback, and a single aggregate
//     "processed" counter is kept.
//
// The two identity policies are deliberately distinct: batch reconciliation
// inherits the case-sensitive behavior of file imports, while live scanning
// folds case because handheld readers report inconsistent casing for the same
// physical token. Do not unify them.
package dedup

import (
	"log"
	"sync"
	"time"

	lev "github.com/agnivade/levenshtein"
	"github.com/zeebo/xxh3"

	"tagstream/internal/ratelimit"
	"tagstream/scan"
)

const (
	// seenHardLimit bounds the seen-set; crossing it prunes down to
	// seenPruneTarget most-recently-inserted identities. Very old tags become
	// eligible to be "seen" again, a deliberate memory/precision trade-off.
	seenHardLimit   = 10000
	seenPruneTarget = 5000

	// acceptedCap bounds the retrievable accepted-tag list, oldest first out.
	acceptedCap = 10000

	// nearMissDepth is how many recent accepted tags a new acceptance is
	// compared against for the misread diagnostic.
	nearMissDepth = 16
)

// DefaultThrottleWindow is the streaming-mode per-tag suppression window.
const DefaultThrottleWindow = 100 * time.Millisecond

// Options parameterizes an Engine. The zero value is batch semantics.
type Options struct {
	// ThrottleWindow drops a tag seen again within the window, even one that
	// was never accepted. Zero disables throttling (batch semantics).
	ThrottleWindow time.Duration
	// FoldCase switches identity to the case-folded form.
	FoldCase bool
	// OnAccept, when set, is invoked synchronously for each accepted tag.
	OnAccept func(tag string)
	// WarnNearMiss enables the log-only probable-misread diagnostic.
	WarnNearMiss bool
}

// Counters is a snapshot of an engine's counters. Batch mode maintains
// Received/Accepted/Skipped; streaming mode maintains only Processed.
type Counters struct {
	Received  uint64
	Accepted  uint64
	Skipped   uint64
	Processed uint64
}

// Engine is the suppression engine. It accepts input only between Start and
// Stop; calls while stopped are no-ops. All state transitions happen under a
// single mutex, so Clear is atomic with respect to concurrent offers.
type Engine struct {
	throttle     time.Duration
	foldCase     bool
	onAccept     func(string)
	warnNearMiss bool

	mu        sync.Mutex
	running   bool
	seen      map[uint64]struct{}
	seenOrder []uint64 // insertion order, for pruning
	lastSeen  map[uint64]time.Time
	accepted  []string
	counters  Counters

	nearMissLog ratelimit.Counter
	now         func() time.Time
}

// New creates an engine with explicit options.
func New(opts Options) *Engine {
	return &Engine{
		throttle:     opts.ThrottleWindow,
		foldCase:     opts.FoldCase,
		onAccept:     opts.OnAccept,
		warnNearMiss: opts.WarnNearMiss,
		seen:         make(map[uint64]struct{}),
		lastSeen:     make(map[uint64]time.Time),
		nearMissLog:  ratelimit.NewCounter(30 * time.Second),
		now:          time.Now,
	}
}

// NewBatchEngine creates an engine with batch-burst semantics: case preserved,
// no throttle, buffered emission.
func NewBatchEngine() *Engine {
	return New(Options{})
}

// NewStreamingEngine creates an engine with low-latency streaming semantics:
// case-folded identity and a per-tag throttle. A zero window selects
// DefaultThrottleWindow; pass a negative value to disable throttling outright.
func NewStreamingEngine(window time.Duration, onAccept func(string)) *Engine {
	if window == 0 {
		window = DefaultThrottleWindow
	} else if window < 0 {
		window = 0
	}
	return New(Options{ThrottleWindow: window, FoldCase: true, OnAccept: onAccept})
}

// Start enables input processing.
func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
}

// Stop disables input processing. State is retained; a stopped engine can be
// restarted without losing its seen-set.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// Clear atomically wipes the seen-set, throttle timestamps, accepted list,
// and all counters. A previously seen tag is accepted as new afterwards.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.seen = make(map[uint64]struct{})
	e.seenOrder = nil
	e.lastSeen = make(map[uint64]time.Time)
	e.accepted = nil
	e.counters = Counters{}
	e.mu.Unlock()
}

// Process runs a burst of raw tags through batch suppression and returns the
// newly accepted ones in input order. Invalid tags are discarded silently but
// still count toward Received.
func (e *Engine) Process(raw []string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	var out []string
	for _, r := range raw {
		e.counters.Received++
		tag := scan.NormalizeTag(r)
		if !scan.ValidTag(tag) {
			continue
		}
		if e.acceptLocked(tag) {
			e.counters.Accepted++
			out = append(out, tag)
		} else {
			e.counters.Skipped++
		}
	}
	return out
}

// Offer runs a single raw tag through streaming suppression and reports
// whether it was accepted. Accepted tags are handed to the OnAccept callback
// before Offer returns.
func (e *Engine) Offer(raw string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	tag := scan.NormalizeTag(raw)
	if !scan.ValidTag(tag) {
		return false
	}
	e.counters.Processed++
	if e.throttle > 0 {
		h := e.identity(tag)
		now := e.now()
		if last, ok := e.lastSeen[h]; ok && now.Sub(last) < e.throttle {
			e.lastSeen[h] = now
			return false
		}
		e.lastSeen[h] = now
		if len(e.lastSeen) > seenHardLimit {
			e.pruneThrottleLocked(now)
		}
	}
	return e.acceptLocked(tag)
}

// Accepted returns a copy of the accepted-tag list, oldest first, capped at
// the retention bound.
func (e *Engine) Accepted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.accepted))
	copy(out, e.accepted)
	return out
}

// Counters returns a snapshot of the engine counters.
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// SeenSize returns the current seen-set cardinality.
func (e *Engine) SeenSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

func (e *Engine) identity(tag string) uint64 {
	if e.foldCase {
		return xxh3.HashString(scan.FoldTag(tag))
	}
	return xxh3.HashString(tag)
}

// acceptLocked performs the seen-set check and bookkeeping for a valid,
// trimmed tag. Caller holds e.mu.
func (e *Engine) acceptLocked(tag string) bool {
	h := e.identity(tag)
	if _, dup := e.seen[h]; dup {
		return false
	}
	e.seen[h] = struct{}{}
	e.seenOrder = append(e.seenOrder, h)
	if len(e.seen) > seenHardLimit {
		e.pruneSeenLocked()
	}

	if e.warnNearMiss {
		e.checkNearMissLocked(tag)
	}
	e.accepted = append(e.accepted, tag)
	if len(e.accepted) > acceptedCap {
		e.accepted = e.accepted[1:]
	}
	if e.onAccept != nil {
		e.onAccept(tag)
	}
	return true
}

// pruneSeenLocked keeps the most-recently-inserted identities and drops the
// rest, making very old tags eligible to be accepted again.
func (e *Engine) pruneSeenLocked() {
	keep := e.seenOrder[len(e.seenOrder)-seenPruneTarget:]
	seen := make(map[uint64]struct{}, seenPruneTarget)
	for _, h := range keep {
		seen[h] = struct{}{}
	}
	e.seen = seen
	e.seenOrder = append([]uint64(nil), keep...)
}

// pruneThrottleLocked drops throttle stamps that are past the window so the
// map stays bounded under sustained chatter.
func (e *Engine) pruneThrottleLocked(now time.Time) {
	for h, at := range e.lastSeen {
		if now.Sub(at) >= e.throttle {
			delete(e.lastSeen, h)
		}
	}
}

// checkNearMissLocked logs when a freshly accepted tag is one edit away from
// a recently accepted one, which in practice means a reader misread. Purely
// diagnostic; never affects the accept decision.
func (e *Engine) checkNearMissLocked(tag string) {
	start := len(e.accepted) - nearMissDepth
	if start < 0 {
		start = 0
	}
	for _, prev := range e.accepted[start:] {
		if prev == tag {
			continue
		}
		if lev.ComputeDistance(prev, tag) == 1 {
			if total, ok := e.nearMissLog.Inc(); ok {
				log.Printf("Dedup: accepted tag %q is one edit from recent %q, possible misread (%d total)", tag, prev, total)
			}
			return
		}
	}
}
