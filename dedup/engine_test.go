package dedup

import (
	"fmt"
	"testing"
	"time"
)

func TestBatchSuppressesExactRepeat(t *testing.T) {
	e := NewBatchEngine()
	e.Start()

	first := e.Process([]string{"AB12", "CD34"})
	if len(first) != 2 {
		t.Fatalf("expected both tags accepted, got %v", first)
	}
	second := e.Process([]string{"AB12"})
	if len(second) != 0 {
		t.Fatalf("expected repeat to be suppressed, got %v", second)
	}

	c := e.Counters()
	if c.Received != 3 || c.Accepted != 2 || c.Skipped != 1 {
		t.Fatalf("unexpected counters: %+v", c)
	}
	acc := e.Accepted()
	if len(acc) != 2 {
		t.Fatalf("expected accepted list of 2, got %v", acc)
	}
}

func TestBatchIdentityIsCaseSensitive(t *testing.T) {
	e := NewBatchEngine()
	e.Start()

	out := e.Process([]string{"ab12", "AB12"})
	if len(out) != 2 {
		t.Fatalf("batch identity must preserve case as received, got %v", out)
	}
}

func TestBatchDiscardsInvalidTagsSilently(t *testing.T) {
	e := NewBatchEngine()
	e.Start()

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'A'
	}
	out := e.Process([]string{"", "  ", "X", string(long), "  OK99  "})
	if len(out) != 1 || out[0] != "OK99" {
		t.Fatalf("expected only the trimmed valid tag, got %v", out)
	}

	c := e.Counters()
	if c.Received != 5 {
		t.Fatalf("received counts pre-filter input, got %d", c.Received)
	}
	if c.Skipped != 0 {
		t.Fatalf("invalid tags are discarded, not counted as duplicates: %+v", c)
	}
}

func TestStreamingThrottleWindow(t *testing.T) {
	var emitted []string
	e := NewStreamingEngine(100*time.Millisecond, func(tag string) { emitted = append(emitted, tag) })
	now := time.Unix(1_700_000_000, 0).UTC()
	e.now = func() time.Time { return now }
	e.Start()

	if !e.Offer("tag-77") {
		t.Fatal("expected first offer accepted")
	}
	now = now.Add(50 * time.Millisecond)
	if e.Offer("tag-77") {
		t.Fatal("expected second offer within throttle window dropped")
	}

	// After the window, identity is case-folded: a different casing of an
	// already-seen tag is still a duplicate.
	now = now.Add(200 * time.Millisecond)
	if e.Offer("TAG-77") {
		t.Fatal("expected case-folded repeat suppressed by seen-set")
	}

	if len(emitted) != 1 || emitted[0] != "tag-77" {
		t.Fatalf("expected exactly one emission, got %v", emitted)
	}
	c := e.Counters()
	if c.Processed != 3 {
		t.Fatalf("expected processed=3, got %+v", c)
	}
	if c.Accepted != 0 || c.Skipped != 0 {
		t.Fatalf("streaming mode keeps no accept/skip split: %+v", c)
	}
}

func TestStreamingThrottleRefreshesOnChatter(t *testing.T) {
	e := NewStreamingEngine(100*time.Millisecond, nil)
	now := time.Unix(1_700_000_000, 0).UTC()
	e.now = func() time.Time { return now }
	e.Start()

	e.Offer("z9")
	// Continuous chatter keeps refreshing the stamp; every repeat drops.
	for i := 0; i < 5; i++ {
		now = now.Add(60 * time.Millisecond)
		if e.Offer("z9") {
			t.Fatalf("offer %d should have been dropped", i)
		}
	}
}

func TestClearResetsEverything(t *testing.T) {
	e := NewStreamingEngine(100*time.Millisecond, nil)
	now := time.Unix(1_700_000_000, 0).UTC()
	e.now = func() time.Time { return now }
	e.Start()

	e.Offer("tag-1")
	e.Clear()

	if c := e.Counters(); c != (Counters{}) {
		t.Fatalf("expected counters wiped, got %+v", c)
	}
	if len(e.Accepted()) != 0 {
		t.Fatal("expected accepted list wiped")
	}
	// Both the seen-set and the throttle stamp must be gone: an immediate
	// re-offer is accepted as new.
	if !e.Offer("tag-1") {
		t.Fatal("expected previously seen tag accepted after clear")
	}
}

func TestStoppedEngineIgnoresInput(t *testing.T) {
	e := NewBatchEngine()

	if out := e.Process([]string{"AB12"}); out != nil {
		t.Fatalf("expected no output before Start, got %v", out)
	}
	e.Start()
	e.Stop()
	if out := e.Process([]string{"AB12"}); out != nil {
		t.Fatalf("expected no output after Stop, got %v", out)
	}
	if c := e.Counters(); c.Received != 0 {
		t.Fatalf("stopped engine must not count input: %+v", c)
	}

	s := NewStreamingEngine(0, nil)
	if s.Offer("AB12") {
		t.Fatal("expected streaming offer rejected while stopped")
	}
}

func TestSeenSetPruneReadmitsOldTags(t *testing.T) {
	e := NewBatchEngine()
	e.Start()

	tags := make([]string, seenHardLimit+1)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag-%05d", i)
	}
	e.Process(tags)

	if got := e.SeenSize(); got != seenPruneTarget {
		t.Fatalf("expected seen-set pruned to %d, got %d", seenPruneTarget, got)
	}

	// The earliest tag fell out of the pruned set and is accepted again.
	if out := e.Process([]string{"tag-00000"}); len(out) != 1 {
		t.Fatal("expected pruned-away tag to be accepted as new")
	}
	// A recently inserted tag is still seen.
	if out := e.Process([]string{fmt.Sprintf("tag-%05d", seenHardLimit)}); len(out) != 0 {
		t.Fatal("expected recently inserted tag to remain suppressed")
	}
}

func TestAcceptedListCapEvictsOldest(t *testing.T) {
	e := NewBatchEngine()
	e.Start()

	tags := make([]string, acceptedCap+5)
	for i := range tags {
		tags[i] = fmt.Sprintf("t-%05d", i)
	}
	e.Process(tags)

	acc := e.Accepted()
	if len(acc) != acceptedCap {
		t.Fatalf("expected accepted list capped at %d, got %d", acceptedCap, len(acc))
	}
	if acc[0] != "t-00005" {
		t.Fatalf("expected oldest entries evicted first, head is %q", acc[0])
	}
	if acc[len(acc)-1] != fmt.Sprintf("t-%05d", acceptedCap+4) {
		t.Fatalf("unexpected tail %q", acc[len(acc)-1])
	}
}

func TestRestartKeepsSeenSet(t *testing.T) {
	e := NewBatchEngine()
	e.Start()
	e.Process([]string{"AB12"})
	e.Stop()
	e.Start()
	if out := e.Process([]string{"AB12"}); len(out) != 0 {
		t.Fatal("expected seen-set to survive a stop/start cycle")
	}
}
