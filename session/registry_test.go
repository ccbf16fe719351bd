package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tagstream/cache"
	"tagstream/lookup"
	"tagstream/scan"
)

func staticResolver(records map[string]*scan.Record) lookup.Resolver {
	return lookup.ResolverFunc(func(ctx context.Context, tag, scopeID string) (*scan.Record, error) {
		if rec, ok := records[scan.FoldTag(tag)]; ok {
			return rec, nil
		}
		return nil, lookup.ErrNotFound
	})
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.Resolver == nil {
		cfg.Resolver = staticResolver(nil)
	}
	if cfg.ScanThrottle == 0 {
		cfg.ScanThrottle = -1 // tests drive scans faster than real readers
	}
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestStartSessionGeneratesAndReusesIDs(t *testing.T) {
	r := newTestRegistry(t, Config{})

	s1, err := r.StartSession("conn1", "scanner-a", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s1.ID == "" {
		t.Fatal("expected generated session id")
	}

	// A requested id that is not active is reused (idempotent resume).
	s2, err := r.StartSession("conn1", "scanner-a", "resume-42")
	if err != nil {
		t.Fatalf("start with requested id: %v", err)
	}
	if s2.ID != "resume-42" {
		t.Fatalf("expected requested id reused, got %q", s2.ID)
	}

	// An active requested id yields a fresh one instead.
	s3, err := r.StartSession("conn2", "scanner-b", "resume-42")
	if err != nil {
		t.Fatalf("start with colliding id: %v", err)
	}
	if s3.ID == "resume-42" {
		t.Fatal("expected a fresh id for an already-active requested id")
	}
}

func TestStartSessionRequiresIdentity(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if _, err := r.StartSession("conn1", "", ""); err == nil {
		t.Fatal("expected error when identity is missing")
	}
	if _, err := r.StartSession("", "scanner-a", ""); err == nil {
		t.Fatal("expected error when connection id is missing")
	}
}

func TestScanTagResolvesNewTags(t *testing.T) {
	records := map[string]*scan.Record{
		"AB12": {AssetID: "a1", Tag: "AB12", Name: "Forklift"},
	}
	r := newTestRegistry(t, Config{Resolver: staticResolver(records)})
	s, _ := r.StartSession("conn1", "scanner-a", "")

	res, err := r.ScanTag(context.Background(), s.ID, "ab12")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res == nil || res.Record == nil || res.Record.AssetID != "a1" {
		t.Fatalf("expected resolved record, got %+v", res)
	}

	// Unknown tag: a result is still emitted, with a nil record.
	res, err = r.ScanTag(context.Background(), s.ID, "ZZ99")
	if err != nil {
		t.Fatalf("scan unknown: %v", err)
	}
	if res == nil || res.Record != nil {
		t.Fatalf("expected not-found result, got %+v", res)
	}
}

func TestScanTagDuplicateIsPureNoOp(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, _ := r.StartSession("conn1", "scanner-a", "")

	if res, err := r.ScanTag(context.Background(), s.ID, "AB12"); err != nil || res == nil {
		t.Fatalf("first scan: res=%v err=%v", res, err)
	}
	// Same tag, different case: streaming identity is folded.
	res, err := r.ScanTag(context.Background(), s.ID, "ab12")
	if err != nil {
		t.Fatalf("duplicate scan must not error: %v", err)
	}
	if res != nil {
		t.Fatalf("duplicate scan must emit nothing, got %+v", res)
	}
}

func TestScanTagInvalidIsSilentlyDiscarded(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, _ := r.StartSession("conn1", "scanner-a", "")

	for _, raw := range []string{"", "   ", "X"} {
		res, err := r.ScanTag(context.Background(), s.ID, raw)
		if err != nil {
			t.Fatalf("invalid tag %q must not error: %v", raw, err)
		}
		if res != nil {
			t.Fatalf("invalid tag %q must emit nothing, got %+v", raw, res)
		}
	}
}

func TestScanTagUnknownSession(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if _, err := r.ScanTag(context.Background(), "ghost", "AB12"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEndSessionIsIdempotentAndReturnsAccepted(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s, _ := r.StartSession("conn1", "scanner-a", "")
	r.ScanTag(context.Background(), s.ID, "AB12")
	r.ScanTag(context.Background(), s.ID, "CD34")

	ended, ok := r.EndSession(s.ID)
	if !ok {
		t.Fatal("expected first end to succeed")
	}
	if len(ended.Accepted) != 2 || ended.Identity != "scanner-a" {
		t.Fatalf("unexpected ended state %+v", ended)
	}
	if _, ok := r.EndSession(s.ID); ok {
		t.Fatal("expected duplicate end to be a no-op")
	}
	if _, err := r.ScanTag(context.Background(), s.ID, "EF56"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected fail-fast after end, got %v", err)
	}
}

func TestDropConnectionCascades(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s1, _ := r.StartSession("conn1", "scanner-a", "")
	s2, _ := r.StartSession("conn1", "scanner-a", "")
	s3, _ := r.StartSession("conn2", "scanner-b", "")
	r.ScanTag(context.Background(), s1.ID, "AB12")

	ended := r.DropConnection("conn1")
	if len(ended) != 2 {
		t.Fatalf("expected 2 cascaded sessions, got %d", len(ended))
	}
	if _, err := r.ScanTag(context.Background(), s1.ID, "X1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cascaded session gone, got %v", err)
	}
	if _, err := r.ScanTag(context.Background(), s2.ID, "X1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cascaded session gone, got %v", err)
	}
	if _, ok := r.Get(s3.ID); !ok {
		t.Fatal("expected other connection's session to survive")
	}
}

func TestLookupTimeoutDowngradesToNotFound(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	hang := lookup.ResolverFunc(func(ctx context.Context, tag, scopeID string) (*scan.Record, error) {
		<-block
		return nil, nil
	})
	r := newTestRegistry(t, Config{Resolver: hang, LookupTimeout: 20 * time.Millisecond})
	s, _ := r.StartSession("conn1", "scanner-a", "")

	res, err := r.ScanTag(context.Background(), s.ID, "AB12")
	if err != nil {
		t.Fatalf("timeout must not surface as error: %v", err)
	}
	if res == nil || res.Record != nil {
		t.Fatalf("expected not-found result on timeout, got %+v", res)
	}
}

func TestInFlightLookupResultDroppedAfterEnd(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	slow := lookup.ResolverFunc(func(ctx context.Context, tag, scopeID string) (*scan.Record, error) {
		<-release
		return &scan.Record{AssetID: "late"}, nil
	})
	r := newTestRegistry(t, Config{Resolver: slow, LookupTimeout: time.Second})
	s, _ := r.StartSession("conn1", "scanner-a", "")

	done := make(chan *ScanResult, 1)
	go func() {
		res, _ := r.ScanTag(context.Background(), s.ID, "AB12")
		done <- res
	}()

	time.Sleep(20 * time.Millisecond) // let the scan reach the lookup
	r.EndSession(s.ID)
	once.Do(func() { close(release) })

	if res := <-done; res != nil {
		t.Fatalf("expected in-flight result dropped after session end, got %+v", res)
	}
}

func TestScanTagUsesCacheWhenConfigured(t *testing.T) {
	calls := 0
	counted := lookup.ResolverFunc(func(ctx context.Context, tag, scopeID string) (*scan.Record, error) {
		calls++
		return &scan.Record{AssetID: "a1", Tag: tag}, nil
	})
	pools := cache.New(cache.PoolOptions{Name: "lookups", MaxEntries: 100, DefaultTTL: time.Minute})
	r := newTestRegistry(t, Config{Resolver: counted, Cache: pools, CachePool: "lookups"})

	s1, _ := r.StartSession("conn1", "scanner-a", "")
	r.ScanTag(context.Background(), s1.ID, "AB12")
	r.EndSession(s1.ID)

	// A second session for the same identity hits the cache.
	s2, _ := r.StartSession("conn1", "scanner-a", "")
	res, err := r.ScanTag(context.Background(), s2.ID, "AB12")
	if err != nil || res == nil || res.Record == nil {
		t.Fatalf("cached scan failed: res=%v err=%v", res, err)
	}
	if calls != 1 {
		t.Fatalf("expected one resolver call across sessions, got %d", calls)
	}
}

func TestNegativeLookupNotCached(t *testing.T) {
	calls := 0
	negative := lookup.ResolverFunc(func(ctx context.Context, tag, scopeID string) (*scan.Record, error) {
		calls++
		return nil, lookup.ErrNotFound
	})
	pools := cache.New(cache.PoolOptions{Name: "lookups", MaxEntries: 100, DefaultTTL: time.Minute})
	r := newTestRegistry(t, Config{Resolver: negative, Cache: pools, CachePool: "lookups"})
	s, _ := r.StartSession("conn1", "scanner-a", "")

	r.ScanTag(context.Background(), s.ID, "AB12")
	// Different session, same identity and tag: negative lookups always refresh.
	s2, _ := r.StartSession("conn1", "scanner-a", "")
	r.ScanTag(context.Background(), s2.ID, "AB12")

	if calls != 2 {
		t.Fatalf("expected negative lookups to bypass the cache, got %d calls", calls)
	}
}

func TestParallelScansOnDifferentSessions(t *testing.T) {
	r := newTestRegistry(t, Config{Resolver: staticResolver(nil)})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		s, _ := r.StartSession("conn1", "scanner-a", "")
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.ScanTag(context.Background(), id, "tag-"+id)
			}
		}(s.ID)
	}
	wg.Wait()
	if r.Len() != 8 {
		t.Fatalf("expected 8 live sessions, got %d", r.Len())
	}
}
