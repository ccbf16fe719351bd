// The Pebble-backed store holds a locally synced copy of the asset catalog so
// deployments without a reachable domain service can still resolve tags. It
// implements Resolver and doubles as the compute target behind the cache.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	jsoniter "github.com/json-iterator/go"

	"tagstream/scan"
)

const tagKeyPrefix = "t|"

var errStoreClosed = errors.New("lookup: store is closed")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultCacheSizeBytes  = int64(32 << 20) // 32MB block cache for hot reads
	defaultBloomFilterBits = 10              // Bits per key for bloom filters on SSTables
)

// StoreOptions controls Pebble tuning. Zero fields get safe defaults.
type StoreOptions struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
}

// Store is the Pebble database holding tag records, keyed by scope and
// case-folded tag.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache // owned cache for the DB; unref'd on Close

	mu     sync.Mutex
	closed bool
}

// OpenStore opens (or creates) the catalog database at path.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lookup: database path is empty")
	}
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("lookup: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache: pebble.NewCache(opts.CacheSizeBytes),
	}
	filter := bloom.FilterPolicy(opts.BloomFilterBitsPerKey)
	level := pebble.LevelOptions{
		FilterPolicy: filter,
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("lookup: open: %w", err)
	}
	return &Store{db: db, cache: pebbleOpts.Cache}, nil
}

// Close closes the database and releases the block cache.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Put writes or replaces one record under the given scope. The tag identity
// is case-folded, matching how Resolve looks records up.
func (s *Store) Put(scopeID string, rec *scan.Record) error {
	if rec == nil {
		return errors.New("lookup: nil record")
	}
	tag := scan.FoldTag(rec.Tag)
	if !scan.ValidTag(tag) {
		return fmt.Errorf("lookup: invalid tag %q", rec.Tag)
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lookup: encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return s.db.Set(storeKey(scopeID, tag), value, pebble.Sync)
}

// Delete removes one record. Missing keys are not an error.
func (s *Store) Delete(scopeID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return s.db.Delete(storeKey(scopeID, scan.FoldTag(tag)), pebble.Sync)
}

// Resolve implements Resolver against the local catalog.
func (s *Store) Resolve(_ context.Context, tag, scopeID string) (*scan.Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStoreClosed
	}
	db := s.db
	s.mu.Unlock()

	value, closer, err := db.Get(storeKey(scopeID, scan.FoldTag(tag)))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup: read: %w", err)
	}
	defer closer.Close()

	var rec scan.Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("lookup: decode record: %w", err)
	}
	return &rec, nil
}

func storeKey(scopeID, foldedTag string) []byte {
	return []byte(tagKeyPrefix + scopeID + "|" + foldedTag)
}
