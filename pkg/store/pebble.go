package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"verifier/pkg/logger"
)

// entries are stored as an 8 byte big-endian expiry (unix nanos, 0 = never)
// followed by the raw value.
const headerLen = 8

// Options tunes how the pebble database is opened.
type Options struct {
	// InMemory keeps all data on an in-memory filesystem (tests, dry runs).
	InMemory bool
	// DisableWAL turns off pebble's write-ahead log. Writes become NoSync.
	DisableWAL bool
	// Now overrides the clock used for TTL checks.
	Now func() time.Time
}

// PebbleKV is a namespaced, TTL-capable key/value store on top of pebble.
// Expired entries are invisible to reads and removed lazily.
type PebbleKV struct {
	mu          sync.RWMutex
	db          *pebble.DB
	path        string
	walDisabled bool
	now         func() time.Time
}

var _ KV = (*PebbleKV)(nil)

// Open opens (or creates) a pebble database at path.
func Open(path string, opts Options) (*PebbleKV, error) {
	po := &pebble.Options{DisableWAL: opts.DisableWAL}
	if opts.InMemory {
		po.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger.Info("pebble_opened", "path", path, "in_memory", opts.InMemory, "wal_disabled", opts.DisableWAL)
	return &PebbleKV{db: db, path: path, walDisabled: opts.DisableWAL, now: now}, nil
}

// Close closes the database. Further calls return ErrClosed.
func (s *PebbleKV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		logger.Error("pebble_flush_failed", "path", s.path, "error", err)
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return err
}

// Ready reports whether the database is open.
func (s *PebbleKV) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *PebbleKV) writeOpt() *pebble.WriteOptions {
	if s.walDisabled {
		return pebble.NoSync
	}
	return pebble.Sync
}

func fullKey(ns, key string) []byte {
	return []byte(ns + "\x00" + key)
}

func nsBounds(ns string) (lower, upper []byte) {
	return []byte(ns + "\x00"), []byte(ns + "\x01")
}

func encodeEntry(value []byte, expires time.Time) []byte {
	out := make([]byte, headerLen+len(value))
	if !expires.IsZero() {
		binary.BigEndian.PutUint64(out[:headerLen], uint64(expires.UnixNano()))
	}
	copy(out[headerLen:], value)
	return out
}

func decodeEntry(raw []byte) (value []byte, expires time.Time, err error) {
	if len(raw) < headerLen {
		return nil, time.Time{}, fmt.Errorf("corrupt entry: %d bytes", len(raw))
	}
	if ts := binary.BigEndian.Uint64(raw[:headerLen]); ts != 0 {
		expires = time.Unix(0, int64(ts))
	}
	value = append([]byte(nil), raw[headerLen:]...)
	return value, expires, nil
}

func (s *PebbleKV) expired(expires time.Time) bool {
	return !expires.IsZero() && !s.now().Before(expires)
}

// Set upserts value under (ns, key). A ttl <= 0 means the entry never expires.
func (s *PebbleKV) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	var expires time.Time
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}
	if err := s.db.Set(fullKey(ns, key), encodeEntry(value, expires), s.writeOpt()); err != nil {
		logger.Error("store_set_failed", "ns", ns, "key", key, "error", err)
		return fmt.Errorf("set %s/%s: %w", ns, key, err)
	}
	logger.Debug("store_set_ok", "ns", ns, "key", key, "len", len(value), "ttl", ttl)
	return nil
}

// Get returns the live value under (ns, key) or ErrNotFound.
func (s *PebbleKV) Get(ctx context.Context, ns, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	raw, closer, err := s.db.Get(fullKey(ns, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		logger.Error("store_get_failed", "ns", ns, "key", key, "error", err)
		return nil, fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	value, expires, derr := decodeEntry(raw)
	closer.Close()
	if derr != nil {
		return nil, fmt.Errorf("get %s/%s: %w", ns, key, derr)
	}
	if s.expired(expires) {
		_ = s.db.Delete(fullKey(ns, key), s.writeOpt())
		return nil, ErrNotFound
	}
	return value, nil
}

// ForEach calls fn for every live entry in ns in key order. Iteration stops
// at the first error returned by fn. Expired entries met on the way are
// deleted after the scan.
func (s *PebbleKV) ForEach(ctx context.Context, ns string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	lower, upper := nsBounds(ns)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("iterate %s: %w", ns, err)
	}

	var stale [][]byte
	var fnErr error
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			fnErr = err
			break
		}
		value, expires, derr := decodeEntry(iter.Value())
		if derr != nil {
			logger.Warn("store_corrupt_entry", "ns", ns, "key", string(iter.Key()[len(lower):]), "error", derr)
			continue
		}
		if s.expired(expires) {
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		if err := fn(string(iter.Key()[len(lower):]), value); err != nil {
			fnErr = err
			break
		}
	}
	iterErr := iter.Error()
	if cerr := iter.Close(); iterErr == nil {
		iterErr = cerr
	}

	if len(stale) > 0 {
		if _, err := s.deleteKeys(stale); err != nil {
			logger.Warn("store_evict_failed", "ns", ns, "count", len(stale), "error", err)
		}
	}
	if fnErr != nil {
		return fnErr
	}
	if iterErr != nil {
		return fmt.Errorf("iterate %s: %w", ns, iterErr)
	}
	return nil
}

// Sweep deletes every expired entry in ns and returns how many were removed.
func (s *PebbleKV) Sweep(ctx context.Context, ns string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	lower, upper := nsBounds(ns)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", ns, err)
	}
	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		_, expires, derr := decodeEntry(iter.Value())
		if derr != nil || s.expired(expires) {
			stale = append(stale, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("sweep %s: %w", ns, err)
	}
	n, err := s.deleteKeys(stale)
	if err != nil {
		return n, fmt.Errorf("sweep %s: %w", ns, err)
	}
	if n > 0 {
		logger.Info("store_swept", "ns", ns, "evicted", n)
	}
	return n, nil
}

// caller holds s.mu
func (s *PebbleKV) deleteKeys(keys [][]byte) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(s.writeOpt()); err != nil {
		return 0, err
	}
	return len(keys), nil
}
