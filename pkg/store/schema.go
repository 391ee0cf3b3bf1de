package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"verifier/pkg/logger"
)

const (
	SystemNamespace  = "verifier:system"
	schemaVersionKey = "schema_version"
	migrationKey     = "migration_in_progress"

	// CurrentSchema is the on-disk layout this build reads and writes.
	CurrentSchema = 1
)

var ErrSchemaTooNew = errors.New("store written by a newer schema")

// migration upgrades the store from version n-1 to n.
type migration func(ctx context.Context, kv KV) error

// migrations is indexed by target version.
var migrations = map[int]migration{}

// EnsureSchema stamps a fresh store with CurrentSchema, or upgrades an older
// one step by step. It reports whether anything was written.
func EnsureSchema(ctx context.Context, kv KV) (bool, error) {
	stored, found, err := storedSchema(ctx, kv)
	if err != nil {
		return false, err
	}
	switch {
	case !found:
		logger.Info("store_schema_initialized", "version", CurrentSchema)
		return true, setSchema(ctx, kv, CurrentSchema)
	case stored == CurrentSchema:
		return false, nil
	case stored > CurrentSchema:
		return false, fmt.Errorf("%w: found %d, this build supports %d", ErrSchemaTooNew, stored, CurrentSchema)
	}

	// an empty marker means the last migration finished
	if b, err := kv.Get(ctx, SystemNamespace, migrationKey); err == nil && len(b) > 0 {
		logger.Warn("store_migration_resumed", "from", stored, "interrupted_at", string(b))
	}
	for v := stored + 1; v <= CurrentSchema; v++ {
		if err := kv.Set(ctx, SystemNamespace, migrationKey, []byte(strconv.Itoa(v)), 0); err != nil {
			return true, err
		}
		logger.Info("store_migration_start", "from", v-1, "to", v)
		if m, ok := migrations[v]; ok {
			if err := m(ctx, kv); err != nil {
				logger.Error("store_migration_failed", "to", v, "error", err)
				return true, fmt.Errorf("migrate schema to %d: %w", v, err)
			}
		}
		if err := setSchema(ctx, kv, v); err != nil {
			return true, err
		}
	}
	if err := kv.Set(ctx, SystemNamespace, migrationKey, nil, 0); err != nil {
		return true, err
	}
	return true, nil
}

func storedSchema(ctx context.Context, kv KV) (int, bool, error) {
	b, err := kv.Get(ctx, SystemNamespace, schemaVersionKey)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(string(b))
	if err != nil || v < 0 {
		return 0, false, fmt.Errorf("corrupt schema version %q", b)
	}
	return v, true, nil
}

func setSchema(ctx context.Context, kv KV, v int) error {
	if err := kv.Set(ctx, SystemNamespace, schemaVersionKey, []byte(strconv.Itoa(v)), 0); err != nil {
		return fmt.Errorf("persist schema version: %w", err)
	}
	return nil
}
