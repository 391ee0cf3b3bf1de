package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExpired  = errors.New("entry already expired")
	ErrClosed   = errors.New("store closed")
)

// KV is the namespaced key/value surface the verifier persists through.
// Values under the same (ns, key) are replaced, never duplicated.
type KV interface {
	Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, ns, key string) ([]byte, error)
	ForEach(ctx context.Context, ns string, fn func(key string, value []byte) error) error
}
