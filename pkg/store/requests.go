package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"verifier/pkg/logger"
	"verifier/pkg/models"
)

// RequestsNamespace holds every deferred request keyed by "type:messageId".
const RequestsNamespace = "verifier:requests"

// Requests persists deferred request records on top of a KV.
type Requests struct {
	kv  KV
	now func() time.Time
}

func NewRequests(kv KV, now func() time.Time) *Requests {
	if now == nil {
		now = time.Now
	}
	return &Requests{kv: kv, now: now}
}

// Put upserts rec under its identity. The entry lives until rec.ExpiresAt;
// a zero ExpiresAt keeps it forever.
func (r *Requests) Put(ctx context.Context, rec *models.Record) error {
	if rec.Snapshot.MessageID == "" {
		return fmt.Errorf("put request: empty message id")
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("put request: unsupported type %q", rec.Type)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("put request %s: invalid status %q", rec.ID(), rec.Status)
	}
	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			return fmt.Errorf("put request %s: %w", rec.ID(), ErrExpired)
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", rec.ID(), err)
	}
	return r.kv.Set(ctx, RequestsNamespace, rec.ID().Key(), b, ttl)
}

func (r *Requests) Get(ctx context.Context, id models.RequestID) (*models.Record, error) {
	b, err := r.kv.Get(ctx, RequestsNamespace, id.Key())
	if err != nil {
		return nil, err
	}
	var rec models.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return &rec, nil
}

// ForEach visits every live record. Entries that fail to decode are logged
// and skipped so one bad value cannot block a batch run.
func (r *Requests) ForEach(ctx context.Context, fn func(rec *models.Record) error) error {
	return r.kv.ForEach(ctx, RequestsNamespace, func(key string, value []byte) error {
		var rec models.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			logger.Warn("request_decode_failed", "key", key, "error", err)
			return nil
		}
		return fn(&rec)
	})
}

// List returns every live record in key order.
func (r *Requests) List(ctx context.Context) ([]*models.Record, error) {
	var out []*models.Record
	err := r.ForEach(ctx, func(rec *models.Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// IsNotFound reports whether err means the entry is absent or expired.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
