package verifier

import (
	"context"
	"fmt"
	"time"

	"verifier/pkg/logger"
	"verifier/pkg/metrics"
	"verifier/pkg/models"
)

// Outcome says what happened to an arriving request.
type Outcome string

const (
	OutcomeIgnored  Outcome = "ignored"   // no rule for the type
	OutcomeDeferred Outcome = "deferred"  // queued for a batch run
	OutcomeAnswered Outcome = "answered"  // decision sent on arrival
	OutcomeNoAction Outcome = "no_action" // rule evaluated to nothing
)

// Service routes arriving requests to the immediate or deferred path.
type Service struct {
	rules    Rules
	deferred map[models.RequestType]bool
	maxAge   time.Duration
	store    RequestStore
	dir      Directory
	eval     Evaluator
	now      func() time.Time
}

// ServiceConfig holds the arrival-side settings.
type ServiceConfig struct {
	Rules    Rules
	Deferred []models.RequestType
	// MaxAge is how long a deferred request survives in the store.
	MaxAge time.Duration
	Now    func() time.Time
}

func NewService(cfg ServiceConfig, st RequestStore, dir Directory, eval Evaluator) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	deferred := make(map[models.RequestType]bool, len(cfg.Deferred))
	for _, t := range cfg.Deferred {
		deferred[t] = true
	}
	return &Service{
		rules:    cfg.Rules,
		deferred: deferred,
		maxAge:   cfg.MaxAge,
		store:    st,
		dir:      dir,
		eval:     eval,
		now:      now,
	}
}

// Deferred reports whether any request type goes through the queue.
func (s *Service) Deferred() bool { return len(s.deferred) > 0 }

// HandleEvent processes one arrival.
func (s *Service) HandleEvent(ctx context.Context, snap models.Snapshot) (Outcome, error) {
	if !snap.Type.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, snap.Type)
	}
	if _, ok := s.rules[snap.Type]; !ok {
		logger.Debug("request_ignored", "type", snap.Type, "account_id", snap.AccountID, "message_id", snap.MessageID)
		return OutcomeIgnored, nil
	}
	if s.deferred[snap.Type] {
		if err := s.Defer(ctx, snap); err != nil {
			return "", err
		}
		return OutcomeDeferred, nil
	}
	return s.Dispatch(ctx, snap)
}

// Dispatch answers a request at once through its live account. Send
// failures are returned, never retried. A request without a message id
// cannot be answered and yields OutcomeNoAction.
func (s *Service) Dispatch(ctx context.Context, snap models.Snapshot) (Outcome, error) {
	h, err := s.dir.Rehydrate(ctx, snap.AccountID, snap)
	if err != nil {
		return "", err
	}
	if snap.MessageID == "" {
		logger.Warn("request_dispatch_skipped", "type", snap.Type, "account_id", snap.AccountID, "reason", "no_message_id")
		return OutcomeNoAction, nil
	}
	d, sent, err := decide(ctx, s.eval, s.dir, s.rules, snap.Type, h)
	if err != nil {
		logger.Warn("request_dispatch_failed", "type", snap.Type, "account_id", snap.AccountID, "message_id", snap.MessageID, "error", err)
		return "", err
	}
	if !sent {
		return OutcomeNoAction, nil
	}
	metrics.RequestsAnswered.WithLabelValues(string(snap.Type)).Inc()
	logger.Info("request_answered", "type", snap.Type, "account_id", snap.AccountID, "message_id", snap.MessageID, "approve", d.Approve)
	return OutcomeAnswered, nil
}

// Defer writes snap to the store as a pending record. Nothing is sent.
func (s *Service) Defer(ctx context.Context, snap models.Snapshot) error {
	if snap.MessageID == "" {
		return ErrMissingMessageID
	}
	if snap.AccountID == "" {
		return fmt.Errorf("defer %s: empty account id", snap.Type)
	}
	now := s.now()
	rec := &models.Record{
		Type:      snap.Type,
		Timestamp: now,
		Status:    models.StatusPending,
		Snapshot:  snap,
		UpdatedAt: now,
	}
	if s.maxAge > 0 {
		rec.ExpiresAt = now.Add(s.maxAge)
	}
	if err := s.store.Put(ctx, rec); err != nil {
		logger.Error("request_defer_failed", "key", rec.ID().Key(), "error", err)
		return fmt.Errorf("defer %s: %w", rec.ID(), err)
	}
	metrics.RequestsDeferred.WithLabelValues(string(snap.Type)).Inc()
	logger.Info("request_deferred", "key", rec.ID().Key(), "account_id", snap.AccountID, "expires_at", rec.ExpiresAt)
	return nil
}
