package accounts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"verifier/pkg/logger"
	"verifier/pkg/models"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrAccountNotLive = errors.New("account not live")
	ErrNoAdapter      = errors.New("no delivery adapter for platform")
)

// Adapter delivers a decision back through a platform.
type Adapter interface {
	Deliver(ctx context.Context, h *Handle, d models.Decision) error
}

type entry struct {
	account  Account
	live     bool
	lastSeen time.Time
	limiter  *rate.Limiter
}

// Registry is the in-process account directory. Accounts come from
// configuration; liveness is reported by the platform bridge.
type Registry struct {
	mu          sync.RWMutex
	accounts    map[string]*entry
	adapters    map[string]Adapter
	fallback    Adapter
	livenessTTL time.Duration
	sendTimeout time.Duration
	now         func() time.Time
}

// Options configures a Registry.
type Options struct {
	// LivenessTTL marks an account offline when no heartbeat arrived for
	// this long. Zero disables expiry.
	LivenessTTL time.Duration
	// SendTimeout bounds each delivery. Zero means no timeout.
	SendTimeout time.Duration
	// Fallback is used for platforms without a registered adapter.
	Fallback Adapter
	Now      func() time.Time
}

func NewRegistry(accounts []Account, opts Options) (*Registry, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		accounts:    make(map[string]*entry, len(accounts)),
		adapters:    make(map[string]Adapter),
		fallback:    opts.Fallback,
		livenessTTL: opts.LivenessTTL,
		sendTimeout: opts.SendTimeout,
		now:         now,
	}
	for _, a := range accounts {
		if a.ID == "" {
			return nil, fmt.Errorf("account with empty id")
		}
		if _, dup := r.accounts[a.ID]; dup {
			return nil, fmt.Errorf("duplicate account %q", a.ID)
		}
		e := &entry{account: a}
		if a.SendRPS > 0 {
			burst := a.SendBurst
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(a.SendRPS), burst)
		}
		r.accounts[a.ID] = e
	}
	return r, nil
}

// RegisterAdapter routes deliveries for platform through a.
func (r *Registry) RegisterAdapter(platform string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[platform] = a
}

// SetLive records a heartbeat (live=true) or a disconnect (live=false).
func (r *Registry) SetLive(accountID string, live bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if e.live != live {
		logger.Info("account_liveness_changed", "account_id", accountID, "live", live)
	}
	e.live = live
	if live {
		e.lastSeen = r.now()
	}
	return nil
}

// caller holds r.mu
func (r *Registry) isLive(e *entry) bool {
	if !e.live {
		return false
	}
	if r.livenessTTL > 0 && r.now().Sub(e.lastSeen) > r.livenessTTL {
		return false
	}
	return true
}

// LiveAccounts returns the ids of every account currently reachable, sorted.
func (r *Registry) LiveAccounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.accounts))
	for id, e := range r.accounts {
		if r.isLive(e) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Accounts returns every configured account with its liveness.
func (r *Registry) Accounts() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.accounts))
	for id, e := range r.accounts {
		out[id] = r.isLive(e)
	}
	return out
}

// Rehydrate builds a live handle for snap through accountID.
func (r *Registry) Rehydrate(ctx context.Context, accountID string, snap models.Snapshot) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if !r.isLive(e) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotLive, accountID)
	}
	return &Handle{Account: e.account, snapshot: snap}, nil
}

// Send delivers d through h's account, paced by the account's limiter.
func (r *Registry) Send(ctx context.Context, h *Handle, d models.Decision) error {
	r.mu.RLock()
	e, ok := r.accounts[h.AccountID()]
	var live bool
	var adapter Adapter
	if ok {
		live = r.isLive(e)
		adapter = r.adapters[e.account.Platform]
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, h.AccountID())
	}
	if !live {
		return fmt.Errorf("%w: %s", ErrAccountNotLive, h.AccountID())
	}
	if adapter == nil {
		adapter = r.fallback
	}
	if adapter == nil {
		return fmt.Errorf("%w: %s", ErrNoAdapter, e.account.Platform)
	}

	if r.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send pacing for %s: %w", h.AccountID(), err)
		}
	}
	if err := adapter.Deliver(ctx, h, d); err != nil {
		logger.Warn("decision_delivery_failed", "account_id", h.AccountID(), "type", h.Type(), "message_id", h.MessageID(), "error", err)
		return fmt.Errorf("deliver %s via %s: %w", h.MessageID(), h.AccountID(), err)
	}
	logger.Debug("decision_delivered", "account_id", h.AccountID(), "type", h.Type(), "message_id", h.MessageID(), "approve", d.Approve)
	return nil
}
