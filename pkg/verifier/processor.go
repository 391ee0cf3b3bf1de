package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"verifier/pkg/accounts"
	"verifier/pkg/logger"
	"verifier/pkg/metrics"
	"verifier/pkg/models"
	"verifier/pkg/store"
)

// RunResult summarises one batch run.
type RunResult struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Scanned    int           `json:"scanned"`
	Pending    int           `json:"pending"`
	Skipped    int           `json:"skipped"`
	Selected   int           `json:"selected"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Incomplete bool          `json:"incomplete,omitempty"`
}

type candidate struct {
	rec    *models.Record
	handle *accounts.Handle
}

// Processor drains a bounded, per-account slice of pending requests per run.
// At most one run executes at a time.
type Processor struct {
	run       sync.Mutex
	store     RequestStore
	dir       Directory
	eval      Evaluator
	rules     Rules
	batchSize int
	now       func() time.Time

	mu   sync.Mutex
	last *RunResult
}

// ProcessorConfig holds the run-side settings.
type ProcessorConfig struct {
	Rules Rules
	// BatchSize caps how many requests one account gets per run.
	BatchSize int
	Now       func() time.Time
}

func NewProcessor(cfg ProcessorConfig, st RequestStore, dir Directory, eval Evaluator) *Processor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	bs := cfg.BatchSize
	if bs < 1 {
		bs = 1
	}
	return &Processor{store: st, dir: dir, eval: eval, rules: cfg.Rules, batchSize: bs, now: now}
}

// LastRun returns the result of the most recent completed run, if any.
func (p *Processor) LastRun() (RunResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return RunResult{}, false
	}
	return *p.last, true
}

// Run performs one batch pass. It returns ErrRunInProgress without touching
// the store when another run holds the guard. A non-nil error with a
// result means the run ended early; records keep whatever status they
// reached.
func (p *Processor) Run(ctx context.Context) (RunResult, error) {
	if !p.run.TryLock() {
		return RunResult{}, ErrRunInProgress
	}
	defer p.run.Unlock()

	res := RunResult{RunID: uuid.NewString(), StartedAt: p.now()}
	start := time.Now()
	logger.Info("batch_run_start", "run_id", res.RunID, "batch_size", p.batchSize)

	err := p.runLocked(ctx, &res)
	res.Duration = time.Since(start)
	metrics.BatchRunDuration.Observe(res.Duration.Seconds())
	res.Incomplete = err != nil

	p.mu.Lock()
	last := res
	p.last = &last
	p.mu.Unlock()

	if err != nil {
		metrics.BatchRuns.WithLabelValues("failed").Inc()
		logger.Error("batch_run_failed", "run_id", res.RunID, "selected", res.Selected, "processed", res.Processed, "failed", res.Failed, "error", err)
		return res, err
	}
	metrics.BatchRuns.WithLabelValues("ok").Inc()
	logger.Info("batch_run_complete", "run_id", res.RunID,
		"scanned", res.Scanned, "pending", res.Pending, "skipped", res.Skipped,
		"selected", res.Selected, "processed", res.Processed, "failed", res.Failed,
		"duration", res.Duration)
	return res, nil
}

func (p *Processor) runLocked(ctx context.Context, res *RunResult) error {
	live, err := p.dir.LiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list live accounts: %w", err)
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	groups := make(map[string][]candidate)
	err = p.store.ForEach(ctx, func(rec *models.Record) error {
		res.Scanned++
		if rec.Status != models.StatusPending {
			return nil
		}
		res.Pending++
		accountID := rec.Snapshot.AccountID
		if _, ok := liveSet[accountID]; !ok {
			res.Skipped++
			return nil
		}
		h, err := p.dir.Rehydrate(ctx, accountID, rec.Snapshot)
		if err != nil {
			if errors.Is(err, accounts.ErrAccountNotLive) || errors.Is(err, accounts.ErrUnknownAccount) {
				res.Skipped++
				return nil
			}
			return fmt.Errorf("rehydrate %s: %w", rec.ID(), err)
		}
		rec.Snapshot = h.Snapshot()
		groups[accountID] = append(groups[accountID], candidate{rec: rec, handle: h})
		return nil
	})
	if res.Skipped > 0 {
		metrics.RequestsSkipped.Add(float64(res.Skipped))
	}
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	for _, c := range p.selectBatch(groups) {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Selected++
		ok, err := p.process(ctx, c)
		if err != nil {
			return err
		}
		if ok {
			res.Processed++
		} else {
			res.Failed++
		}
	}
	return nil
}

// selectBatch orders each account's candidates oldest first and keeps at
// most batchSize of them. Accounts are visited in id order.
func (p *Processor) selectBatch(groups map[string][]candidate) []candidate {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []candidate
	for _, id := range ids {
		g := groups[id]
		sort.SliceStable(g, func(i, j int) bool {
			ti, tj := g[i].rec.Timestamp, g[j].rec.Timestamp
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return g[i].rec.ID().Key() < g[j].rec.ID().Key()
		})
		if len(g) > p.batchSize {
			g = g[:p.batchSize]
		}
		out = append(out, g...)
	}
	return out
}

// process runs one candidate through processing. It reports whether the
// record reached processed; a returned error is a store failure that ends
// the run.
func (p *Processor) process(ctx context.Context, c candidate) (bool, error) {
	rec := c.rec
	key := rec.ID().Key()
	if err := rec.Transition(models.StatusProcessing, p.now()); err != nil {
		return false, err
	}
	rec.Attempts++
	if err := p.store.Put(ctx, rec); err != nil {
		if errors.Is(err, store.ErrExpired) {
			logger.Info("request_expired_before_processing", "key", key)
			return false, nil
		}
		return false, fmt.Errorf("mark %s processing: %w", key, err)
	}

	d, sent, evalErr := decide(ctx, p.eval, p.dir, p.rules, rec.Type, c.handle)

	// status writes after this point must land even if ctx was cancelled
	// mid-evaluation, or the record stays in processing.
	wctx := context.WithoutCancel(ctx)
	if evalErr != nil {
		if err := rec.Transition(models.StatusPending, p.now()); err != nil {
			return false, err
		}
		rec.LastError = evalErr.Error()
		if err := p.store.Put(wctx, rec); err != nil && !errors.Is(err, store.ErrExpired) {
			return false, fmt.Errorf("roll back %s: %w", key, err)
		}
		metrics.RequestsFailed.WithLabelValues(string(rec.Type)).Inc()
		logger.Warn("request_process_failed", "key", key, "account_id", rec.Snapshot.AccountID, "attempts", rec.Attempts, "error", evalErr)
		return false, nil
	}

	if err := rec.Transition(models.StatusProcessed, p.now()); err != nil {
		return false, err
	}
	rec.LastError = ""
	if err := p.store.Put(wctx, rec); err != nil && !errors.Is(err, store.ErrExpired) {
		return false, fmt.Errorf("mark %s processed: %w", key, err)
	}
	metrics.RequestsProcessed.WithLabelValues(string(rec.Type)).Inc()
	logger.AuditInfo("request_audit_item",
		"key", key,
		"account_id", rec.Snapshot.AccountID,
		"requester_id", rec.Snapshot.RequesterID,
		"sent", sent,
		"approve", d.Approve,
		"comment", d.Comment,
		"waited", rec.UpdatedAt.Sub(rec.Timestamp).String())
	return true, nil
}
