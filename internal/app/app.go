package app

import (
	"context"
	"fmt"

	"github.com/valyala/fasthttp"

	"verifier/internal/scheduler"
	"verifier/pkg/accounts"
	"verifier/pkg/api/auth"
	"verifier/pkg/config"
	"verifier/pkg/logger"
	"verifier/pkg/metrics"
	"verifier/pkg/policy"
	"verifier/pkg/state"
	"verifier/pkg/store"
	"verifier/pkg/verifier"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	db         *store.PebbleKV
	requests   *store.Requests
	principals *store.Principals
	registry   *accounts.Registry
	service    *verifier.Service
	processor  *verifier.Processor
	sched      *scheduler.Manager
	gateway    *auth.Gateway

	srvFast *fasthttp.Server
	state   string
}

// New opens the store and wires the verifier. It does not start the
// scheduler or the HTTP server; Run does that.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	cfg := eff.Config
	if cfg == nil {
		return nil, fmt.Errorf("effective config is nil")
	}
	if state.PathsVar.Store == "" {
		return nil, fmt.Errorf("state paths not initialized")
	}

	if cfg.Logging.Audit.Enabled {
		if err := logger.AttachAuditFileSink(state.PathsVar.Audit, cfg.Logging.Audit.MaxSize.Int64()); err != nil {
			return nil, fmt.Errorf("attach audit sink: %w", err)
		}
	}

	db, err := store.Open(state.PathsVar.Store, store.Options{DisableWAL: cfg.Server.DisablePebbleWAL})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}
	if _, err := store.EnsureSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate, db: db, state: "initialized"}
	if err := a.wire(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.eff.Config

	reg, err := accounts.NewRegistry(cfg.AccountList(), accounts.Options{
		LivenessTTL: cfg.Accounts.LivenessTTL.Duration(),
		SendTimeout: cfg.Accounts.SendTimeout.Duration(),
		Fallback:    accounts.NewWebhookAdapter(cfg.Accounts.SendTimeout.Duration()),
	})
	if err != nil {
		return fmt.Errorf("build account registry: %w", err)
	}
	for _, acc := range cfg.Accounts.List {
		if acc.Live {
			if err := reg.SetLive(acc.ID, true); err != nil {
				return err
			}
		}
	}
	a.registry = reg
	metrics.RegisterLiveAccounts(func() int {
		ids, _ := reg.LiveAccounts(context.Background())
		return len(ids)
	})

	deferred, err := cfg.DeferredTypes()
	if err != nil {
		return err
	}
	rules := cfg.Rules()

	a.requests = store.NewRequests(a.db, nil)
	a.principals = store.NewPrincipals(a.db, cfg.Verifier.DefaultAuthority)
	eval := policy.NewEvaluator(a.principals)

	a.service = verifier.NewService(verifier.ServiceConfig{
		Rules:    rules,
		Deferred: deferred,
		MaxAge:   cfg.Verifier.MaxAge.Duration(),
	}, a.requests, reg, eval)

	if a.service.Deferred() {
		a.processor = verifier.NewProcessor(verifier.ProcessorConfig{
			Rules:     rules,
			BatchSize: cfg.Verifier.BatchSize,
		}, a.requests, reg, eval)
		a.sched, err = scheduler.New(cfg.Verifier.Cron, a.processor, scheduler.Options{
			Sweeper:   a.db,
			Namespace: store.RequestsNamespace,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Info("deferred_processing_disabled", "reason", "no request type listed in verifier.deferred")
	}
	return nil
}

// Run starts the scheduler and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	if a.sched != nil {
		a.sched.Start(ctx)
	}

	errCh := a.startHTTP(ctx)
	a.state = "running"

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
