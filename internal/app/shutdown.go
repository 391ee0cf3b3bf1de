package app

import (
	"context"

	"verifier/pkg/logger"
)

// Shutdown stops intake first, then the scheduler (waiting for a run in
// flight), then closes the store. ctx bounds the wait for the scheduler.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"
	logger.Info("shutdown: requested")

	if a.srvFast != nil {
		logger.Info("shutdown: stopping FastHTTP server")
		if err := a.srvFast.Shutdown(); err != nil {
			logger.Error("shutdown: fasthttp shutdown error", "error", err)
		}
	}
	if a.gateway != nil {
		a.gateway.Close()
	}

	if a.sched != nil {
		logger.Info("shutdown: stopping scheduler")
		done := make(chan struct{})
		go func() {
			a.sched.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warn("shutdown: scheduler did not stop in time", "error", ctx.Err())
		}
	}

	var closeErr error
	if a.db != nil {
		logger.Info("shutdown: closing store")
		if closeErr = a.db.Close(); closeErr != nil {
			logger.Error("shutdown: store close error", "error", closeErr)
		}
	}

	logger.Info("shutdown: complete")
	if closeErr == nil {
		a.state = "stopped"
	}
	return closeErr
}
