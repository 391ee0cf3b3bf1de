package admin

import (
	"context"
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"verifier/pkg/api/router"
	"verifier/pkg/logger"
	"verifier/pkg/verifier"
)

// Runner triggers a batch run outside the cron schedule and reports on
// the schedule.
type Runner interface {
	RunImmediate(ctx context.Context) (verifier.RunResult, error)
	LastRun() (verifier.RunResult, bool)
	NextRun() time.Time
	Skipped() int
}

type jobStatus struct {
	LastRun *verifier.RunResult `json:"last_run"`
	NextRun *time.Time          `json:"next_run,omitempty"`
	Skipped int                 `json:"skipped_firings"`
}

// JobStatus handles GET /admin/jobs/process: the last run result and the
// next planned firing.
func (h *Handlers) JobStatus(ctx *fasthttp.RequestCtx) {
	if h.Runner == nil {
		router.WriteJSONError(ctx, fasthttp.StatusConflict, "deferred processing is disabled")
		return
	}
	var st jobStatus
	if last, ok := h.Runner.LastRun(); ok {
		st.LastRun = &last
	}
	if next := h.Runner.NextRun(); !next.IsZero() {
		st.NextRun = &next
	}
	st.Skipped = h.Runner.Skipped()
	_ = router.WriteJSON(ctx, st)
}

// RunBatch handles POST /admin/jobs/process. The run is bound to the request
// context; a run already in flight yields 409.
func (h *Handlers) RunBatch(ctx *fasthttp.RequestCtx) {
	if h.Runner == nil {
		router.WriteJSONError(ctx, fasthttp.StatusConflict, "deferred processing is disabled")
		return
	}
	logger.Info("admin_batch_run_requested", "remote", ctx.RemoteAddr().String())
	res, err := h.Runner.RunImmediate(ctx)
	if err != nil {
		if errors.Is(err, verifier.ErrRunInProgress) {
			router.WriteJSONError(ctx, fasthttp.StatusConflict, err.Error())
			return
		}
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		_ = router.WriteJSON(ctx, map[string]interface{}{"error": err.Error(), "result": res})
		return
	}
	_ = router.WriteJSON(ctx, res)
}
