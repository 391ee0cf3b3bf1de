package admin

import (
	"bytes"
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"verifier/pkg/api/router"
	"verifier/pkg/api/utils"
	"verifier/pkg/logger"
	"verifier/pkg/models"
	"verifier/pkg/report"
	"verifier/pkg/store"
)

// Requests is the read side of the deferred request store.
type Requests interface {
	Get(ctx context.Context, id models.RequestID) (*models.Record, error)
	ForEach(ctx context.Context, fn func(rec *models.Record) error) error
}

// ListRequests handles GET /admin/requests. ?format=text returns the plain
// report operators read in a terminal.
func (h *Handlers) ListRequests(ctx *fasthttp.RequestCtx) {
	rep, err := report.Build(ctx, h.Requests, h.now())
	if err != nil {
		logger.Error("admin_report_failed", "error", err)
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	if utils.GetQueryLower(ctx, "format") == "text" {
		var buf bytes.Buffer
		if err := rep.WriteText(&buf); err != nil {
			router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
			return
		}
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBody(buf.Bytes())
		return
	}
	_ = router.WriteJSON(ctx, rep)
}

// GetRequest handles GET /admin/requests/{type}/{messageId}.
func (h *Handlers) GetRequest(ctx *fasthttp.RequestCtx) {
	rawType, ok := router.ExtractParamOrFail(ctx, "type", "missing request type")
	if !ok {
		return
	}
	msgID, ok := router.ExtractParamOrFail(ctx, "messageId", "missing message id")
	if !ok {
		return
	}
	typ, err := models.ParseRequestType(rawType)
	if err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	h.writeRecord(ctx, models.RequestID{Type: typ, MessageID: msgID})
}

// GetRequestByKey handles GET /admin/requests/{key}, where key is the
// "type:messageId" form shown in the report.
func (h *Handlers) GetRequestByKey(ctx *fasthttp.RequestCtx) {
	key, ok := router.ExtractParamOrFail(ctx, "key", "missing request key")
	if !ok {
		return
	}
	id, err := models.ParseRequestKey(key)
	if err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	h.writeRecord(ctx, id)
}

func (h *Handlers) writeRecord(ctx *fasthttp.RequestCtx, id models.RequestID) {
	rec, err := h.Requests.Get(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			router.WriteJSONError(ctx, fasthttp.StatusNotFound, "request not found")
			return
		}
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	_ = router.WriteJSON(ctx, rec)
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
