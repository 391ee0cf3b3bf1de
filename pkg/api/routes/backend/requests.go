package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"

	"verifier/pkg/accounts"
	"verifier/pkg/api/router"
	"verifier/pkg/logger"
	"verifier/pkg/models"
	"verifier/pkg/verifier"
)

// Arrivals accepts request events from the chat bridge.
type Arrivals interface {
	HandleEvent(ctx context.Context, snap models.Snapshot) (verifier.Outcome, error)
}

// Liveness records account heartbeats.
type Liveness interface {
	SetLive(accountID string, live bool) error
}

type Handlers struct {
	Arrivals Arrivals
	Accounts Liveness
}

// SubmitRequest handles POST /v1/requests. Deferred requests answer 202,
// everything else 200 with the outcome.
func (h *Handlers) SubmitRequest(ctx *fasthttp.RequestCtx) {
	var snap models.Snapshot
	if err := router.DecodeJSON(ctx, &snap); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	typ, err := models.ParseRequestType(string(snap.Type))
	if err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	snap.Type = typ
	if strings.TrimSpace(snap.AccountID) == "" {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "account_id is required")
		return
	}

	outcome, err := h.Arrivals.HandleEvent(ctx, snap)
	if err != nil {
		status := statusFor(err)
		if status == fasthttp.StatusInternalServerError {
			logger.Error("submit_request_failed", "type", snap.Type, "account_id", snap.AccountID, "message_id", snap.MessageID, "error", err)
		}
		router.WriteJSONError(ctx, status, err.Error())
		return
	}

	code := fasthttp.StatusOK
	if outcome == verifier.OutcomeDeferred {
		code = fasthttp.StatusAccepted
	}
	_ = router.WriteJSONStatus(ctx, code, map[string]string{
		"outcome": string(outcome),
		"key":     models.RequestID{Type: snap.Type, MessageID: snap.MessageID}.Key(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, verifier.ErrUnsupportedType), errors.Is(err, verifier.ErrMissingMessageID):
		return fasthttp.StatusBadRequest
	case errors.Is(err, accounts.ErrUnknownAccount):
		return fasthttp.StatusNotFound
	case errors.Is(err, accounts.ErrAccountNotLive):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, accounts.ErrNoAdapter):
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}
