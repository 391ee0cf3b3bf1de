package backend

import (
	"errors"

	"github.com/valyala/fasthttp"

	"verifier/pkg/accounts"
	"verifier/pkg/api/router"
)

type accountStatus struct {
	Live *bool `json:"live"`
}

// SetAccountStatus handles PUT /v1/accounts/{accountId}/status, the bridge's
// heartbeat. A live account must keep calling it within the liveness TTL.
func (h *Handlers) SetAccountStatus(ctx *fasthttp.RequestCtx) {
	id, ok := router.ExtractParamOrFail(ctx, "accountId", "missing account id")
	if !ok {
		return
	}
	var body accountStatus
	if err := router.DecodeJSON(ctx, &body); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if body.Live == nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "live is required")
		return
	}
	if err := h.Accounts.SetLive(id, *body.Live); err != nil {
		if errors.Is(err, accounts.ErrUnknownAccount) {
			router.WriteJSONError(ctx, fasthttp.StatusNotFound, err.Error())
			return
		}
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	_ = router.WriteJSON(ctx, map[string]interface{}{"account_id": id, "live": *body.Live})
}
