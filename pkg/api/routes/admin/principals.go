package admin

import (
	"context"
	"strings"

	"github.com/valyala/fasthttp"

	"verifier/pkg/api/router"
	"verifier/pkg/logger"
)

// Principals holds the data threshold rules read: user authority and
// channel assignees.
type Principals interface {
	SetAuthority(ctx context.Context, platform, userID string, level int) error
	SetAssignee(ctx context.Context, platform, channelID, accountID string) error
}

type authorityBody struct {
	Platform  string `json:"platform"`
	Authority *int   `json:"authority"`
}

type assigneeBody struct {
	Platform string `json:"platform"`
	Assignee string `json:"assignee"`
}

// SetUserAuthority handles PUT /admin/users/{userId}.
func (h *Handlers) SetUserAuthority(ctx *fasthttp.RequestCtx) {
	userID, ok := router.ExtractParamOrFail(ctx, "userId", "missing user id")
	if !ok {
		return
	}
	var body authorityBody
	if err := router.DecodeJSON(ctx, &body); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if body.Authority == nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "authority is required")
		return
	}
	platform := strings.TrimSpace(body.Platform)
	if err := h.Principals.SetAuthority(ctx, platform, userID, *body.Authority); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("user_authority_set", "platform", platform, "user_id", userID, "authority", *body.Authority)
	_ = router.WriteJSON(ctx, map[string]interface{}{"platform": platform, "user_id": userID, "authority": *body.Authority})
}

// SetChannelAssignee handles PUT /admin/channels/{channelId}. An empty
// assignee releases the channel.
func (h *Handlers) SetChannelAssignee(ctx *fasthttp.RequestCtx) {
	channelID, ok := router.ExtractParamOrFail(ctx, "channelId", "missing channel id")
	if !ok {
		return
	}
	var body assigneeBody
	if err := router.DecodeJSON(ctx, &body); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	platform := strings.TrimSpace(body.Platform)
	if err := h.Principals.SetAssignee(ctx, platform, channelID, body.Assignee); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("channel_assignee_set", "platform", platform, "channel_id", channelID, "assignee", body.Assignee)
	_ = router.WriteJSON(ctx, map[string]string{"platform": platform, "channel_id": channelID, "assignee": body.Assignee})
}
