package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"verifier/pkg/models"
)

// webhookPayload is the body POSTed to an account's callback URL.
type webhookPayload struct {
	AccountID   string             `json:"account_id"`
	Platform    string             `json:"platform,omitempty"`
	Type        models.RequestType `json:"type"`
	MessageID   string             `json:"message_id"`
	RequesterID string             `json:"requester_id"`
	ChannelID   string             `json:"channel_id,omitempty"`
	Approve     bool               `json:"approve"`
	Comment     string             `json:"comment,omitempty"`
}

// WebhookAdapter answers requests by POSTing JSON to the account's
// callback URL. Any non-2xx reply is a failed delivery.
type WebhookAdapter struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func NewWebhookAdapter(timeout time.Duration) *WebhookAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAdapter{
		client: &fasthttp.Client{
			Name:         "verifier",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}
}

func (w *WebhookAdapter) Deliver(ctx context.Context, h *Handle, d models.Decision) error {
	if h.Account.CallbackURL == "" {
		return fmt.Errorf("account %s has no callback url", h.AccountID())
	}
	body, err := json.Marshal(webhookPayload{
		AccountID:   h.AccountID(),
		Platform:    h.Platform(),
		Type:        h.Type(),
		MessageID:   h.MessageID(),
		RequesterID: h.RequesterID(),
		ChannelID:   h.ChannelID(),
		Approve:     d.Approve,
		Comment:     d.Comment,
	})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.Account.CallbackURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(w.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.client.DoDeadline(req, resp, deadline); err != nil {
		return err
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("callback returned %d", code)
	}
	return nil
}
