package accounts

import (
	"verifier/pkg/models"
)

// Account is a bot identity requests arrive through and answers leave from.
type Account struct {
	ID          string
	Platform    string
	SelfID      string
	CallbackURL string
	SendRPS     float64
	SendBurst   int
}

// Handle is a live, addressable view of a request. It only exists while its
// account is reachable and is never persisted; the Snapshot is.
type Handle struct {
	Account  Account
	snapshot models.Snapshot
}

func (h *Handle) Snapshot() models.Snapshot { return h.snapshot }
func (h *Handle) AccountID() string         { return h.Account.ID }
func (h *Handle) MessageID() string         { return h.snapshot.MessageID }
func (h *Handle) Type() models.RequestType  { return h.snapshot.Type }
func (h *Handle) RequesterID() string       { return h.snapshot.RequesterID }

func (h *Handle) Platform() string {
	if h.snapshot.Platform != "" {
		return h.snapshot.Platform
	}
	return h.Account.Platform
}

func (h *Handle) ChannelID() string {
	if h.snapshot.ChannelID != "" {
		return h.snapshot.ChannelID
	}
	return h.snapshot.GroupID
}

func (h *Handle) SelfID() string {
	if h.Account.SelfID != "" {
		return h.Account.SelfID
	}
	return h.Account.ID
}

// NewHandle wraps snap for account without any liveness check. Bridges use
// it for requests that are being answered on arrival.
func NewHandle(a Account, snap models.Snapshot) *Handle {
	return &Handle{Account: a, snapshot: snap}
}
