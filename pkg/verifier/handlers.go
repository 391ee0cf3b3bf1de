package verifier

import (
	"context"
	"errors"

	"verifier/pkg/accounts"
	"verifier/pkg/models"
	"verifier/pkg/policy"
)

var (
	ErrNoRule           = errors.New("no rule configured for request type")
	ErrMissingMessageID = errors.New("request has no message id")
	ErrUnsupportedType  = errors.New("unsupported request type")
	ErrRunInProgress    = errors.New("batch run already in progress")
)

// handler carries the fixed per-type evaluation flags.
type handler struct {
	// prefer is the approval value attached to message rules.
	prefer bool
	// isChannel makes threshold rules consult and claim the channel.
	isChannel bool
}

var handlers = map[models.RequestType]handler{
	models.RequestContact:     {prefer: true, isChannel: false},
	models.RequestGroupInvite: {prefer: false, isChannel: true},
	models.RequestGroupJoin:   {prefer: false, isChannel: false},
}

// Rules maps each configured request type to its rule. Types absent from
// the map are not handled at all.
type Rules map[models.RequestType]policy.Rule

// Directory is the account directory the verifier answers through.
type Directory interface {
	LiveAccounts(ctx context.Context) ([]string, error)
	Rehydrate(ctx context.Context, accountID string, snap models.Snapshot) (*accounts.Handle, error)
	Send(ctx context.Context, h *accounts.Handle, d models.Decision) error
}

// Evaluator turns a rule into a decision.
type Evaluator interface {
	Evaluate(ctx context.Context, subject policy.Subject, rule policy.Rule, prefer, isChannel bool) (models.Decision, bool, error)
}

// RequestStore is where deferred requests live between arrival and a run.
type RequestStore interface {
	Put(ctx context.Context, rec *models.Record) error
	ForEach(ctx context.Context, fn func(rec *models.Record) error) error
}

// decide evaluates the configured rule for h and sends the decision, if
// any. sent reports whether a decision went out.
func decide(ctx context.Context, eval Evaluator, dir Directory, rules Rules, typ models.RequestType, h *accounts.Handle) (d models.Decision, sent bool, err error) {
	hd, ok := handlers[typ]
	if !ok {
		return d, false, ErrUnsupportedType
	}
	rule, ok := rules[typ]
	if !ok {
		return d, false, ErrNoRule
	}
	d, ok, err = eval.Evaluate(ctx, h, rule, hd.prefer, hd.isChannel)
	if err != nil || !ok {
		return d, false, err
	}
	if err := dir.Send(ctx, h, d); err != nil {
		return d, false, err
	}
	return d, true, nil
}
