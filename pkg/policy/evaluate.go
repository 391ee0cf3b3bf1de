package policy

import (
	"context"
	"fmt"

	"verifier/pkg/models"
)

// Subject is the requester side of a request as the evaluator sees it.
type Subject interface {
	Platform() string
	RequesterID() string
	// ChannelID is the group or channel the request concerns, "" for contacts.
	ChannelID() string
	// SelfID is the identity of the account that received the request.
	SelfID() string
}

// Principals resolves threshold data.
type Principals interface {
	Authority(ctx context.Context, platform, userID string) (int, error)
	Assignee(ctx context.Context, platform, channelID string) (string, error)
	SetAssignee(ctx context.Context, platform, channelID, accountID string) error
}

// Evaluator turns a rule into a decision.
type Evaluator struct {
	principals Principals
}

func NewEvaluator(p Principals) *Evaluator {
	return &Evaluator{principals: p}
}

// Evaluate returns the decision for subject under rule. ok is false when the
// rule yields no action. prefer is the approval value attached to message
// rules; isChannel makes threshold rules consult and claim the channel.
func (e *Evaluator) Evaluate(ctx context.Context, subject Subject, rule Rule, prefer, isChannel bool) (models.Decision, bool, error) {
	return e.evaluate(ctx, subject, rule, prefer, isChannel, false)
}

func (e *Evaluator) evaluate(ctx context.Context, subject Subject, rule Rule, prefer, isChannel, nested bool) (models.Decision, bool, error) {
	switch rule.Kind {
	case KindNone:
		return models.Decision{}, false, nil
	case KindFixed:
		return models.Decision{Approve: rule.Approve}, true, nil
	case KindMessage:
		return models.Decision{Approve: prefer, Comment: rule.Message}, true, nil
	case KindThreshold:
		return e.threshold(ctx, subject, rule.Level, isChannel)
	case KindCallback:
		if nested {
			return models.Decision{}, false, fmt.Errorf("callback returned another callback")
		}
		if rule.Callback == nil {
			return models.Decision{}, false, fmt.Errorf("callback rule without function")
		}
		next, err := rule.Callback(ctx, subject)
		if err != nil {
			return models.Decision{}, false, fmt.Errorf("callback: %w", err)
		}
		// Only fixed and message results act; anything else is no action.
		if next.Kind == KindThreshold {
			return models.Decision{}, false, nil
		}
		return e.evaluate(ctx, subject, next, prefer, isChannel, true)
	}
	return models.Decision{}, false, fmt.Errorf("unknown rule kind %d", rule.Kind)
}

func (e *Evaluator) threshold(ctx context.Context, subject Subject, level int, isChannel bool) (models.Decision, bool, error) {
	if e.principals == nil {
		return models.Decision{}, false, fmt.Errorf("threshold rule needs a principal store")
	}
	platform := subject.Platform()
	if isChannel && subject.ChannelID() != "" {
		assignee, err := e.principals.Assignee(ctx, platform, subject.ChannelID())
		if err != nil {
			return models.Decision{}, false, fmt.Errorf("lookup channel %s: %w", subject.ChannelID(), err)
		}
		if assignee != "" {
			return models.Decision{Approve: true}, true, nil
		}
	}

	authority, err := e.principals.Authority(ctx, platform, subject.RequesterID())
	if err != nil {
		return models.Decision{}, false, fmt.Errorf("lookup user %s: %w", subject.RequesterID(), err)
	}
	if authority < level {
		return models.Decision{}, false, nil
	}
	if isChannel && subject.ChannelID() != "" {
		if err := e.principals.SetAssignee(ctx, platform, subject.ChannelID(), subject.SelfID()); err != nil {
			return models.Decision{}, false, fmt.Errorf("claim channel %s: %w", subject.ChannelID(), err)
		}
	}
	return models.Decision{Approve: true}, true, nil
}
