package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind tags which variant a Rule holds.
type Kind int

const (
	KindNone Kind = iota
	KindFixed
	KindThreshold
	KindMessage
	KindCallback
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFixed:
		return "fixed"
	case KindThreshold:
		return "threshold"
	case KindMessage:
		return "message"
	case KindCallback:
		return "callback"
	}
	return "unknown"
}

// CallbackFunc computes a rule at evaluation time. It may return a None,
// Fixed or Message rule; other kinds are rejected.
type CallbackFunc func(ctx context.Context, subject Subject) (Rule, error)

// Rule is the configured answer for one request type. The zero value is a
// no-op rule.
type Rule struct {
	Kind     Kind
	Approve  bool
	Level    int
	Message  string
	Callback CallbackFunc
}

func None() Rule                    { return Rule{Kind: KindNone} }
func Fixed(approve bool) Rule       { return Rule{Kind: KindFixed, Approve: approve} }
func Threshold(level int) Rule      { return Rule{Kind: KindThreshold, Level: level} }
func Message(msg string) Rule       { return Rule{Kind: KindMessage, Message: msg} }
func Callback(fn CallbackFunc) Rule { return Rule{Kind: KindCallback, Callback: fn} }

func (r Rule) String() string {
	switch r.Kind {
	case KindFixed:
		return "fixed(" + strconv.FormatBool(r.Approve) + ")"
	case KindThreshold:
		return "threshold(" + strconv.Itoa(r.Level) + ")"
	case KindMessage:
		return "message(" + strconv.Quote(r.Message) + ")"
	}
	return r.Kind.String()
}

// UnmarshalYAML decodes a scalar: bool -> fixed, integer -> threshold,
// anything else -> message. Nulls never reach here; yaml.v3 leaves the
// field untouched.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: rule must be a scalar (bool, integer or string)", node.Line)
	}
	switch node.ShortTag() {
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*r = Fixed(b)
	case "!!int":
		n, err := strconv.Atoi(strings.TrimSpace(node.Value))
		if err != nil {
			return fmt.Errorf("line %d: invalid threshold %q: %w", node.Line, node.Value, err)
		}
		*r = Threshold(n)
	case "!!null":
		*r = None()
	default:
		*r = Message(node.Value)
	}
	return nil
}

// MarshalYAML renders the rule back to its scalar form. Callbacks cannot be
// represented and marshal as null.
func (r Rule) MarshalYAML() (interface{}, error) {
	switch r.Kind {
	case KindFixed:
		return r.Approve, nil
	case KindThreshold:
		return r.Level, nil
	case KindMessage:
		return r.Message, nil
	}
	return nil, nil
}
