package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"verifier/pkg/models"
)

type subject struct {
	platform, requester, channel, self string
}

func (s subject) Platform() string    { return s.platform }
func (s subject) RequesterID() string { return s.requester }
func (s subject) ChannelID() string   { return s.channel }
func (s subject) SelfID() string      { return s.self }

type memPrincipals struct {
	authority map[string]int
	assignee  map[string]string
}

func newMemPrincipals() *memPrincipals {
	return &memPrincipals{authority: map[string]int{}, assignee: map[string]string{}}
}

func (m *memPrincipals) Authority(_ context.Context, platform, userID string) (int, error) {
	if n, ok := m.authority[platform+":"+userID]; ok {
		return n, nil
	}
	return 1, nil
}

func (m *memPrincipals) Assignee(_ context.Context, platform, channelID string) (string, error) {
	return m.assignee[platform+":"+channelID], nil
}

func (m *memPrincipals) SetAssignee(_ context.Context, platform, channelID, accountID string) error {
	m.assignee[platform+":"+channelID] = accountID
	return nil
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	user := subject{platform: "qq", requester: "u1", self: "bot"}
	group := subject{platform: "qq", requester: "u1", channel: "g1", self: "bot"}

	tests := []struct {
		name      string
		rule      Rule
		subject   subject
		prefer    bool
		isChannel bool
		setup     func(p *memPrincipals)
		want      models.Decision
		wantOK    bool
		claimed   string
	}{
		{name: "none", rule: None(), subject: user},
		{name: "fixed approve", rule: Fixed(true), subject: user, want: models.Decision{Approve: true}, wantOK: true},
		{name: "fixed reject", rule: Fixed(false), subject: user, prefer: true, want: models.Decision{Approve: false}, wantOK: true},
		{name: "message uses prefer", rule: Message("hello"), subject: user, prefer: true, want: models.Decision{Approve: true, Comment: "hello"}, wantOK: true},
		{name: "message rejects when not preferred", rule: Message("no"), subject: group, want: models.Decision{Approve: false, Comment: "no"}, wantOK: true},
		{name: "threshold below", rule: Threshold(3), subject: user},
		{
			name: "threshold met", rule: Threshold(3), subject: user,
			setup:  func(p *memPrincipals) { p.authority["qq:u1"] = 3 },
			want:   models.Decision{Approve: true},
			wantOK: true,
		},
		{
			name: "threshold met claims channel", rule: Threshold(2), subject: group, isChannel: true,
			setup:   func(p *memPrincipals) { p.authority["qq:u1"] = 5 },
			want:    models.Decision{Approve: true},
			wantOK:  true,
			claimed: "bot",
		},
		{
			name: "assigned channel approves regardless of authority", rule: Threshold(9), subject: group, isChannel: true,
			setup:   func(p *memPrincipals) { p.assignee["qq:g1"] = "other-bot" },
			want:    models.Decision{Approve: true},
			wantOK:  true,
			claimed: "other-bot",
		},
		{
			name: "non channel threshold ignores assignee", rule: Threshold(9), subject: group,
			setup: func(p *memPrincipals) { p.assignee["qq:g1"] = "other-bot" },
			claimed: "other-bot",
		},
		{
			name: "callback string", subject: user, prefer: true,
			rule: Callback(func(context.Context, Subject) (Rule, error) { return Message("welcome"), nil }),
			want: models.Decision{Approve: true, Comment: "welcome"}, wantOK: true,
		},
		{
			name: "callback bool", subject: user, prefer: true,
			rule: Callback(func(context.Context, Subject) (Rule, error) { return Fixed(false), nil }),
			want: models.Decision{Approve: false}, wantOK: true,
		},
		{
			name: "callback nothing", subject: user,
			rule: Callback(func(context.Context, Subject) (Rule, error) { return None(), nil }),
		},
		{
			name: "callback threshold is no action", subject: group, isChannel: true,
			rule:  Callback(func(context.Context, Subject) (Rule, error) { return Threshold(1), nil }),
			setup: func(p *memPrincipals) { p.authority["qq:u1"] = 5 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMemPrincipals()
			if tt.setup != nil {
				tt.setup(p)
			}
			got, ok, err := NewEvaluator(p).Evaluate(ctx, tt.subject, tt.rule, tt.prefer, tt.isChannel)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.claimed, p.assignee["qq:g1"])
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	ctx := context.Background()
	s := subject{platform: "qq", requester: "u1"}
	ev := NewEvaluator(newMemPrincipals())

	boom := errors.New("boom")
	_, _, err := ev.Evaluate(ctx, s, Callback(func(context.Context, Subject) (Rule, error) { return Rule{}, boom }), true, false)
	assert.ErrorIs(t, err, boom)

	nested := Callback(func(context.Context, Subject) (Rule, error) {
		return Callback(func(context.Context, Subject) (Rule, error) { return Fixed(true), nil }), nil
	})
	_, _, err = ev.Evaluate(ctx, s, nested, true, false)
	assert.Error(t, err)

	_, _, err = NewEvaluator(nil).Evaluate(ctx, s, Threshold(1), true, false)
	assert.Error(t, err)
}

func TestRuleYAML(t *testing.T) {
	var cfg struct {
		Contact     *Rule `yaml:"contact"`
		GroupInvite *Rule `yaml:"group_invite"`
		GroupJoin   *Rule `yaml:"group_join"`
		Other       *Rule `yaml:"other"`
	}
	src := `
contact: true
group_invite: 3
group_join: "please introduce yourself"
other: ~
`
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	require.NotNil(t, cfg.Contact)
	assert.Equal(t, Fixed(true), *cfg.Contact)
	assert.Equal(t, Threshold(3), *cfg.GroupInvite)
	assert.Equal(t, Message("please introduce yourself"), *cfg.GroupJoin)
	assert.Nil(t, cfg.Other)

	var bad struct {
		Contact Rule `yaml:"contact"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("contact: [1, 2]"), &bad))
}
