package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

const (
	UsersNamespace    = "verifier:users"
	ChannelsNamespace = "verifier:channels"
)

// Principals keeps per-user authority levels and per-channel assignees,
// keyed by "platform:id".
type Principals struct {
	kv               KV
	defaultAuthority int
}

func NewPrincipals(kv KV, defaultAuthority int) *Principals {
	return &Principals{kv: kv, defaultAuthority: defaultAuthority}
}

func principalKey(platform, id string) string {
	return platform + ":" + id
}

// Authority returns the user's authority level, or the configured default
// when the user has never been seen.
func (p *Principals) Authority(ctx context.Context, platform, userID string) (int, error) {
	b, err := p.kv.Get(ctx, UsersNamespace, principalKey(platform, userID))
	if errors.Is(err, ErrNotFound) {
		return p.defaultAuthority, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("decode authority for %s: %w", userID, err)
	}
	return n, nil
}

func (p *Principals) SetAuthority(ctx context.Context, platform, userID string, level int) error {
	if userID == "" {
		return fmt.Errorf("empty user id")
	}
	return p.kv.Set(ctx, UsersNamespace, principalKey(platform, userID), []byte(strconv.Itoa(level)), 0)
}

// Assignee returns the account assigned to a channel, "" when unassigned.
func (p *Principals) Assignee(ctx context.Context, platform, channelID string) (string, error) {
	b, err := p.kv.Get(ctx, ChannelsNamespace, principalKey(platform, channelID))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SetAssignee records accountID as the channel's assignee. An empty
// accountID clears the assignment.
func (p *Principals) SetAssignee(ctx context.Context, platform, channelID, accountID string) error {
	if channelID == "" {
		return fmt.Errorf("empty channel id")
	}
	return p.kv.Set(ctx, ChannelsNamespace, principalKey(platform, channelID), []byte(accountID), 0)
}
