package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RequestType names the kind of membership request that arrived.
type RequestType string

const (
	RequestContact     RequestType = "contact"      // add me as a contact
	RequestGroupInvite RequestType = "group-invite" // let the account into a group
	RequestGroupJoin   RequestType = "group-join"   // let a user into the account's group
)

// RequestTypes lists every supported type in a stable order.
var RequestTypes = []RequestType{RequestContact, RequestGroupInvite, RequestGroupJoin}

func (t RequestType) Valid() bool {
	switch t {
	case RequestContact, RequestGroupInvite, RequestGroupJoin:
		return true
	}
	return false
}

// ParseRequestType accepts the canonical names plus the underscore spelling
// used in YAML keys.
func ParseRequestType(s string) (RequestType, error) {
	t := RequestType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !t.Valid() {
		return "", fmt.Errorf("unsupported request type %q", s)
	}
	return t, nil
}

// Status is the processing state of a deferred request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next. Processed is terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessed || next == StatusPending
	}
	return false
}

// RequestID is the composite identity of a request and its store key.
type RequestID struct {
	Type      RequestType
	MessageID string
}

func (id RequestID) Key() string {
	return string(id.Type) + ":" + id.MessageID
}

func (id RequestID) String() string { return id.Key() }

// ParseRequestKey splits a store key back into its identity. Message ids may
// themselves contain colons.
func ParseRequestKey(key string) (RequestID, error) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return RequestID{}, fmt.Errorf("malformed request key %q", key)
	}
	t, err := ParseRequestType(key[:i])
	if err != nil {
		return RequestID{}, err
	}
	return RequestID{Type: t, MessageID: key[i+1:]}, nil
}

// Snapshot is the durable capture of an arrival event. It holds everything
// needed to rebuild a live handle later and nothing tied to a connection.
type Snapshot struct {
	Type        RequestType     `json:"type"`
	Platform    string          `json:"platform,omitempty"`
	AccountID   string          `json:"account_id"`
	RequesterID string          `json:"requester_id"`
	ChannelID   string          `json:"channel_id,omitempty"`
	GroupID     string          `json:"group_id,omitempty"`
	MessageID   string          `json:"message_id"`
	Comment     string          `json:"comment,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Record is the persisted form of a deferred request.
type Record struct {
	Type      RequestType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Status    Status      `json:"status"`
	Snapshot  Snapshot    `json:"snapshot"`

	// bookkeeping, never consulted for scheduling
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *Record) ID() RequestID {
	return RequestID{Type: r.Type, MessageID: r.Snapshot.MessageID}
}

// Transition moves the record to next, stamping UpdatedAt.
func (r *Record) Transition(next Status, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// Decision is the approve/reject answer sent back for a request.
type Decision struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}
