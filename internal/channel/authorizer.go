package channel

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a ConversationStore for unknown conversations.
var ErrNotFound = errors.New("channel: conversation not found")

// Denial reasons reported to the subscribing connection.
const (
	ReasonNotFound       = "not_found"
	ReasonForbidden      = "forbidden"
	ReasonInvalidChannel = "invalid_channel"
	ReasonLookupFailed   = "lookup_failed"
)

// ParticipantStore answers conversation membership questions for chat users.
type ParticipantStore interface {
	IsParticipant(ctx context.Context, conversationID, chatUserID string) (bool, error)
}

// WorkspaceMembershipStore answers workspace membership questions for admins.
type WorkspaceMembershipStore interface {
	IsMember(ctx context.Context, workspaceID, adminID string) (bool, error)
}

// ConversationStore resolves the workspace owning a conversation. It returns
// ErrNotFound when the conversation does not exist.
type ConversationStore interface {
	WorkspaceOf(ctx context.Context, conversationID string) (string, error)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string // empty when Allowed
}

// Allow is the single positive decision.
var Allow = Decision{Allowed: true}

// Deny builds a negative decision.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Authorizer is the single decision point for "can principal P subscribe to
// channel C". It never caches: every call performs fresh lookups so a removed
// participant loses access on the next subscribe attempt.
type Authorizer struct {
	participants  ParticipantStore
	members       WorkspaceMembershipStore
	conversations ConversationStore
	timeout       time.Duration
}

// NewAuthorizer creates an Authorizer. A positive timeout bounds each
// Authorize call; collaborators that exceed it are treated as failed lookups.
func NewAuthorizer(participants ParticipantStore, members WorkspaceMembershipStore, conversations ConversationStore, timeout time.Duration) *Authorizer {
	return &Authorizer{
		participants:  participants,
		members:       members,
		conversations: conversations,
		timeout:       timeout,
	}
}

// Authorize decides whether p may subscribe to the channel named raw. Lookup
// errors never produce Allow.
func (a *Authorizer) Authorize(ctx context.Context, p Principal, raw string) Decision {
	name, err := Parse(raw)
	if err != nil {
		return Deny(ReasonInvalidChannel)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	switch name.Type {
	case TypeConversation:
		return a.authorizeConversation(ctx, p, name.ID)
	case TypeUser:
		if p.IsChatUser() && p.ID == name.ID {
			return Allow
		}
		return Deny(ReasonForbidden)
	default:
		return Deny(ReasonInvalidChannel)
	}
}

func (a *Authorizer) authorizeConversation(ctx context.Context, p Principal, conversationID string) Decision {
	switch p.Kind {
	case KindChatUser:
		ok, err := a.participants.IsParticipant(ctx, conversationID, p.ID)
		if err != nil {
			return Deny(ReasonLookupFailed)
		}
		if ok {
			return Allow
		}
		// Only the reason depends on whether the conversation exists.
		if _, err := a.conversations.WorkspaceOf(ctx, conversationID); errors.Is(err, ErrNotFound) {
			return Deny(ReasonNotFound)
		}
		return Deny(ReasonForbidden)

	case KindAdmin:
		workspaceID, err := a.conversations.WorkspaceOf(ctx, conversationID)
		if errors.Is(err, ErrNotFound) {
			return Deny(ReasonNotFound)
		}
		if err != nil {
			return Deny(ReasonLookupFailed)
		}
		ok, err := a.members.IsMember(ctx, workspaceID, p.ID)
		if err != nil {
			return Deny(ReasonLookupFailed)
		}
		if !ok {
			return Deny(ReasonForbidden)
		}
		return Allow

	default:
		return Deny(ReasonForbidden)
	}
}
