// Package ban provides workspace-scoped chat user bans backed by Redis. The
// realtime server consults it at handshake and evicts live connections when a
// ban is issued. Records are plain key-value pairs with TTL-based expiry:
//
//	Key:   ban:<workspace_id>:<chat_user_id>
//	Value: <reason>
//	TTL:   ban duration (none for permanent bans)
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BanPrefix is the Redis key prefix for ban records.
const BanPrefix = "ban:"

// ErrInvalidTarget is returned when a workspace or chat user id is empty.
var ErrInvalidTarget = errors.New("ban: workspace and chat user ids are required")

// Status describes an active ban.
type Status struct {
	Banned    bool
	Remaining time.Duration // zero for permanent bans
	Reason    string
}

// Store manages ban records in Redis.
type Store struct {
	client redis.Cmdable
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client redis.Cmdable) *Store {
	return &Store{client: client}
}

func key(workspaceID, chatUserID string) (string, error) {
	if workspaceID == "" || chatUserID == "" {
		return "", ErrInvalidTarget
	}
	return BanPrefix + workspaceID + ":" + chatUserID, nil
}

// Check reports whether the chat user is banned in the workspace. Redis errors
// are returned so callers can decide how to handle them; the realtime server
// fails open.
func (s *Store) Check(ctx context.Context, workspaceID, chatUserID string) (Status, error) {
	k, err := key(workspaceID, chatUserID)
	if err != nil {
		return Status{}, err
	}

	reason, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	st := Status{Banned: true, Reason: reason}
	// The ban exists even if the TTL read fails.
	if ttl, err := s.client.TTL(ctx, k).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// IsBanned is Check reduced to a boolean.
func (s *Store) IsBanned(ctx context.Context, workspaceID, chatUserID string) (bool, error) {
	st, err := s.Check(ctx, workspaceID, chatUserID)
	return st.Banned, err
}

// Ban bans the chat user from the workspace for duration. A zero duration bans
// permanently.
func (s *Store) Ban(ctx context.Context, workspaceID, chatUserID string, duration time.Duration, reason string) error {
	k, err := key(workspaceID, chatUserID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "banned"
	}
	if err := s.client.Set(ctx, k, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set %s: %w", k, err)
	}
	return nil
}

// Unban removes a ban immediately.
func (s *Store) Unban(ctx context.Context, workspaceID, chatUserID string) error {
	k, err := key(workspaceID, chatUserID)
	if err != nil {
		return err
	}
	return s.client.Del(ctx, k).Err()
}
