// Package presence records which realtime node holds which connection, so
// other services can tell whether a chat user or admin is online. State lives
// in Redis:
//
//	conn:<connection_id>                  hash describing one connection
//	presence:<kind>:<principal_id>        set of that principal's connection ids
//
// Both keys carry a TTL refreshed by the heartbeat, so a crashed node's
// records age out on their own.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TNortnern/reusable-chat/internal/channel"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// PresencePrefix is the Redis key prefix for per-principal connection sets.
	PresencePrefix = "presence:"

	// DefaultTTL is how long a record survives without a Touch.
	DefaultTTL = 2 * time.Minute
)

// Record is one connection as stored in Redis.
type Record struct {
	ID          string `redis:"id"`
	Kind        string `redis:"kind"`
	PrincipalID string `redis:"principal_id"`
	WorkspaceID string `redis:"workspace_id"`
	Server      string `redis:"server"`
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages presence records in Redis.
type Store struct {
	client     redis.Cmdable
	serverName string
	ttl        time.Duration
}

// NewStore creates a presence store. serverName identifies this node.
func NewStore(client redis.Cmdable, serverName string) *Store {
	return &Store{client: client, serverName: serverName, ttl: DefaultTTL}
}

// WithTTL overrides the record TTL. It should exceed the heartbeat interval.
func (s *Store) WithTTL(ttl time.Duration) *Store {
	s.ttl = ttl
	return s
}

func principalKey(p channel.Principal) string {
	return PresencePrefix + p.Kind.String() + ":" + p.ID
}

// Create records a new connection for p.
func (s *Store) Create(ctx context.Context, connID string, p channel.Principal) error {
	now := time.Now().Unix()
	key := ConnPrefix + connID
	pkey := principalKey(p)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           connID,
		"kind":         p.Kind.String(),
		"principal_id": p.ID,
		"workspace_id": p.WorkspaceID,
		"server":       s.serverName,
		"created_at":   now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, pkey, connID)
	pipe.Expire(ctx, pkey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: create %s: %w", connID, err)
	}
	return nil
}

// Get returns the record for connID, or nil if none exists.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil
	}
	return &rec, nil
}

// Entry names one live connection and its owner.
type Entry struct {
	ConnID    string
	Principal channel.Principal
}

// Touch refreshes last_active and both TTLs for one connection.
func (s *Store) Touch(ctx context.Context, connID string, p channel.Principal) error {
	return s.Refresh(ctx, Entry{ConnID: connID, Principal: p})
}

// Refresh touches many connections in one pipelined round trip.
func (s *Store) Refresh(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().Unix()
	pipe := s.client.Pipeline()
	for _, e := range entries {
		key := ConnPrefix + e.ConnID
		pipe.HSet(ctx, key, "last_active", now)
		pipe.Expire(ctx, key, s.ttl)
		pipe.Expire(ctx, principalKey(e.Principal), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes the connection record and its membership in the principal's
// set.
func (s *Store) Delete(ctx context.Context, connID string, p channel.Principal) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, principalKey(p), connID)
	_, err := pipe.Exec(ctx)
	return err
}

// Connections returns the connection ids currently recorded for p across all
// nodes.
func (s *Store) Connections(ctx context.Context, p channel.Principal) ([]string, error) {
	return s.client.SMembers(ctx, principalKey(p)).Result()
}

// IsOnline reports whether p holds at least one connection on any node.
func (s *Store) IsOnline(ctx context.Context, p channel.Principal) (bool, error) {
	n, err := s.client.SCard(ctx, principalKey(p)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
