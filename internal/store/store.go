// Package store answers the authorizer's membership questions from the chat
// product's PostgreSQL database. It never writes domain rows: the chat API
// owns conversations, participants and workspace members, and the realtime
// server only reads them at subscribe time.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/TNortnern/reusable-chat/internal/channel"
)

// Config holds connection pool settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings sized for short indexed lookups.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// Directory implements channel.ParticipantStore, channel.WorkspaceMembershipStore
// and channel.ConversationStore over one database handle.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a Directory backed by db.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

var (
	_ channel.ParticipantStore         = (*Directory)(nil)
	_ channel.WorkspaceMembershipStore = (*Directory)(nil)
	_ channel.ConversationStore        = (*Directory)(nil)
)

// validUUID filters ids that cannot match a UUID column. Postgres would
// reject them with a cast error, which must not surface as a lookup failure.
func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// IsParticipant reports whether chatUserID is a participant of conversationID.
func (d *Directory) IsParticipant(ctx context.Context, conversationID, chatUserID string) (bool, error) {
	if !validUUID(conversationID) || !validUUID(chatUserID) {
		return false, nil
	}

	const query = `
		SELECT EXISTS (
			SELECT 1 FROM participants
			WHERE conversation_id = $1 AND chat_user_id = $2
		)`

	var ok bool
	if err := d.db.QueryRowContext(ctx, query, conversationID, chatUserID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is participant: %w", err)
	}
	return ok, nil
}

// IsMember reports whether adminID belongs to workspaceID.
func (d *Directory) IsMember(ctx context.Context, workspaceID, adminID string) (bool, error) {
	if !validUUID(workspaceID) || !validUUID(adminID) {
		return false, nil
	}

	const query = `
		SELECT EXISTS (
			SELECT 1 FROM workspace_members
			WHERE workspace_id = $1 AND admin_id = $2
		)`

	var ok bool
	if err := d.db.QueryRowContext(ctx, query, workspaceID, adminID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is member: %w", err)
	}
	return ok, nil
}

// WorkspaceOf returns the workspace owning conversationID, or
// channel.ErrNotFound.
func (d *Directory) WorkspaceOf(ctx context.Context, conversationID string) (string, error) {
	if !validUUID(conversationID) {
		return "", channel.ErrNotFound
	}

	const query = `SELECT workspace_id FROM conversations WHERE id = $1`

	var workspaceID string
	err := d.db.QueryRowContext(ctx, query, conversationID).Scan(&workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", channel.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: workspace of: %w", err)
	}
	return workspaceID, nil
}
