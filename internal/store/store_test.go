package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/TNortnern/reusable-chat/internal/channel"
)

const (
	convID  = "7f9c2a3e-1b4d-4c5e-8f6a-9b0c1d2e3f40"
	userID  = "0a1b2c3d-4e5f-4a6b-8c7d-8e9f0a1b2c3d"
	wsID    = "11111111-2222-4333-8444-555555555555"
	adminID = "99999999-8888-4777-8666-555555555555"
)

func newMockDirectory(t *testing.T) (*Directory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDirectory(db), mock
}

func TestIsParticipant(t *testing.T) {
	d, mock := newMockDirectory(t)

	mock.ExpectQuery("SELECT EXISTS .* FROM participants").
		WithArgs(convID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := d.IsParticipant(context.Background(), convID, userID)
	if err != nil {
		t.Fatalf("IsParticipant: %v", err)
	}
	if !ok {
		t.Fatal("expected participant")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIsParticipantInvalidIDSkipsQuery(t *testing.T) {
	d, mock := newMockDirectory(t)

	ok, err := d.IsParticipant(context.Background(), "not-a-uuid", userID)
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIsParticipantQueryError(t *testing.T) {
	d, mock := newMockDirectory(t)

	mock.ExpectQuery("FROM participants").
		WithArgs(convID, userID).
		WillReturnError(sql.ErrConnDone)

	if _, err := d.IsParticipant(context.Background(), convID, userID); !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected wrapped ErrConnDone, got %v", err)
	}
}

func TestIsMember(t *testing.T) {
	d, mock := newMockDirectory(t)

	mock.ExpectQuery("SELECT EXISTS .* FROM workspace_members").
		WithArgs(wsID, adminID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := d.IsMember(context.Background(), wsID, adminID)
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if ok {
		t.Fatal("expected non-member")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWorkspaceOf(t *testing.T) {
	d, mock := newMockDirectory(t)

	mock.ExpectQuery("SELECT workspace_id FROM conversations").
		WithArgs(convID).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}).AddRow(wsID))

	ws, err := d.WorkspaceOf(context.Background(), convID)
	if err != nil {
		t.Fatalf("WorkspaceOf: %v", err)
	}
	if ws != wsID {
		t.Fatalf("expected %s, got %s", wsID, ws)
	}
}

func TestWorkspaceOfNotFound(t *testing.T) {
	d, mock := newMockDirectory(t)

	mock.ExpectQuery("SELECT workspace_id FROM conversations").
		WithArgs(convID).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}))

	if _, err := d.WorkspaceOf(context.Background(), convID); !errors.Is(err, channel.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := d.WorkspaceOf(context.Background(), "c1"); !errors.Is(err, channel.ErrNotFound) {
		t.Fatalf("invalid id: expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// TestAuthorizerOverDirectory runs the real authorizer against the SQL
// directory to check the query-to-decision mapping end to end.
func TestAuthorizerOverDirectory(t *testing.T) {
	d, mock := newMockDirectory(t)
	authz := channel.NewAuthorizer(d, d, d, 0)

	// Admin in the owning workspace.
	mock.ExpectQuery("SELECT workspace_id FROM conversations").
		WithArgs(convID).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}).AddRow(wsID))
	mock.ExpectQuery("FROM workspace_members").
		WithArgs(wsID, adminID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if dec := authz.Authorize(context.Background(), channel.Admin(adminID), "conversation."+convID); !dec.Allowed {
		t.Fatalf("expected allowed, got %+v", dec)
	}

	// Database failure fails closed.
	mock.ExpectQuery("FROM participants").
		WithArgs(convID, userID).
		WillReturnError(errors.New("connection reset"))

	dec := authz.Authorize(context.Background(), channel.ChatUser(userID, wsID), "conversation."+convID)
	if dec.Allowed || dec.Reason != channel.ReasonLookupFailed {
		t.Fatalf("expected lookup_failed, got %+v", dec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
