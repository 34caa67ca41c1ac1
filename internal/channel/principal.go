// Package channel defines who may listen on which realtime channel. It owns
// the Principal type handed over by upstream authentication, the two private
// channel shapes (conversation.<id> and user.<id>), and the Authorizer that
// decides subscription requests against the persistence collaborators.
package channel

import "fmt"

// Kind distinguishes the two principal variants.
type Kind int

const (
	KindChatUser Kind = iota + 1 // widget end user, scoped to one workspace
	KindAdmin                    // dashboard operator, member of many workspaces
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindChatUser:
		return "chat_user"
	case KindAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseKind maps a wire name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "chat_user":
		return KindChatUser, nil
	case "admin":
		return KindAdmin, nil
	default:
		return 0, fmt.Errorf("channel: unknown principal kind %q", s)
	}
}

// Principal identifies who owns a connection. It is immutable once a
// connection has been authenticated.
type Principal struct {
	Kind        Kind
	ID          string
	WorkspaceID string // set for chat users only
}

// ChatUser builds a chat user principal.
func ChatUser(id, workspaceID string) Principal {
	return Principal{Kind: KindChatUser, ID: id, WorkspaceID: workspaceID}
}

// Admin builds an admin principal.
func Admin(id string) Principal {
	return Principal{Kind: KindAdmin, ID: id}
}

// IsChatUser reports whether p is a chat user.
func (p Principal) IsChatUser() bool { return p.Kind == KindChatUser }

// IsAdmin reports whether p is an admin.
func (p Principal) IsAdmin() bool { return p.Kind == KindAdmin }

// Valid reports whether the principal carries the fields its kind requires.
func (p Principal) Valid() bool {
	switch p.Kind {
	case KindChatUser:
		return p.ID != "" && p.WorkspaceID != ""
	case KindAdmin:
		return p.ID != ""
	default:
		return false
	}
}

func (p Principal) String() string {
	if p.Kind == KindChatUser {
		return fmt.Sprintf("%s:%s@%s", p.Kind, p.ID, p.WorkspaceID)
	}
	return fmt.Sprintf("%s:%s", p.Kind, p.ID)
}
