package channel

import (
	"errors"
	"strings"
)

// Channel name prefixes.
const (
	PrefixConversation = "conversation."
	PrefixUser         = "user."

	// privatePrefix is what Pusher-style clients prepend to private channels.
	privatePrefix = "private-"
)

// ErrInvalidChannel is returned for names that match neither channel shape.
var ErrInvalidChannel = errors.New("channel: invalid channel name")

// Type is the channel variant.
type Type int

const (
	TypeConversation Type = iota + 1
	TypeUser
)

// Name is a parsed channel identifier. Channels are never persisted; they are
// resolved at subscribe time and at publish time.
type Name struct {
	Type Type
	ID   string
}

// Conversation returns the channel for a conversation.
func Conversation(conversationID string) Name {
	return Name{Type: TypeConversation, ID: conversationID}
}

// User returns the private channel of a chat user.
func User(userID string) Name {
	return Name{Type: TypeUser, ID: userID}
}

// String renders the canonical channel name, e.g. "conversation.<id>".
func (n Name) String() string {
	switch n.Type {
	case TypeConversation:
		return PrefixConversation + n.ID
	case TypeUser:
		return PrefixUser + n.ID
	default:
		return ""
	}
}

// Parse validates a channel name and returns its parsed form. A leading
// "private-" is accepted and dropped. The id must be a single non-empty
// segment: no dots, no whitespace.
func Parse(raw string) (Name, error) {
	s := strings.TrimPrefix(raw, privatePrefix)

	var n Name
	switch {
	case strings.HasPrefix(s, PrefixConversation):
		n = Name{Type: TypeConversation, ID: s[len(PrefixConversation):]}
	case strings.HasPrefix(s, PrefixUser):
		n = Name{Type: TypeUser, ID: s[len(PrefixUser):]}
	default:
		return Name{}, ErrInvalidChannel
	}

	if !validID(n.ID) {
		return Name{}, ErrInvalidChannel
	}
	return n, nil
}

// Normalize returns the canonical form of raw, or ErrInvalidChannel.
func Normalize(raw string) (string, error) {
	n, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r == '.' || r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
