// Package chat defines the domain events the chat product broadcasts over
// realtime channels, their payload shapes, and helpers that publish them.
package chat

import "time"

// Event names as they appear in the "event" field of a delivered envelope.
const (
	EventMessageCreated      = "message.created"
	EventMessageDeleted      = "message.deleted"
	EventMessagesRead        = "messages.read"
	EventReactionAdded       = "reaction.added"
	EventReactionRemoved     = "reaction.removed"
	EventUserTyping          = "user.typing"
	EventConversationCreated = "conversation.created"
)

// Sender is the author summary embedded in message and conversation payloads.
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

// MessageCreated is broadcast on conversation.<id> after a message is stored.
type MessageCreated struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	Sender      Sender       `json:"sender"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
}

// MessageDeleted is broadcast on conversation.<id> after a message is removed.
type MessageDeleted struct {
	ID        string `json:"id"`
	DeletedBy string `json:"deleted_by"`
}

// MessagesRead is broadcast on conversation.<id> when a participant reads up
// to now.
type MessagesRead struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Reaction is the payload of reaction.added and reaction.removed.
type Reaction struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// Typing is broadcast on conversation.<id> to everyone but the typist.
type Typing struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// ConversationCreated is broadcast on each participant's user.<id> channel.
type ConversationCreated struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         *string  `json:"name"`
	Participants []Sender `json:"participants"`
}
