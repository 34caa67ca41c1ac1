package chat

import (
	"errors"
	"time"

	"github.com/TNortnern/reusable-chat/internal/channel"
)

// Publisher is the subset of the realtime hub the broadcaster needs.
type Publisher interface {
	PublishJSON(channelName, eventName string, payload interface{}, originConnID string) error
}

// Broadcaster publishes typed chat events. originConnID, where accepted,
// keeps the event from echoing back to the connection that caused it.
type Broadcaster struct {
	pub Publisher
	now func() time.Time
}

// NewBroadcaster creates a Broadcaster over pub.
func NewBroadcaster(pub Publisher) *Broadcaster {
	return &Broadcaster{pub: pub, now: time.Now}
}

func conversation(id string) string { return channel.Conversation(id).String() }

// MessageCreated announces a stored message to the conversation.
func (b *Broadcaster) MessageCreated(conversationID string, msg MessageCreated, originConnID string) error {
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}
	return b.pub.PublishJSON(conversation(conversationID), EventMessageCreated, msg, originConnID)
}

// MessageDeleted announces a removed message.
func (b *Broadcaster) MessageDeleted(conversationID, messageID, deletedBy string) error {
	return b.pub.PublishJSON(conversation(conversationID), EventMessageDeleted,
		MessageDeleted{ID: messageID, DeletedBy: deletedBy}, "")
}

// MessagesRead announces a read receipt.
func (b *Broadcaster) MessagesRead(conversationID, userID string, readAt time.Time, originConnID string) error {
	if readAt.IsZero() {
		readAt = b.now()
	}
	return b.pub.PublishJSON(conversation(conversationID), EventMessagesRead,
		MessagesRead{UserID: userID, ReadAt: readAt}, originConnID)
}

// ReactionAdded announces a new reaction.
func (b *Broadcaster) ReactionAdded(conversationID string, r Reaction, originConnID string) error {
	return b.pub.PublishJSON(conversation(conversationID), EventReactionAdded, r, originConnID)
}

// ReactionRemoved announces a withdrawn reaction.
func (b *Broadcaster) ReactionRemoved(conversationID string, r Reaction, originConnID string) error {
	return b.pub.PublishJSON(conversation(conversationID), EventReactionRemoved, r, originConnID)
}

// Typing tells the other participants that userID is typing. The typist's
// own connection is always excluded.
func (b *Broadcaster) Typing(conversationID string, t Typing, originConnID string) error {
	return b.pub.PublishJSON(conversation(conversationID), EventUserTyping, t, originConnID)
}

// ConversationCreated notifies every recipient on their own user channel.
// Every recipient is attempted; the returned error joins the failures.
func (b *Broadcaster) ConversationCreated(recipientIDs []string, c ConversationCreated) error {
	if c.Participants == nil {
		c.Participants = []Sender{}
	}
	var errs []error
	for _, id := range recipientIDs {
		if err := b.pub.PublishJSON(channel.User(id).String(), EventConversationCreated, c, ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
