package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TNortnern/reusable-chat/internal/channel"
)

// MaxPayloadBytes bounds the data of one published event.
const MaxPayloadBytes = 64 << 10

// eventChannels maps each known event to the channel shape it travels on.
var eventChannels = map[string]channel.Type{
	EventMessageCreated:      channel.TypeConversation,
	EventMessageDeleted:      channel.TypeConversation,
	EventMessagesRead:        channel.TypeConversation,
	EventReactionAdded:       channel.TypeConversation,
	EventReactionRemoved:     channel.TypeConversation,
	EventUserTyping:          channel.TypeConversation,
	EventConversationCreated: channel.TypeUser,
}

// KnownEvent reports whether name is one of the broadcast event kinds.
func KnownEvent(name string) bool {
	_, ok := eventChannels[name]
	return ok
}

// ValidateEvent checks that event may be published on channelName with data
// as its payload.
func ValidateEvent(channelName, event string, data json.RawMessage) error {
	want, ok := eventChannels[event]
	if !ok {
		return fmt.Errorf("unknown event %q", event)
	}
	name, err := channel.Parse(channelName)
	if err != nil {
		return fmt.Errorf("channel %q: %w", channelName, err)
	}
	if name.Type != want {
		return fmt.Errorf("event %q cannot be sent on %s", event, name)
	}
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("payload exceeds %d byte limit", MaxPayloadBytes)
	}
	if trimmed := strings.TrimSpace(string(data)); trimmed != "" && !strings.HasPrefix(trimmed, "{") {
		return fmt.Errorf("payload must be a JSON object")
	}
	return nil
}
