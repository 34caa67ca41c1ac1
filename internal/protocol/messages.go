// Package protocol defines the realtime wire format between the server and
// widget/dashboard clients. Client frames carry a "type" discriminator; every
// server frame is an event envelope of the form
//
//	{"event": "...", "channel": "...", "data": {...}}
//
// Control events emitted by the server itself use the "realtime:" prefix so
// they can never collide with application event names.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> Client control events.
const (
	EventConnected         = "realtime:connected"
	EventSubscribed        = "realtime:subscription_succeeded"
	EventSubscriptionError = "realtime:subscription_error"
	EventUnsubscribed      = "realtime:unsubscribed"
	EventPong              = "realtime:pong"
	EventError             = "realtime:error"
	EventClosing           = "realtime:closing"

	controlPrefix = "realtime:"
)

// IsControlEvent reports whether name is reserved for server control frames.
func IsControlEvent(name string) bool {
	return len(name) >= len(controlPrefix) && name[:len(controlPrefix)] == controlPrefix
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the single server -> client frame shape. Data is opaque to the
// realtime core and forwarded byte for byte.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent renders an application event envelope. Empty data is sent as
// an empty JSON object so clients can always decode the field.
func EncodeEvent(channel, event string, data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("protocol: event %q data is not valid JSON", event)
	}
	out, err := json.Marshal(Envelope{Event: event, Channel: channel, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// NewServerMessage encodes a control event with a struct payload.
func NewServerMessage(event, channel string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	return EncodeEvent(channel, event, raw)
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg asks to join a private channel.
type SubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// UnsubscribeMsg asks to leave a channel.
type UnsubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// TypingMsg is a client-originated typing indicator on a subscribed
// conversation channel. It is relayed to every other subscriber.
type TypingMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Name    string `json:"name,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client control payloads
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after a successful handshake.
type ConnectedMsg struct {
	ConnectionID    string `json:"connection_id"`
	ActivityTimeout int    `json:"activity_timeout"` // seconds
}

// SubscribedMsg confirms a subscription. The channel travels in the envelope.
type SubscribedMsg struct{}

// SubscriptionErrorMsg rejects a subscription. The connection stays open.
type SubscriptionErrorMsg struct {
	Reason string `json:"reason"`
}

// UnsubscribedMsg confirms an unsubscribe.
type UnsubscribedMsg struct{}

// PongMsg answers a client ping.
type PongMsg struct{}

// ErrorMsg communicates a frame-level error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClosingMsg is sent before the server closes a connection on its own.
type ClosingMsg struct {
	Reason string `json:"reason"`
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if partial.Type == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}

	var (
		msg interface{}
		err error
	)

	switch partial.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(data, &m)
		if err == nil && m.Channel == "" {
			err = fmt.Errorf("missing channel")
		}
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(data, &m)
		if err == nil && m.Channel == "" {
			err = fmt.Errorf("missing channel")
		}
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(data, &m)
		if err == nil && m.Channel == "" {
			err = fmt.Errorf("missing channel")
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return partial.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", partial.Type)
	}

	if err != nil {
		return partial.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", partial.Type, err)
	}
	return partial.Type, msg, nil
}
