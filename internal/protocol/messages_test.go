package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid subscribe message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Subscribe(t *testing.T) {
	input := []byte(`{"type":"subscribe","channel":"private-conversation.abc-123"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubscribe {
		t.Fatalf("expected type %q, got %q", TypeSubscribe, msgType)
	}

	sm, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if sm.Channel != "private-conversation.abc-123" {
		t.Errorf("expected channel %q, got %q", "private-conversation.abc-123", sm.Channel)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a typing message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","channel":"conversation.c1","name":"Ada"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if tm.Channel != "conversation.c1" || tm.Name != "Ada" {
		t.Errorf("unexpected typing message: %+v", tm)
	}
}

// ---------------------------------------------------------------------------
// Test: Missing channel is a decode error
// ---------------------------------------------------------------------------

func TestParseClientMessage_MissingChannel(t *testing.T) {
	for _, input := range []string{
		`{"type":"subscribe"}`,
		`{"type":"unsubscribe","channel":""}`,
		`{"type":"typing"}`,
	} {
		if _, _, err := ParseClientMessage([]byte(input)); err == nil {
			t.Errorf("expected error for %s", input)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed JSON and missing type
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	for _, input := range []string{`not json`, `{}`, `{"type":""}`} {
		msgType, msg, err := ParseClientMessage([]byte(input))
		if err == nil {
			t.Errorf("expected error for %q", input)
		}
		if msgType != "" || msg != nil {
			t.Errorf("expected empty results for %q, got %q %v", input, msgType, msg)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Event envelope carries exactly channel, event and data
// ---------------------------------------------------------------------------

func TestEncodeEvent(t *testing.T) {
	data, err := EncodeEvent("conversation.c1", "message.created", json.RawMessage(`{"id":"m1","content":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal output: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 envelope fields, got %d: %s", len(result), data)
	}
	if string(result["event"]) != `"message.created"` {
		t.Errorf("unexpected event field: %s", result["event"])
	}
	if string(result["channel"]) != `"conversation.c1"` {
		t.Errorf("unexpected channel field: %s", result["channel"])
	}
	if string(result["data"]) != `{"id":"m1","content":"hi"}` {
		t.Errorf("data was not forwarded verbatim: %s", result["data"])
	}
}

func TestEncodeEvent_EmptyDataBecomesObject(t *testing.T) {
	data, err := EncodeEvent("user.u1", "conversation.created", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if string(env.Data) != `{}` {
		t.Errorf("expected empty object data, got %s", env.Data)
	}
}

func TestEncodeEvent_InvalidData(t *testing.T) {
	if _, err := EncodeEvent("user.u1", "x", json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON data")
	}
}

// ---------------------------------------------------------------------------
// Test: Control frames
// ---------------------------------------------------------------------------

func TestNewServerMessage_SubscriptionError(t *testing.T) {
	data, err := NewServerMessage(EventSubscriptionError, "conversation.c9", SubscriptionErrorMsg{Reason: "forbidden"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if env.Event != EventSubscriptionError || env.Channel != "conversation.c9" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	var payload SubscriptionErrorMsg
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if payload.Reason != "forbidden" {
		t.Errorf("expected reason forbidden, got %q", payload.Reason)
	}
}

func TestNewServerMessage_ConnectedOmitsChannel(t *testing.T) {
	data, err := NewServerMessage(EventConnected, "", ConnectedMsg{ConnectionID: "abc", ActivityTimeout: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if _, ok := result["channel"]; ok {
		t.Error("expected channel to be omitted for connection-level events")
	}
}

func TestIsControlEvent(t *testing.T) {
	if !IsControlEvent(EventPong) {
		t.Error("pong should be a control event")
	}
	if IsControlEvent("message.created") {
		t.Error("message.created should not be a control event")
	}
	if IsControlEvent("realtime") {
		t.Error("bare prefix without colon should not match")
	}
}
