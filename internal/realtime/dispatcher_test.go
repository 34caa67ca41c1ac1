package realtime

import (
	"testing"

	"github.com/TNortnern/reusable-chat/internal/channel"
)

type staticIndex map[string][]string

func (s staticIndex) ConnectionsFor(ch string) []string { return s[ch] }

type sessionTable map[string]*Session

func (s sessionTable) Session(id string) *Session { return s[id] }

func TestDispatchSuppressesOrigin(t *testing.T) {
	a := NewSession("a", channel.ChatUser("u1", "w1"), 4, nil)
	b := NewSession("b", channel.Admin("admin1"), 4, nil)
	a.Activate()
	b.Activate()

	d := NewDispatcher(
		staticIndex{"conversation.c1": {"a", "b"}},
		sessionTable{"a": a, "b": b},
	)

	ev, err := NewEvent("conversation.c1", "message.created", []byte(`{"id":"m1"}`), "a")
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	res := d.Dispatch(ev)

	if res.Targets != 2 || res.Queued != 1 || res.Suppressed != 1 || res.Stale != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if a.Pending() != 0 {
		t.Error("origin connection should not receive its own event")
	}
	if b.Pending() != 1 {
		t.Errorf("expected 1 event for b, got %d", b.Pending())
	}
}

func TestDispatchSkipsStaleTargets(t *testing.T) {
	live := NewSession("live", channel.Admin("a1"), 4, nil)
	closed := NewSession("closed", channel.Admin("a2"), 4, nil)
	live.Activate()
	closed.Activate()
	closed.Close(ReasonClientClose)

	d := NewDispatcher(
		staticIndex{"user.u1": {"live", "closed", "gone"}},
		sessionTable{"live": live, "closed": closed},
	)

	res := d.Dispatch(testEventOn(t, "user.u1", "conversation.created"))
	if res.Queued != 1 || res.Stale != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchEmptyChannel(t *testing.T) {
	d := NewDispatcher(staticIndex{}, sessionTable{})
	res := d.Dispatch(testEventOn(t, "conversation.none", "message.created"))
	if res != (DispatchResult{}) {
		t.Fatalf("expected zero result, got %+v", res)
	}
}

func TestDispatchSharesFrame(t *testing.T) {
	a := NewSession("a", channel.Admin("a1"), 4, nil)
	b := NewSession("b", channel.Admin("a2"), 4, nil)
	a.Activate()
	b.Activate()

	d := NewDispatcher(staticIndex{"conversation.c1": {"a", "b"}}, sessionTable{"a": a, "b": b})
	ev := testEventOn(t, "conversation.c1", "message.created")
	d.Dispatch(ev)

	ga, gb := a.Drain(nil), b.Drain(nil)
	if len(ga) != 1 || len(gb) != 1 || ga[0] != ev || gb[0] != ev {
		t.Fatal("every target should receive the same event value")
	}
}

func testEventOn(t *testing.T, ch, name string) *Event {
	t.Helper()
	ev, err := NewEvent(ch, name, nil, "")
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}
