package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/TNortnern/reusable-chat/internal/auth"
	"github.com/TNortnern/reusable-chat/internal/channel"
	"github.com/TNortnern/reusable-chat/internal/protocol"
	"github.com/TNortnern/reusable-chat/internal/ratelimit"
	"github.com/TNortnern/reusable-chat/internal/realtime"
	"github.com/TNortnern/reusable-chat/internal/registry"
)

const testSecret = "test-secret"

// directory is an in-memory persistence double: conversation c1 belongs to
// workspace W and has chat users A and B.
type directory struct{}

func (directory) IsParticipant(_ context.Context, conv, user string) (bool, error) {
	return conv == "c1" && (user == "A" || user == "B"), nil
}

func (directory) IsMember(_ context.Context, ws, admin string) (bool, error) {
	return ws == "W" && admin == "admin-in", nil
}

func (directory) WorkspaceOf(_ context.Context, conv string) (string, error) {
	if conv != "c1" {
		return "", channel.ErrNotFound
	}
	return "W", nil
}

type staticBans map[string]bool

func (b staticBans) IsBanned(_ context.Context, ws, user string) (bool, error) {
	return b[ws+"/"+user], nil
}

type denyRule string

func (d denyRule) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != string(d), nil
}

type testEnv struct {
	hub      *realtime.Hub
	server   *Server
	http     *httptest.Server
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	authz := channel.NewAuthorizer(directory{}, directory{}, directory{}, time.Second)
	hub := realtime.NewHub(realtime.HubConfig{QueueCapacity: 16}, registry.New(), authz, nil)
	verifier := auth.NewVerifier(testSecret, time.Minute, "")

	if opts.Heartbeat.Interval == 0 {
		opts.Heartbeat = HeartbeatConfig{Interval: time.Hour, Timeout: 2 * time.Hour}
	}
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second

	server := NewServer(cfg, hub, verifier, opts)
	if err := server.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		ts.Close()
	})
	return &testEnv{hub: hub, server: server, http: ts, verifier: verifier}
}

// client is a minimal WebSocket client speaking the realtime protocol.
type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
	id   string
}

func (e *testEnv) token(t *testing.T, p channel.Principal) string {
	t.Helper()
	tok, err := e.verifier.Issue(p)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *testEnv) dial(t *testing.T, p channel.Principal) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?token=" + e.token(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c := &client{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}

	env := c.next()
	if env.Event != protocol.EventConnected {
		t.Fatalf("expected %s, got %s", protocol.EventConnected, env.Event)
	}
	var hello protocol.ConnectedMsg
	if err := json.Unmarshal(env.Data, &hello); err != nil || hello.ConnectionID == "" {
		t.Fatalf("bad connected payload %s: %v", env.Data, err)
	}
	c.id = hello.ConnectionID
	return c
}

func (c *client) send(v interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) read() (protocol.Envelope, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		return protocol.Envelope{}, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

func (c *client) next() protocol.Envelope {
	c.t.Helper()
	env, err := c.read()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return env
}

func (c *client) subscribe(ch string) protocol.Envelope {
	c.t.Helper()
	c.send(protocol.SubscribeMsg{Type: protocol.TypeSubscribe, Channel: ch})
	return c.next()
}

func TestUpgradeRequiresToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, err := http.Get(env.http.URL + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestUpgradeRejectsBannedUser(t *testing.T) {
	env := newTestEnv(t, Options{Bans: staticBans{"W/A": true}})

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/ws", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, channel.ChatUser("A", "W")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestUpgradeRateLimited(t *testing.T) {
	env := newTestEnv(t, Options{Limiter: denyRule(ratelimit.RuleConnect.Key)})

	resp, err := http.Get(env.http.URL + "/ws?token=" + env.token(t, channel.ChatUser("A", "W")))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestSubscribeAndReceive(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))
	b := env.dial(t, channel.ChatUser("B", "W"))

	for _, c := range []*client{a, b} {
		if got := c.subscribe("private-conversation.c1"); got.Event != protocol.EventSubscribed {
			t.Fatalf("expected subscription_succeeded, got %s %s", got.Event, got.Data)
		}
	}

	if err := env.hub.Publish("conversation.c1", "message.created", json.RawMessage(`{"id":"m1"}`), a.id); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := b.next()
	if got.Event != "message.created" || got.Channel != "conversation.c1" || string(got.Data) != `{"id":"m1"}` {
		t.Fatalf("unexpected event %+v", got)
	}

	// The origin connection must not see its own event; its next frame is
	// the pong.
	a.send(protocol.PingMsg{Type: protocol.TypePing})
	if got := a.next(); got.Event != protocol.EventPong {
		t.Fatalf("expected pong, got %s", got.Event)
	}
}

func TestSubscribeDenied(t *testing.T) {
	env := newTestEnv(t, Options{})
	c := env.dial(t, channel.ChatUser("C", "W"))

	got := c.subscribe("conversation.c1")
	if got.Event != protocol.EventSubscriptionError {
		t.Fatalf("expected subscription_error, got %s", got.Event)
	}
	var msg protocol.SubscriptionErrorMsg
	_ = json.Unmarshal(got.Data, &msg)
	if msg.Reason != channel.ReasonForbidden {
		t.Fatalf("expected forbidden, got %q", msg.Reason)
	}

	// The connection stays usable.
	c.send(protocol.PingMsg{Type: protocol.TypePing})
	if got := c.next(); got.Event != protocol.EventPong {
		t.Fatalf("expected pong after denial, got %s", got.Event)
	}
}

func TestTypingReachesOthersOnly(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))
	b := env.dial(t, channel.ChatUser("B", "W"))
	a.subscribe("conversation.c1")
	b.subscribe("conversation.c1")

	a.send(protocol.TypingMsg{Type: protocol.TypeTyping, Channel: "conversation.c1", Name: "Ann"})

	got := b.next()
	if got.Event != "user.typing" {
		t.Fatalf("expected user.typing, got %s", got.Event)
	}
	var typing struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	_ = json.Unmarshal(got.Data, &typing)
	if typing.UserID != "A" || typing.Name != "Ann" {
		t.Fatalf("unexpected typing payload %s", got.Data)
	}

	a.send(protocol.PingMsg{Type: protocol.TypePing})
	if got := a.next(); got.Event != protocol.EventPong {
		t.Fatalf("typist received %s", got.Event)
	}
}

func TestTypingRequiresSubscription(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))

	a.send(protocol.TypingMsg{Type: protocol.TypeTyping, Channel: "conversation.c1"})
	got := a.next()
	var msg protocol.ErrorMsg
	_ = json.Unmarshal(got.Data, &msg)
	if got.Event != protocol.EventError || msg.Code != CodeNotSubscribed {
		t.Fatalf("expected not_subscribed error, got %s %s", got.Event, got.Data)
	}
}

func TestMalformedFrame(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))

	if err := wsutil.WriteClientText(a.conn, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := a.next()
	var msg protocol.ErrorMsg
	_ = json.Unmarshal(got.Data, &msg)
	if got.Event != protocol.EventError || msg.Code != CodeParseError {
		t.Fatalf("expected parse_error, got %s %s", got.Event, got.Data)
	}
}

func TestEvictionClosesConnection(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))

	if n := env.hub.EvictChatUser("W", "A", realtime.ReasonBanned); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	got := a.next()
	if got.Event != protocol.EventClosing {
		t.Fatalf("expected closing frame, got %s", got.Event)
	}
	var msg protocol.ClosingMsg
	_ = json.Unmarshal(got.Data, &msg)
	if msg.Reason != realtime.ReasonBanned {
		t.Fatalf("expected reason banned, got %q", msg.Reason)
	}

	_, err := a.read()
	var closed wsutil.ClosedError
	if !errors.As(err, &closed) || closed.Code != ws.StatusPolicyViolation {
		t.Fatalf("expected policy-violation close, got %v", err)
	}

	waitFor(t, func() bool { return env.server.Connections().Count() == 0 })
	if env.hub.Count() != 0 {
		t.Fatalf("expected hub to forget the session, %d left", env.hub.Count())
	}
}

func TestClientCloseReleasesSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))
	a.subscribe("conversation.c1")

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if err := ws.WriteFrame(a.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body))); err != nil {
		t.Fatalf("write close: %v", err)
	}

	waitFor(t, func() bool { return env.hub.Count() == 0 })
	if st := env.hub.RegistryStats(); st.Subscriptions != 0 {
		t.Fatalf("subscriptions left after close: %+v", st)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))
	a.subscribe("conversation.c1")

	resp, err := http.Get(env.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var health struct {
		Status        string `json:"status"`
		Connections   int    `json:"connections"`
		Subscriptions int    `json:"subscriptions"`
	}
	if err := json.NewDecoder(bufio.NewReader(resp.Body)).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Connections != 1 || health.Subscriptions != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestShutdownSendsClosing(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := a.next()
	var msg protocol.ClosingMsg
	_ = json.Unmarshal(got.Data, &msg)
	if got.Event != protocol.EventClosing || msg.Reason != realtime.ReasonShutdown {
		t.Fatalf("expected closing/shutdown, got %s %s", got.Event, got.Data)
	}
}

func TestHandshakeToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := handshakeToken(r); got != "q" {
		t.Errorf("query token should win, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := handshakeToken(r); got != "h" {
		t.Errorf("expected bearer token, got %q", got)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Errorf("expected remote host, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.7" {
		t.Errorf("expected first forwarded hop, got %q", got)
	}
}

func TestCloseCode(t *testing.T) {
	tests := []struct {
		reason string
		code   ws.StatusCode
		send   bool
	}{
		{realtime.ReasonShutdown, ws.StatusGoingAway, true},
		{realtime.ReasonHeartbeatTimeout, ws.StatusGoingAway, true},
		{realtime.ReasonBanned, ws.StatusPolicyViolation, true},
		{realtime.ReasonEvicted, ws.StatusPolicyViolation, true},
		{realtime.ReasonClientClose, 0, false},
		{realtime.ReasonConnectionLost, 0, false},
	}
	for _, tt := range tests {
		code, send := closeCode(tt.reason)
		if code != tt.code || send != tt.send {
			t.Errorf("%s: got (%d, %v), want (%d, %v)", tt.reason, code, send, tt.code, tt.send)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestSubscribeRateLimited(t *testing.T) {
	env := newTestEnv(t, Options{Limiter: denyRule(ratelimit.RuleSubscribe.Key)})
	a := env.dial(t, channel.ChatUser("A", "W"))

	got := a.subscribe("conversation.c1")
	var msg protocol.SubscriptionErrorMsg
	_ = json.Unmarshal(got.Data, &msg)
	if got.Event != protocol.EventSubscriptionError || msg.Reason != CodeRateLimited {
		t.Fatalf("expected rate_limited, got %s %s", got.Event, got.Data)
	}
	if env.hub.IsSubscribed(a.id, "conversation.c1") {
		t.Fatal("rate-limited subscribe must not register")
	}
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))
	a.subscribe("conversation.c1")

	a.send(protocol.UnsubscribeMsg{Type: protocol.TypeUnsubscribe, Channel: "conversation.c1"})
	if got := a.next(); got.Event != protocol.EventUnsubscribed || got.Channel != "conversation.c1" {
		t.Fatalf("expected unsubscribed, got %+v", got)
	}
	if env.hub.IsSubscribed(a.id, "conversation.c1") {
		t.Fatal("still subscribed")
	}
}

func TestUnsupportedType(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))

	if err := wsutil.WriteClientText(a.conn, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := a.next()
	var msg protocol.ErrorMsg
	_ = json.Unmarshal(got.Data, &msg)
	if got.Event != protocol.EventError || msg.Code != CodeUnsupportedType {
		t.Fatalf("expected unsupported_type, got %s %s", got.Event, got.Data)
	}
}

// writeHeader writes a masked client frame header with no payload.
func (c *client) writeHeader(h ws.Header) {
	c.t.Helper()
	h.Masked = true
	h.Mask = ws.NewMask()
	if err := ws.WriteHeader(c.conn, h); err != nil {
		c.t.Fatalf("write header: %v", err)
	}
}

func expectClose(t *testing.T, c *client, code ws.StatusCode) {
	t.Helper()
	_, err := c.read()
	var closed wsutil.ClosedError
	if !errors.As(err, &closed) || closed.Code != code {
		t.Fatalf("expected close %d, got %v", code, err)
	}
}

func TestOversizedFrameIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))

	a.writeHeader(ws.Header{Fin: true, OpCode: ws.OpText, Length: 1 << 62})
	expectClose(t, a, ws.StatusMessageTooBig)
	waitFor(t, func() bool { return env.hub.Count() == 0 })

	b := env.dial(t, channel.ChatUser("B", "W"))
	if got := b.subscribe("conversation.c1"); got.Event != protocol.EventSubscribed {
		t.Fatalf("server unusable after oversized frame: %s %s", got.Event, got.Data)
	}
}

func TestFragmentedMessageIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, channel.ChatUser("A", "W"))

	frame := ws.NewFrame(ws.OpText, false, []byte(`{"type":"ping"}`))
	if err := ws.WriteFrame(a.conn, ws.MaskFrameInPlace(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, a, ws.StatusUnsupportedData)
	waitFor(t, func() bool { return env.hub.Count() == 0 })
}

func TestStalledPayloadsDoNotStarveReaders(t *testing.T) {
	env := newTestEnv(t, Options{})
	b := env.dial(t, channel.ChatUser("B", "W"))

	// One stalled client per read worker: each announces a payload and
	// sends only its first byte.
	for i := 0; i < env.server.config.WorkerPoolSize; i++ {
		a := env.dial(t, channel.ChatUser("A", "W"))
		a.writeHeader(ws.Header{Fin: true, OpCode: ws.OpText, Length: 100})
		if _, err := a.conn.Write([]byte{'{'}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if got := b.subscribe("conversation.c1"); got.Event != protocol.EventSubscribed {
		t.Fatalf("expected subscription_succeeded, got %s %s", got.Event, got.Data)
	}
	waitFor(t, func() bool { return env.hub.Count() == 1 })
}
