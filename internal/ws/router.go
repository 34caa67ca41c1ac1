package ws

import (
	"context"
	"log"
	"time"

	"github.com/TNortnern/reusable-chat/internal/channel"
	"github.com/TNortnern/reusable-chat/internal/chat"
	"github.com/TNortnern/reusable-chat/internal/metrics"
	"github.com/TNortnern/reusable-chat/internal/protocol"
	"github.com/TNortnern/reusable-chat/internal/ratelimit"
)

// Error codes sent in realtime:error frames.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeRateLimited     = "rate_limited"
	CodeNotSubscribed   = "not_subscribed"
	CodeInvalidChannel  = "invalid_channel"
)

// frameTimeout bounds the work done for one client frame.
const frameTimeout = 5 * time.Second

// MessageHandler handles one parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// Router routes client frames to handlers by message type. Ping is answered
// internally; subscribe, unsubscribe and typing are registered by
// NewRouter.
type Router struct {
	handlers map[string]MessageHandler
	server   *Server
	typing   *chat.Broadcaster
}

// NewRouter creates a Router bound to server with the built-in handlers.
func NewRouter(server *Server) *Router {
	r := &Router{
		handlers: make(map[string]MessageHandler),
		server:   server,
		typing:   chat.NewBroadcaster(server.hub),
	}
	r.Register(protocol.TypeSubscribe, r.handleSubscribe)
	r.Register(protocol.TypeUnsubscribe, r.handleUnsubscribe)
	r.Register(protocol.TypeTyping, r.handleTyping)
	return r
}

// Register associates a handler with a message type, replacing any previous
// one.
func (r *Router) Register(msgType string, handler MessageHandler) {
	r.handlers[msgType] = handler
}

// Route parses data and hands it to the matching handler. Parse errors and
// unregistered types are answered with a realtime:error frame.
func (r *Router) Route(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if _, known := r.handlers[msgType]; msgType != "" && msgType != protocol.TypePing && !known {
			r.sendError(conn, CodeUnsupportedType, "unsupported message type")
			return
		}
		log.Printf("ws: route parse error session=%s: %v", conn.ID(), err)
		r.sendError(conn, CodeParseError, "invalid message format")
		return
	}
	metrics.InboundFrames.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		r.send(conn, protocol.EventPong, "", protocol.PongMsg{})
		return
	}

	handler, ok := r.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID())
		r.sendError(conn, CodeUnsupportedType, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	handler(ctx, conn, msg)
}

func (r *Router) handleSubscribe(ctx context.Context, conn *Connection, msg interface{}) {
	m := msg.(protocol.SubscribeMsg)

	if !r.allow(ctx, conn.ID(), ratelimit.RuleSubscribe) {
		r.send(conn, protocol.EventSubscriptionError, m.Channel, protocol.SubscriptionErrorMsg{Reason: CodeRateLimited})
		return
	}

	d := r.server.hub.OnSubscribeRequest(ctx, conn.ID(), m.Channel)
	if !d.Allowed {
		log.Printf("ws: subscribe denied session=%s principal=%s channel=%q reason=%s",
			conn.ID(), conn.session.Principal(), m.Channel, d.Reason)
		r.send(conn, protocol.EventSubscriptionError, m.Channel, protocol.SubscriptionErrorMsg{Reason: d.Reason})
		return
	}
	r.send(conn, protocol.EventSubscribed, m.Channel, protocol.SubscribedMsg{})
}

func (r *Router) handleUnsubscribe(_ context.Context, conn *Connection, msg interface{}) {
	m := msg.(protocol.UnsubscribeMsg)
	r.server.hub.OnUnsubscribeRequest(conn.ID(), m.Channel)
	r.send(conn, protocol.EventUnsubscribed, m.Channel, protocol.UnsubscribedMsg{})
}

// handleTyping relays a typing indicator to the other subscribers of a
// conversation the connection is already subscribed to.
func (r *Router) handleTyping(ctx context.Context, conn *Connection, msg interface{}) {
	m := msg.(protocol.TypingMsg)

	name, err := channel.Parse(m.Channel)
	if err != nil || name.Type != channel.TypeConversation {
		r.sendError(conn, CodeInvalidChannel, "typing is only supported on conversation channels")
		return
	}
	if !r.server.hub.IsSubscribed(conn.ID(), m.Channel) {
		r.sendError(conn, CodeNotSubscribed, "subscribe to the channel first")
		return
	}

	p := conn.session.Principal()
	if !r.allow(ctx, p.Kind.String()+":"+p.ID, ratelimit.RuleTyping) {
		r.sendError(conn, CodeRateLimited, "too many typing events")
		return
	}

	if err := r.typing.Typing(name.ID, chat.Typing{UserID: p.ID, Name: m.Name}, conn.ID()); err != nil {
		log.Printf("ws: typing publish failed session=%s: %v", conn.ID(), err)
	}
}

// allow consults the rate limiter. A missing limiter or a Redis error lets
// the request through.
func (r *Router) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if r.server.limiter == nil {
		return true
	}
	ok, _ := r.server.limiter.Allow(ctx, identifier, rule)
	return ok
}

func (r *Router) sendError(conn *Connection, code, message string) {
	r.send(conn, protocol.EventError, "", protocol.ErrorMsg{Code: code, Message: message})
}

// send writes a control frame directly, outside the session queue, so control
// replies are never dropped by queue overflow.
func (r *Router) send(conn *Connection, event, channelName string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, channelName, payload)
	if err != nil {
		log.Printf("ws: failed to build %s session=%s: %v", event, conn.ID(), err)
		return
	}
	if err := conn.WriteMessage(data, r.server.config.WriteTimeout); err != nil {
		log.Printf("ws: failed to send %s session=%s: %v", event, conn.ID(), err)
	}
}
