// Package messaging provides the NATS relay that fans realtime events out to
// every node of the cluster. Each node publishes events to a shared subject
// and delivers what it receives back from that subject to its own local
// subscribers, so a publish on any node reaches connections on all of them.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/TNortnern/reusable-chat/internal/realtime"
)

// NATS subjects used by the realtime servers.
const (
	SubjectBroadcast = "realtime.broadcast"
	SubjectEvict     = "realtime.evict"
)

// wireEvent is the relay encoding of a realtime.Event.
type wireEvent struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	Node    string          `json:"node,omitempty"`
	SentAt  int64           `json:"sent_at"`
}

// Eviction asks every node to close a chat user's connections.
type Eviction struct {
	WorkspaceID string `json:"workspace_id"`
	ChatUserID  string `json:"chat_user_id"`
	Reason      string `json:"reason"`
}

// NATSClient wraps the NATS connection with helper methods for the relay.
type NATSClient struct {
	conn *nats.Conn
	node string
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also the node id on relayed events
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		node: config.Name,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishEvent relays ev to every node, this one included. It satisfies
// realtime.Relay.
func (c *NATSClient) PublishEvent(ev *realtime.Event) error {
	data, err := json.Marshal(wireEvent{
		Channel: ev.Channel,
		Event:   ev.Name,
		Data:    ev.Data,
		Origin:  ev.OriginConnID,
		Node:    c.node,
		SentAt:  ev.PublishedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("nats: encode event: %w", err)
	}
	return c.conn.Publish(SubjectBroadcast, data)
}

// SubscribeEvents delivers every relayed event to handler. NATS invokes the
// handler serially for one subscription, which keeps per-channel order.
func (c *NATSClient) SubscribeEvents(handler func(ev *realtime.Event)) error {
	return c.subscribe(SubjectBroadcast, func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			log.Printf("[nats] dropping malformed event: %v", err)
			return
		}
		handler(ev)
	})
}

func decodeEvent(data []byte) (*realtime.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	ev, err := realtime.NewEvent(w.Channel, w.Event, w.Data, w.Origin)
	if err != nil {
		return nil, err
	}
	if w.SentAt > 0 {
		ev.PublishedAt = time.Unix(0, w.SentAt)
	}
	return ev, nil
}

// PublishEviction asks every node to evict a chat user.
func (c *NATSClient) PublishEviction(e Eviction) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("nats: encode eviction: %w", err)
	}
	return c.conn.Publish(SubjectEvict, data)
}

// Evict publishes an eviction for a chat user. Every node, this one
// included, closes the user's connections when it receives it.
func (c *NATSClient) Evict(workspaceID, chatUserID, reason string) error {
	return c.PublishEviction(Eviction{WorkspaceID: workspaceID, ChatUserID: chatUserID, Reason: reason})
}

// SubscribeEvictions delivers eviction requests to handler.
func (c *NATSClient) SubscribeEvictions(handler func(e Eviction)) error {
	return c.subscribe(SubjectEvict, func(msg *nats.Msg) {
		var e Eviction
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			log.Printf("[nats] dropping malformed eviction: %v", err)
			return
		}
		handler(e)
	})
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Connected reports whether the client currently holds a server connection.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// subscribe registers handler for subject and keeps the subscription for
// cleanup. Subscribing twice to the same subject replaces the first.
func (c *NATSClient) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
