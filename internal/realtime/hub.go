package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TNortnern/reusable-chat/internal/channel"
	"github.com/TNortnern/reusable-chat/internal/metrics"
	"github.com/TNortnern/reusable-chat/internal/registry"
)

// ReasonNotConnected is the subscription denial for a session that is gone.
const ReasonNotConnected = "not_connected"

// ErrInvalidPrincipal is returned by OnHandshake for incomplete principals.
var ErrInvalidPrincipal = errors.New("realtime: invalid principal")

// Authorizer decides channel subscriptions.
type Authorizer interface {
	Authorize(ctx context.Context, p channel.Principal, channelName string) channel.Decision
}

// HubConfig holds tunables for the hub.
type HubConfig struct {
	QueueCapacity int // per-session outbound queue bound
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{QueueCapacity: 256}
}

// Hub wires the registry, authorizer, dispatcher and publisher together and
// exposes the connection lifecycle hooks used by the transport.
type Hub struct {
	config     HubConfig
	registry   *registry.Registry
	authorizer Authorizer
	dispatcher *Dispatcher
	publisher  *Publisher

	mu       sync.RWMutex
	sessions map[string]*Session

	newID func() string
}

// NewHub creates a Hub. relay may be nil for single-node deployments.
func NewHub(config HubConfig, reg *registry.Registry, authorizer Authorizer, relay Relay) *Hub {
	h := &Hub{
		config:     config,
		registry:   reg,
		authorizer: authorizer,
		sessions:   make(map[string]*Session),
		newID:      func() string { return uuid.New().String() },
	}
	h.dispatcher = NewDispatcher(reg, h)
	h.publisher = NewPublisher(h.dispatcher, relay)
	return h
}

// OnHandshake creates and activates a session for an authenticated principal.
func (h *Hub) OnHandshake(p channel.Principal) (*Session, error) {
	if !p.Valid() {
		return nil, ErrInvalidPrincipal
	}

	s := NewSession(h.newID(), p, h.config.QueueCapacity, h.onSessionClose)

	h.registry.Register(s.ID())
	h.mu.Lock()
	h.sessions[s.ID()] = s
	n := len(h.sessions)
	h.mu.Unlock()

	s.Activate()
	metrics.ConnectionsTotal.Set(float64(n))
	return s, nil
}

// OnSubscribeRequest authorizes and, if allowed, subscribes connID to the
// requested channel. A denial never affects the session itself.
func (h *Hub) OnSubscribeRequest(ctx context.Context, connID, channelName string) channel.Decision {
	s := h.Session(connID)
	if s == nil || s.State() != StateActive {
		return channel.Deny(ReasonNotConnected)
	}

	name, err := channel.Normalize(channelName)
	if err != nil {
		metrics.AuthDecisions.WithLabelValues(channel.ReasonInvalidChannel).Inc()
		return channel.Deny(channel.ReasonInvalidChannel)
	}

	d := h.authorizer.Authorize(ctx, s.Principal(), name)
	if !d.Allowed {
		metrics.AuthDecisions.WithLabelValues(d.Reason).Inc()
		return d
	}
	metrics.AuthDecisions.WithLabelValues("allowed").Inc()

	if _, err := h.registry.Subscribe(connID, name); err != nil {
		// Closed while the lookup was in flight.
		return channel.Deny(ReasonNotConnected)
	}
	h.refreshGauges()
	return d
}

// OnUnsubscribeRequest removes a subscription. It reports whether one existed.
func (h *Hub) OnUnsubscribeRequest(connID, channelName string) bool {
	name, err := channel.Normalize(channelName)
	if err != nil {
		return false
	}
	removed := h.registry.Unsubscribe(connID, name)
	if removed {
		h.refreshGauges()
	}
	return removed
}

// IsSubscribed reports whether connID currently listens on channelName.
func (h *Hub) IsSubscribed(connID, channelName string) bool {
	name, err := channel.Normalize(channelName)
	if err != nil {
		return false
	}
	return h.registry.IsSubscribed(connID, name)
}

// OnDisconnect closes the session for connID. It is safe to call repeatedly
// and for unknown ids.
func (h *Hub) OnDisconnect(connID, reason string) {
	if s := h.Session(connID); s != nil {
		s.Close(reason)
	}
}

// onSessionClose runs once per session when it enters Closing. After it
// returns, no fan-out can target the session.
func (h *Hub) onSessionClose(s *Session, reason string) {
	h.registry.RemoveConnection(s.ID())

	h.mu.Lock()
	delete(h.sessions, s.ID())
	n := len(h.sessions)
	h.mu.Unlock()

	metrics.ConnectionsTotal.Set(float64(n))
	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	h.refreshGauges()
	log.Printf("[hub] session=%s principal=%s closed reason=%s dropped=%d", s.ID(), s.Principal(), reason, s.Dropped())
}

// Session returns the live session for id, or nil.
func (h *Hub) Session(id string) *Session {
	h.mu.RLock()
	s := h.sessions[id]
	h.mu.RUnlock()
	return s
}

// Sessions returns a snapshot of all live sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()
	return out
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	n := len(h.sessions)
	h.mu.RUnlock()
	return n
}

// Publish hands an event to the publisher. See Publisher.Publish.
func (h *Hub) Publish(channelName, eventName string, data json.RawMessage, originConnID string) error {
	return h.publisher.Publish(channelName, eventName, data, originConnID)
}

// PublishJSON marshals payload and publishes it.
func (h *Hub) PublishJSON(channelName, eventName string, payload interface{}, originConnID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s payload: %w", eventName, err)
	}
	return h.Publish(channelName, eventName, data, originConnID)
}

// Deliver fans out an event received from the relay.
func (h *Hub) Deliver(ev *Event) DispatchResult {
	return h.publisher.Deliver(ev)
}

// EvictChatUser closes every local session owned by the given chat user and
// returns how many were closed.
func (h *Hub) EvictChatUser(workspaceID, userID, reason string) int {
	n := 0
	for _, s := range h.Sessions() {
		p := s.Principal()
		if p.IsChatUser() && p.ID == userID && p.WorkspaceID == workspaceID {
			if s.Close(reason) {
				n++
			}
		}
	}
	return n
}

// ReapIdle closes sessions with no inbound activity within window and returns
// their ids.
func (h *Hub) ReapIdle(now time.Time, window time.Duration) []string {
	var reaped []string
	for _, s := range h.Sessions() {
		if now.Sub(s.LastHeartbeat()) > window {
			if s.Close(ReasonHeartbeatTimeout) {
				reaped = append(reaped, s.ID())
			}
		}
	}
	return reaped
}

// Shutdown closes every live session.
func (h *Hub) Shutdown() {
	for _, s := range h.Sessions() {
		s.Close(ReasonShutdown)
	}
}

// RegistryStats exposes registry sizes for health reporting.
func (h *Hub) RegistryStats() registry.Stats {
	return h.registry.Stats()
}

func (h *Hub) refreshGauges() {
	metrics.SubscriptionsTotal.Set(float64(h.registry.Stats().Subscriptions))
}
