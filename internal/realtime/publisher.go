package realtime

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/TNortnern/reusable-chat/internal/channel"
	"github.com/TNortnern/reusable-chat/internal/metrics"
	"github.com/TNortnern/reusable-chat/internal/protocol"
)

// Relay forwards events to every node of the cluster, including this one.
// Each node hands relayed events to its own Dispatcher in arrival order.
type Relay interface {
	PublishEvent(ev *Event) error
}

// Publisher turns domain occurrences into Events. Publish never waits for
// delivery: local fan-out only takes short locks and never blocks on a
// session, and relayed events are handed to the message bus.
type Publisher struct {
	dispatcher *Dispatcher
	relay      Relay
}

// NewPublisher creates a Publisher delivering through dispatcher. relay may be
// nil for a single-node deployment.
func NewPublisher(dispatcher *Dispatcher, relay Relay) *Publisher {
	return &Publisher{dispatcher: dispatcher, relay: relay}
}

// Publish builds an event for channelName and hands it off for delivery.
// originConnID, when set, suppresses the echo to the sender's connection.
// Errors only report malformed input; delivery outcomes are never surfaced.
func (p *Publisher) Publish(channelName, eventName string, data json.RawMessage, originConnID string) error {
	name, err := channel.Normalize(channelName)
	if err != nil {
		return fmt.Errorf("realtime: publish %q: %w", channelName, err)
	}
	if eventName == "" || protocol.IsControlEvent(eventName) {
		return fmt.Errorf("realtime: publish %q: invalid event name %q", name, eventName)
	}

	ev, err := NewEvent(name, eventName, data, originConnID)
	if err != nil {
		return fmt.Errorf("realtime: publish %q: %w", name, err)
	}
	metrics.EventsPublished.WithLabelValues(eventName).Inc()

	if p.relay != nil {
		err := p.relay.PublishEvent(ev)
		if err == nil {
			return nil
		}
		// Local delivery keeps this node's subscribers served, but the event
		// may overtake earlier ones for the channel still in flight on NATS.
		log.Printf("[publisher] relay failed for %s on %s, delivering locally: %v", eventName, name, err)
	}
	p.dispatcher.Dispatch(ev)
	return nil
}

// Deliver dispatches an event that arrived from the relay.
func (p *Publisher) Deliver(ev *Event) DispatchResult {
	return p.dispatcher.Dispatch(ev)
}
