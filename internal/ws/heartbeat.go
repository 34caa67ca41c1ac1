package ws

import (
	"context"
	"log"
	"time"

	"github.com/TNortnern/reusable-chat/internal/presence"
	"github.com/TNortnern/reusable-chat/internal/realtime"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping and sweep (default: 30s)
	Timeout  time.Duration // silence after which a session is reaped (default: 60s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// StartHeartbeat runs the heartbeat monitor until the server's done channel
// closes. Every Interval it reaps sessions that have been silent for longer
// than Timeout and pings the rest.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections closes idle sessions through the hub, whose writers then
// release the sockets, and sends a protocol-level ping to every live
// connection. Browsers answer pings automatically, and any inbound frame
// counts as activity.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	for _, id := range server.hub.ReapIdle(now, config.Timeout) {
		log.Printf("ws: heartbeat timeout session=%s", id)
	}

	var live []presence.Entry
	for _, c := range server.Connections().All() {
		if c.session.State() != realtime.StateActive {
			continue
		}
		if err := c.WritePing(server.config.WriteTimeout); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID(), err)
			server.hub.OnDisconnect(c.ID(), realtime.ReasonConnectionLost)
			continue
		}
		live = append(live, presence.Entry{ConnID: c.ID(), Principal: c.session.Principal()})
	}

	if server.presence != nil && len(live) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), config.Interval/2)
		defer cancel()
		if err := server.presence.Refresh(ctx, live...); err != nil {
			log.Printf("ws: presence refresh failed for %d connections: %v", len(live), err)
		}
	}
}
