package ws

import (
	"context"
	"log"
	"time"

	"github.com/gobwas/ws"

	"github.com/TNortnern/reusable-chat/internal/metrics"
	"github.com/TNortnern/reusable-chat/internal/protocol"
	"github.com/TNortnern/reusable-chat/internal/realtime"
)

// closeWriteTimeout bounds the goodbye frames written on a server-initiated
// close.
const closeWriteTimeout = time.Second

// writeLoop is the single writer of event frames for c. It drains the session
// queue whenever the ready signal fires and owns the socket teardown once the
// session starts closing, whoever closed it.
func (s *Server) writeLoop(c *Connection) {
	defer s.writers.Done()

	sess := c.session
	batch := make([]*realtime.Event, 0, 32)
	for {
		select {
		case <-sess.Closing():
			s.release(c)
			return
		case <-sess.Ready():
		}

		batch = sess.Drain(batch[:0])
		if len(batch) == 0 {
			continue
		}
		err := c.writeEvents(batch, s.config.WriteTimeout)
		n := len(batch)
		clear(batch)
		if err != nil {
			log.Printf("ws: write failed session=%s events=%d: %v", c.ID(), n, err)
			s.hub.OnDisconnect(c.ID(), realtime.ReasonConnectionLost)
			continue
		}
		metrics.FramesWritten.Add(float64(n))
	}
}

// release tears down the transport side of a closed session: goodbye frames
// for server-initiated closes, epoll and manager removal, queue discard and
// presence cleanup.
func (s *Server) release(c *Connection) {
	reason := c.session.CloseReason()
	if code, ok := closeCode(reason); ok {
		if msg, err := protocol.NewServerMessage(protocol.EventClosing, "", protocol.ClosingMsg{Reason: reason}); err == nil {
			_ = c.WriteMessage(msg, closeWriteTimeout)
		}
		_ = c.writeClose(code, reason, closeWriteTimeout)
	}

	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	s.conns.Remove(c.ID())
	discarded := c.session.Release()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.presence.Delete(ctx, c.ID(), c.session.Principal()); err != nil {
			log.Printf("ws: failed to delete presence session=%s: %v", c.ID(), err)
		}
		cancel()
	}

	log.Printf("ws: connection closed session=%s reason=%s discarded=%d (total=%d)",
		c.ID(), reason, discarded, s.conns.Count())
}

// closeCode maps server-initiated close reasons to a WebSocket status code.
// Closes the client started, or that follow a dead socket, get no frames.
func closeCode(reason string) (ws.StatusCode, bool) {
	switch reason {
	case realtime.ReasonShutdown, realtime.ReasonHeartbeatTimeout:
		return ws.StatusGoingAway, true
	case realtime.ReasonEvicted, realtime.ReasonBanned:
		return ws.StatusPolicyViolation, true
	default:
		return 0, false
	}
}
