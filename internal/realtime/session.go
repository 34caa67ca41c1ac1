package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TNortnern/reusable-chat/internal/channel"
	"github.com/TNortnern/reusable-chat/internal/metrics"
)

// Enqueue rejections.
var (
	ErrSessionClosed = errors.New("realtime: session is closing or closed")
	ErrQueueDisabled = errors.New("realtime: session queue capacity is zero")
)

// Close reasons.
const (
	ReasonClientClose      = "client_close"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonConnectionLost   = "connection_lost"
	ReasonEvicted          = "evicted"
	ReasonBanned           = "banned"
	ReasonShutdown         = "shutdown"
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one realtime connection's delivery state: its principal, its
// outbound queue and its heartbeat clock. Any number of dispatchers may call
// Enqueue concurrently; exactly one writer drains it.
type Session struct {
	id        string
	principal channel.Principal
	createdAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos of last inbound activity
	queue    *queue       // nil when capacity is zero

	closeOnce   sync.Once
	closing     chan struct{}
	closeReason atomic.Value // string
	onClose     func(s *Session, reason string)
}

// NewSession creates a session in the Connecting state. onClose runs exactly
// once, synchronously, when the session enters Closing.
func NewSession(id string, p channel.Principal, queueCapacity int, onClose func(*Session, string)) *Session {
	s := &Session{
		id:        id,
		principal: p,
		createdAt: time.Now(),
		closing:   make(chan struct{}),
		onClose:   onClose,
	}
	if queueCapacity > 0 {
		s.queue = newQueue(queueCapacity)
	}
	s.lastSeen.Store(s.createdAt.UnixNano())
	return s
}

// ID returns the process-unique connection id.
func (s *Session) ID() string { return s.id }

// Principal returns the authenticated owner of the session.
func (s *Session) Principal() channel.Principal { return s.principal }

// CreatedAt returns when the handshake happened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Activate moves Connecting -> Active.
func (s *Session) Activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// Enqueue appends ev to the outbound queue without blocking. A full queue
// evicts its oldest entry and still accepts ev. The only rejections are a
// zero-capacity queue and a session that is already Closing or Closed.
func (s *Session) Enqueue(ev *Event) error {
	if s.queue == nil {
		return ErrQueueDisabled
	}
	if s.State() >= StateClosing {
		return ErrSessionClosed
	}
	ok, evicted := s.queue.push(ev)
	if !ok {
		return ErrSessionClosed
	}
	if evicted {
		metrics.QueueDrops.Inc()
	}
	return nil
}

// Heartbeat records inbound activity (a client ping or any frame).
func (s *Session) Heartbeat() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the most recent inbound activity.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Close moves the session to Closing and runs the close hook. Only the first
// call has any effect; it returns true for that call.
func (s *Session) Close(reason string) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closeReason.Store(reason)
		s.state.Store(int32(StateClosing))
		if s.queue != nil {
			s.queue.close()
		}
		close(s.closing)
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
	return first
}

// CloseReason returns the reason passed to the first Close call.
func (s *Session) CloseReason() string {
	r, _ := s.closeReason.Load().(string)
	return r
}

// Closing is closed when the session leaves Active.
func (s *Session) Closing() <-chan struct{} { return s.closing }

// Ready signals that the queue may have entries to drain. It returns nil for
// a zero-capacity session, which blocks forever in a select.
func (s *Session) Ready() <-chan struct{} {
	if s.queue == nil {
		return nil
	}
	return s.queue.ready
}

// Drain appends every queued event, oldest first, to dst.
func (s *Session) Drain(dst []*Event) []*Event {
	if s.queue == nil {
		return dst
	}
	return s.queue.drain(dst)
}

// Release discards anything left in the queue and marks the session Closed.
// The transport calls it once the connection has been released. It returns
// the number of events discarded.
func (s *Session) Release() int {
	s.Close(ReasonConnectionLost)
	n := 0
	if s.queue != nil {
		n = s.queue.discard()
	}
	s.state.Store(int32(StateClosed))
	return n
}

// Pending returns the number of queued events.
func (s *Session) Pending() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.len()
}

// Dropped returns how many events were evicted from a full queue.
func (s *Session) Dropped() uint64 {
	if s.queue == nil {
		return 0
	}
	return s.queue.droppedCount()
}
