package realtime

import (
	"time"

	"github.com/TNortnern/reusable-chat/internal/metrics"
)

// SubscriberIndex supplies fan-out targets for a channel.
type SubscriberIndex interface {
	ConnectionsFor(channel string) []string
}

// SessionLookup resolves a connection id to its live session, or nil.
type SessionLookup interface {
	Session(id string) *Session
}

// DispatchResult summarises one fan-out.
type DispatchResult struct {
	Targets    int // connections in the registry snapshot
	Queued     int // events accepted by a session queue
	Suppressed int // skipped because the target is the origin connection
	Stale      int // target closed between snapshot and enqueue
}

// Dispatcher fans one event out to every session subscribed to its channel.
// It holds no lock of its own: the registry lock is released before the
// first Enqueue, and each Enqueue takes only that session's queue lock.
type Dispatcher struct {
	index    SubscriberIndex
	sessions SessionLookup
}

// NewDispatcher creates a Dispatcher over the given registry and session table.
func NewDispatcher(index SubscriberIndex, sessions SessionLookup) *Dispatcher {
	return &Dispatcher{index: index, sessions: sessions}
}

// Dispatch enqueues ev on every subscriber except its origin connection.
// Targets that closed after the snapshot are skipped silently.
func (d *Dispatcher) Dispatch(ev *Event) DispatchResult {
	start := time.Now()
	targets := d.index.ConnectionsFor(ev.Channel)
	res := DispatchResult{Targets: len(targets)}

	for _, id := range targets {
		if ev.OriginConnID != "" && id == ev.OriginConnID {
			res.Suppressed++
			continue
		}
		s := d.sessions.Session(id)
		if s == nil {
			res.Stale++
			continue
		}
		if err := s.Enqueue(ev); err != nil {
			res.Stale++
			continue
		}
		res.Queued++
	}

	metrics.Deliveries.WithLabelValues("queued").Add(float64(res.Queued))
	metrics.Deliveries.WithLabelValues("suppressed").Add(float64(res.Suppressed))
	metrics.Deliveries.WithLabelValues("stale").Add(float64(res.Stale))
	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	return res
}
