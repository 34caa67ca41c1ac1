// Package registry keeps the authoritative map of live channel subscriptions.
// It maintains two indexes, channel -> connections for fan-out and
// connection -> channels for O(1) cleanup on disconnect, guarded together by
// one lock so they are always exact duals of each other.
package registry

import (
	"errors"
	"sync"
)

// ErrUnknownConnection is returned when subscribing a connection that was
// never registered or has already been removed.
var ErrUnknownConnection = errors.New("registry: unknown connection")

type set map[string]struct{}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]set // channel -> connection ids
	byConn    map[string]set // connection id -> channels
	subs      int            // total subscriptions
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byChannel: make(map[string]set),
		byConn:    make(map[string]set),
	}
}

// Register makes a connection known to the registry. Subscribe only accepts
// registered connections, so a Subscribe racing a RemoveConnection can never
// resurrect a closed connection. Registering twice is a no-op.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	if _, ok := r.byConn[connID]; !ok {
		r.byConn[connID] = make(set)
	}
	r.mu.Unlock()
}

// Subscribe adds connID to channel. It is idempotent and reports whether a
// new subscription was created.
func (r *Registry) Subscribe(connID, channel string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels, ok := r.byConn[connID]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, dup := channels[channel]; dup {
		return false, nil
	}

	conns, ok := r.byChannel[channel]
	if !ok {
		conns = make(set)
		r.byChannel[channel] = conns
	}
	conns[connID] = struct{}{}
	channels[channel] = struct{}{}
	r.subs++
	return true, nil
}

// Unsubscribe removes connID from channel. It is idempotent and reports
// whether a subscription was removed. Channels left without subscribers are
// deleted.
func (r *Registry) Unsubscribe(connID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels, ok := r.byConn[connID]
	if !ok {
		return false
	}
	if _, ok := channels[channel]; !ok {
		return false
	}
	delete(channels, channel)
	r.detach(connID, channel)
	r.subs--
	return true
}

// RemoveConnection drops every subscription held by connID and forgets the
// connection. It returns the channels the connection was subscribed to. The
// whole removal happens under the write lock, so a concurrent ConnectionsFor
// never observes a half-removed connection.
func (r *Registry) RemoveConnection(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(channels))
	for ch := range channels {
		r.detach(connID, ch)
		removed = append(removed, ch)
	}
	r.subs -= len(channels)
	delete(r.byConn, connID)
	return removed
}

// detach removes connID from the channel index. Caller holds mu.
func (r *Registry) detach(connID, channel string) {
	conns, ok := r.byChannel[channel]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byChannel, channel)
	}
}

// ConnectionsFor returns a snapshot of the connections subscribed to channel.
// The slice is owned by the caller and contains no duplicates.
func (r *Registry) ConnectionsFor(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byChannel[channel]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// ChannelsOf returns a snapshot of the channels connID is subscribed to.
func (r *Registry) ChannelsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := r.byConn[connID]
	out := make([]string, 0, len(channels))
	for ch := range channels {
		out = append(out, ch)
	}
	return out
}

// IsSubscribed reports whether connID is currently subscribed to channel.
func (r *Registry) IsSubscribed(connID, channel string) bool {
	r.mu.RLock()
	_, ok := r.byConn[connID][channel]
	r.mu.RUnlock()
	return ok
}

// Stats is a point-in-time size summary.
type Stats struct {
	Connections   int
	Channels      int
	Subscriptions int
}

// Stats returns the current registry sizes.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections:   len(r.byConn),
		Channels:      len(r.byChannel),
		Subscriptions: r.subs,
	}
}

// checkDual verifies that the two indexes mirror each other. Used by tests.
func (r *Registry) checkDual() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for ch, conns := range r.byChannel {
		if len(conns) == 0 {
			return errors.New("registry: empty channel entry " + ch)
		}
		for id := range conns {
			if _, ok := r.byConn[id][ch]; !ok {
				return errors.New("registry: " + id + " in channel " + ch + " but not in inverse index")
			}
		}
	}
	total := 0
	for id, channels := range r.byConn {
		total += len(channels)
		for ch := range channels {
			if _, ok := r.byChannel[ch][id]; !ok {
				return errors.New("registry: " + ch + " listed for " + id + " but not in channel index")
			}
		}
	}
	if total != r.subs {
		return errors.New("registry: subscription counter out of sync")
	}
	return nil
}
