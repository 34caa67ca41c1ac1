// Package realtime is the fan-out core of the broadcast service. It turns a
// published domain event into per-session queue entries: the Publisher builds
// an immutable Event, the Dispatcher enumerates the channel's subscribers from
// the registry and enqueues the Event on each live Session, and each Session
// owns a bounded drop-oldest queue drained by exactly one transport writer.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/TNortnern/reusable-chat/internal/protocol"
)

// Event is one domain occurrence addressed to one channel. It is constructed
// once and shared, unmodified, by every session queue it lands in.
type Event struct {
	Channel      string
	Name         string
	Data         json.RawMessage
	OriginConnID string // sender's connection; never receives this event
	PublishedAt  time.Time

	frame []byte
}

// NewEvent validates the payload and pre-encodes the wire envelope.
func NewEvent(channel, name string, data json.RawMessage, originConnID string) (*Event, error) {
	frame, err := protocol.EncodeEvent(channel, name, data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Channel:      channel,
		Name:         name,
		Data:         data,
		OriginConnID: originConnID,
		PublishedAt:  time.Now(),
		frame:        frame,
	}, nil
}

// Frame returns the encoded envelope. Callers must not modify it.
func (e *Event) Frame() []byte {
	return e.frame
}
