package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/TNortnern/reusable-chat/internal/chat"
	"github.com/TNortnern/reusable-chat/internal/realtime"
)

// KeyHeader carries the shared secret on internal API requests.
const KeyHeader = "X-Realtime-Key"

// maxBodyBytes bounds internal request bodies; event data is checked against
// chat.MaxPayloadBytes separately.
const maxBodyBytes = 1 << 20

// EventPublisher publishes one event on one channel.
type EventPublisher interface {
	Publish(channelName, eventName string, data json.RawMessage, originConnID string) error
}

// BanStore records and lifts workspace bans.
type BanStore interface {
	Ban(ctx context.Context, workspaceID, chatUserID string, duration time.Duration, reason string) error
	Unban(ctx context.Context, workspaceID, chatUserID string) error
}

// Evictor closes a chat user's connections on every node.
type Evictor interface {
	Evict(workspaceID, chatUserID, reason string) error
}

// LocalEvictor evicts from this node's hub only.
type LocalEvictor struct {
	Hub *realtime.Hub
}

// Evict implements Evictor.
func (e LocalEvictor) Evict(workspaceID, chatUserID, reason string) error {
	n := e.Hub.EvictChatUser(workspaceID, chatUserID, reason)
	log.Printf("ws: evicted %d connections workspace=%s user=%s reason=%s", n, workspaceID, chatUserID, reason)
	return nil
}

// API serves the internal endpoints the application backend calls to publish
// events and manage bans. Every request must carry KeyHeader.
type API struct {
	key     string
	pub     EventPublisher
	bans    BanStore
	evictor Evictor
	mux     *http.ServeMux
}

// NewAPI creates the internal API. bans and evictor may be nil, which
// disables the ban endpoints.
func NewAPI(key string, pub EventPublisher, bans BanStore, evictor Evictor) *API {
	a := &API{key: key, pub: pub, bans: bans, evictor: evictor, mux: http.NewServeMux()}
	a.mux.HandleFunc("POST /internal/events", a.handlePublish)
	a.mux.HandleFunc("POST /internal/bans", a.handleBan)
	a.mux.HandleFunc("DELETE /internal/bans", a.handleUnban)
	return a
}

// ServeHTTP checks the shared key and routes the request.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(KeyHeader)
	if a.key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.key)) != 1 {
		writeJSONError(w, http.StatusUnauthorized, "invalid key")
		return
	}
	a.mux.ServeHTTP(w, r)
}

type publishRequest struct {
	Channels []string        `json:"channels"`
	Channel  string          `json:"channel"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	SocketID string          `json:"socket_id"`
}

// handlePublish validates every target channel before publishing to any of
// them, so a request is either fully accepted or rejected.
func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	channels := req.Channels
	if req.Channel != "" {
		channels = append(channels, req.Channel)
	}
	if len(channels) == 0 {
		writeJSONError(w, http.StatusBadRequest, "no channels given")
		return
	}
	for _, ch := range channels {
		if err := chat.ValidateEvent(ch, req.Event, req.Data); err != nil {
			writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	published := 0
	for _, ch := range channels {
		if err := a.pub.Publish(ch, req.Event, req.Data, req.SocketID); err != nil {
			log.Printf("ws: api publish %s on %s failed: %v", req.Event, ch, err)
			continue
		}
		published++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"published": published})
}

type banRequest struct {
	WorkspaceID     string `json:"workspace_id"`
	ChatUserID      string `json:"chat_user_id"`
	DurationSeconds int64  `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

// handleBan stores the ban and evicts the user's live connections. A zero
// duration bans permanently.
func (a *API) handleBan(w http.ResponseWriter, r *http.Request) {
	if a.bans == nil {
		writeJSONError(w, http.StatusNotImplemented, "bans are not configured")
		return
	}
	var req banRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkspaceID == "" || req.ChatUserID == "" || req.DurationSeconds < 0 {
		writeJSONError(w, http.StatusBadRequest, "workspace_id and chat_user_id are required")
		return
	}

	dur := time.Duration(req.DurationSeconds) * time.Second
	if err := a.bans.Ban(r.Context(), req.WorkspaceID, req.ChatUserID, dur, req.Reason); err != nil {
		log.Printf("ws: api ban workspace=%s user=%s failed: %v", req.WorkspaceID, req.ChatUserID, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to store ban")
		return
	}

	if a.evictor != nil {
		if err := a.evictor.Evict(req.WorkspaceID, req.ChatUserID, realtime.ReasonBanned); err != nil {
			log.Printf("ws: api evict workspace=%s user=%s failed: %v", req.WorkspaceID, req.ChatUserID, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUnban(w http.ResponseWriter, r *http.Request) {
	if a.bans == nil {
		writeJSONError(w, http.StatusNotImplemented, "bans are not configured")
		return
	}
	q := r.URL.Query()
	workspaceID, userID := q.Get("workspace_id"), q.Get("chat_user_id")
	if workspaceID == "" || userID == "" {
		writeJSONError(w, http.StatusBadRequest, "workspace_id and chat_user_id are required")
		return
	}
	if err := a.bans.Unban(r.Context(), workspaceID, userID); err != nil {
		log.Printf("ws: api unban workspace=%s user=%s failed: %v", workspaceID, userID, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to lift ban")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
