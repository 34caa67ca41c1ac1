package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/TNortnern/reusable-chat/internal/channel"
	"github.com/TNortnern/reusable-chat/internal/chat"
	"github.com/TNortnern/reusable-chat/internal/loadtest"
	"github.com/TNortnern/reusable-chat/internal/protocol"
	"github.com/TNortnern/reusable-chat/internal/ws"
)

// fanoutPayload is a message.created body carrying its send time.
type fanoutPayload struct {
	chat.MessageCreated
	SentAtNanos int64 `json:"sent_at_ns"`
}

// runFanout subscribes every connection to one conversation, then posts
// events to the internal API at a fixed rate and records how long each
// delivery took.
func runFanout(args []string) {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	api := fs.String("api", "http://localhost:8080", "base URL of the internal API")
	key := fs.String("key", os.Getenv("PUBLISH_KEY"), "internal API key")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to sign handshake tokens")
	issuer := fs.String("issuer", os.Getenv("JWT_ISSUER"), "JWT issuer")
	workspace := fs.String("workspace", "", "workspace id of the simulated chat users")
	users := fs.String("users", "", "comma-separated participant ids, assigned round-robin")
	conversation := fs.String("conversation", "", "conversation id every connection subscribes to")
	connections := fs.Int("connections", 100, "Number of subscribers")
	events := fs.Int("events", 100, "Number of events to publish")
	rate := fs.Int("rate", 10, "Events per second")
	ramp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	tokens, err := newTokenSource(*secret, *issuer, *workspace, *users)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *conversation == "" || *key == "" || *rate <= 0 {
		fmt.Fprintln(os.Stderr, "-conversation, -key and a positive -rate are required")
		os.Exit(2)
	}
	channelName := channel.Conversation(*conversation).String()

	fmt.Printf("Fanout test: %d subscribers on %s, %d events at %d/s\n",
		*connections, channelName, *events, *rate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	var denied atomic.Int64

	clients := rampUp(ctx, tokens, *url, *connections, *ramp, *concurrency, collector,
		func(_ int, c *loadtest.Client) error {
			ok := make(chan error, 1)
			c.On(protocol.EventSubscribed, func(protocol.Envelope) { ok <- nil })
			c.On(protocol.EventSubscriptionError, func(env protocol.Envelope) {
				denied.Add(1)
				ok <- fmt.Errorf("subscription denied: %s", env.Data)
			})
			c.On(chat.EventMessageCreated, func(env protocol.Envelope) {
				var p fanoutPayload
				if err := json.Unmarshal(env.Data, &p); err != nil || p.SentAtNanos == 0 {
					collector.AddError()
					return
				}
				collector.AddEventLatency(time.Since(time.Unix(0, p.SentAtNanos)))
			})
			if err := c.Subscribe(channelName); err != nil {
				return err
			}
			select {
			case err := <-ok:
				return err
			case <-time.After(5 * time.Second):
				return fmt.Errorf("no subscription reply")
			}
		})
	defer closeAll(clients)

	if d := denied.Load(); d > 0 {
		fmt.Printf("Subscriptions denied: %d (are the -users participants of the conversation?)\n", d)
	}
	if len(clients) == 0 {
		fmt.Println("No subscribers, nothing to measure.")
		return
	}

	fmt.Println("\n--- Publish phase ---")
	endpoint := strings.TrimRight(*api, "/") + "/internal/events"
	httpClient := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	sent := 0
publish:
	for sent < *events {
		select {
		case <-ctx.Done():
			break publish
		case <-ticker.C:
		}
		if err := postEvent(ctx, httpClient, endpoint, *key, channelName, sent); err != nil {
			fmt.Fprintf(os.Stderr, "  publish %d failed: %v\n", sent, err)
			collector.AddError()
		}
		sent++
	}

	// Give the last events time to arrive.
	expected := sent * len(clients)
	deadline := time.Now().Add(5 * time.Second)
	for collector.DeliveryCount() < expected && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}

	got := collector.DeliveryCount()
	fmt.Printf("\nDelivered %d/%d (%.2f%%)\n", got, expected, float64(got)/float64(expected)*100)
	collector.Report(os.Stdout)
}

func postEvent(ctx context.Context, client *http.Client, endpoint, key, channelName string, seq int) error {
	now := time.Now()
	body, err := json.Marshal(map[string]interface{}{
		"channel": channelName,
		"event":   chat.EventMessageCreated,
		"data": fanoutPayload{
			MessageCreated: chat.MessageCreated{
				ID:          fmt.Sprintf("loadtest-%d", seq),
				Content:     "loadtest",
				Sender:      chat.Sender{ID: "loadtest", Name: "loadtest"},
				Attachments: []chat.Attachment{},
				CreatedAt:   now,
			},
			SentAtNanos: now.UnixNano(),
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ws.KeyHeader, key)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
