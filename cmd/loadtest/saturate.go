package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/TNortnern/reusable-chat/internal/loadtest"
)

// runSaturate opens the requested number of connections, ramping up over a
// configurable duration, then holds them open while reporting drops. It finds
// the connection capacity at which the server starts rejecting or dropping
// connections.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to sign handshake tokens")
	issuer := fs.String("issuer", os.Getenv("JWT_ISSUER"), "JWT issuer")
	workspace := fs.String("workspace", "", "workspace id of the simulated chat users")
	users := fs.String("users", "", "comma-separated chat user ids, assigned round-robin")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	tokens, err := newTokenSource(*secret, *issuer, *workspace, *users)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	clients := rampUp(ctx, tokens, *url, *connections, *ramp, *concurrency, collector, nil)

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		initial := len(clients)
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := countAlive(clients)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, initial-alive)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	closeAll(clients)
	collector.Report(os.Stdout)
}

// rampUp opens n connections at an even pace bounded by concurrency. setup,
// when non-nil, runs on each client after realtime:connected.
func rampUp(ctx context.Context, tokens *tokenSource, url string, n int, ramp time.Duration, concurrency int,
	collector *loadtest.Collector, setup func(i int, c *loadtest.Client) error) []*loadtest.Client {

	fmt.Println("\n--- Ramp-up phase ---")
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*loadtest.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), n, collector.ErrorCount())
			case <-progressDone:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			u, err := tokens.url(url, i)
			if err != nil {
				collector.AddError()
				return
			}
			c, err := loadtest.Dial(connCtx, u)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitConnected(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			if setup != nil {
				if err := setup(i, c); err != nil {
					collector.AddError()
					c.Close()
					return
				}
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	close(progressDone)

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients
}

func countAlive(clients []*loadtest.Client) int {
	alive := 0
	for _, c := range clients {
		if c.Alive() {
			alive++
		}
	}
	return alive
}

func closeAll(clients []*loadtest.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
