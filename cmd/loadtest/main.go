// Command loadtest drives load against a realtime server. Subcommands:
//
//   - saturate: open N idle authenticated connections and hold them
//   - fanout:   subscribe N connections to one conversation and measure
//     publish-to-delivery latency for events posted to the internal API
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/TNortnern/reusable-chat/internal/auth"
	"github.com/TNortnern/reusable-chat/internal/channel"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "fanout":
		runFanout(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  fanout      Fan-out latency test: N subscribers, events via /internal/events")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// tokenSource signs handshake tokens for a rotating set of chat users.
type tokenSource struct {
	verifier  *auth.Verifier
	workspace string
	users     []string
}

func newTokenSource(secret, issuer, workspace, users string) (*tokenSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("a JWT secret is required (-secret or JWT_SECRET)")
	}
	var ids []string
	for _, u := range strings.Split(users, ",") {
		if u = strings.TrimSpace(u); u != "" {
			ids = append(ids, u)
		}
	}
	if len(ids) == 0 || workspace == "" {
		return nil, fmt.Errorf("-workspace and at least one -users id are required")
	}
	return &tokenSource{
		verifier:  auth.NewVerifier(secret, time.Hour, issuer),
		workspace: workspace,
		users:     ids,
	}, nil
}

// url returns the WebSocket URL for the i-th connection.
func (ts *tokenSource) url(base string, i int) (string, error) {
	tok, err := ts.verifier.Issue(channel.ChatUser(ts.users[i%len(ts.users)], ts.workspace))
	if err != nil {
		return "", err
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + tok, nil
}
