package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TNortnern/reusable-chat/internal/channel"
)

// newTestStore requires a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		for _, pattern := range []string{ConnPrefix + "test_*", PresencePrefix + "*:test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
		client.Close()
	})
	return NewStore(client, "node-a")
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := channel.ChatUser("test_u1", "w1")

	if err := store.Create(ctx, "test_c1", p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	rec, err := store.Get(ctx, "test_c1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Kind != "chat_user" || rec.PrincipalID != "test_u1" || rec.WorkspaceID != "w1" || rec.Server != "node-a" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil, got %+v", rec)
	}
}

func TestOnlineUntilLastConnectionLeaves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := channel.Admin("test_a1")

	store.Create(ctx, "test_c2", p)
	store.Create(ctx, "test_c3", p)

	conns, _ := store.Connections(ctx, p)
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %v", conns)
	}

	store.Delete(ctx, "test_c2", p)
	if online, _ := store.IsOnline(ctx, p); !online {
		t.Fatal("expected online with one connection left")
	}

	store.Delete(ctx, "test_c3", p)
	if online, _ := store.IsOnline(ctx, p); online {
		t.Fatal("expected offline after last connection left")
	}
}

func TestTouchRefreshesTTL(t *testing.T) {
	store := newTestStore(t).WithTTL(5 * time.Second)
	ctx := context.Background()
	p := channel.ChatUser("test_u2", "w1")

	store.Create(ctx, "test_c4", p)
	store.client.Expire(ctx, ConnPrefix+"test_c4", time.Second)

	if err := store.Touch(ctx, "test_c4", p); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	ttl, err := store.client.TTL(ctx, ConnPrefix+"test_c4").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= time.Second {
		t.Fatalf("expected TTL refreshed past 1s, got %v", ttl)
	}
}
