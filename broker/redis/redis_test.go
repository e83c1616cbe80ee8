package redis_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/ggoodman/mcp-session-mux/broker/brokertest"
	redisbroker "github.com/ggoodman/mcp-session-mux/broker/redis"
	"github.com/redis/go-redis/v9"
)

func TestRedisBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		return redisbroker.New(redisbroker.Config{
			Client:    client,
			KeyPrefix: "test:broker:",
			Block:     50 * time.Millisecond,
		})
	})
}

func TestCleanupSetsRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := redisbroker.New(redisbroker.Config{Client: client, KeyPrefix: "p:", Retention: time.Minute})
	ctx := t.Context()

	if _, err := b.Publish(ctx, "ns", []byte(`{"jsonrpc":"2.0","method":"x"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Cleanup(ctx, "ns"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if ttl := mr.TTL("p:stream:ns"); ttl != time.Minute {
		t.Fatalf("want retention of 1m got %s", ttl)
	}
	if ttl := mr.TTL("p:closed:ns"); ttl != time.Minute {
		t.Fatalf("want closed marker retention of 1m got %s", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if mr.Exists("p:stream:ns") || mr.Exists("p:closed:ns") {
		t.Fatalf("namespace outlived retention")
	}
}
