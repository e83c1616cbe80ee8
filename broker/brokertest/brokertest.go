// Package brokertest is a conformance suite for broker.Broker implementations.
package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAfterSubscribe", func(t *testing.T) {
		testPublishAfterSubscribe(t, factory)
	})
	t.Run("OrderedDelivery", func(t *testing.T) {
		testOrderedDelivery(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("NextHonorsContext", func(t *testing.T) {
		testNextHonorsContext(t, factory)
	})
	t.Run("CleanupEndsStream", func(t *testing.T) {
		testCleanupEndsStream(t, factory)
	})
	t.Run("ClosedNamespaceRejectsUse", func(t *testing.T) {
		testClosedNamespaceRejectsUse(t, factory)
	})
}

func testMessage(t *testing.T, n int) jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.NewNotification("notifications/message", map[string]any{"seq": n})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return msg
}

func seqOf(t *testing.T, env broker.MessageEnvelope) int {
	t.Helper()
	var req struct {
		Params struct {
			Seq int `json:"seq"`
		} `json:"params"`
	}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		t.Fatalf("decode envelope %s: %v", env.ID, err)
	}
	return req.Params.Seq
}

func namespace(t *testing.T, suffix string) string {
	return fmt.Sprintf("%s-%s-%d", t.Name(), suffix, time.Now().UnixNano())
}

func mustNext(t *testing.T, s broker.MessageStream) broker.MessageEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return env
}

func testPublishAfterSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()
	ns := namespace(t, "a")

	s, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	id, err := b.Publish(ctx, ns, testMessage(t, 1))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty event id")
	}

	env := mustNext(t, s)
	if env.ID != id {
		t.Fatalf("want event id %s got %s", id, env.ID)
	}
	if got := seqOf(t, env); got != 1 {
		t.Fatalf("want seq 1 got %d", got)
	}
}

func testOrderedDelivery(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()
	ns := namespace(t, "a")

	s, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, ns, testMessage(t, i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if got := seqOf(t, mustNext(t, s)); got != i {
			t.Fatalf("out of order: want %d got %d", i, got)
		}
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()
	ns := namespace(t, "a")

	first, err := b.Publish(ctx, ns, testMessage(t, 1))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, ns, testMessage(t, 2)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, ns, testMessage(t, 3)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	s, err := b.Subscribe(ctx, ns, first)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	if got := seqOf(t, mustNext(t, s)); got != 2 {
		t.Fatalf("want seq 2 got %d", got)
	}
	if got := seqOf(t, mustNext(t, s)); got != 3 {
		t.Fatalf("want seq 3 got %d", got)
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()
	nsA := namespace(t, "a")
	nsB := namespace(t, "b")

	sa, err := b.Subscribe(ctx, nsA, "")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer sa.Close()
	sb, err := b.Subscribe(ctx, nsB, "")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer sb.Close()

	if _, err := b.Publish(ctx, nsA, testMessage(t, 100)); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := b.Publish(ctx, nsB, testMessage(t, 200)); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	if got := seqOf(t, mustNext(t, sa)); got != 100 {
		t.Fatalf("namespace a received %d", got)
	}
	if got := seqOf(t, mustNext(t, sb)); got != 200 {
		t.Fatalf("namespace b received %d", got)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if env, err := sa.Next(shortCtx); err == nil {
		t.Fatalf("namespace a observed unexpected message %s", env.Data)
	}
}

func testNextHonorsContext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := namespace(t, "a")

	s, err := b.Subscribe(context.Background(), ns, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = s.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("next did not return promptly after cancellation")
	}
}

func testCleanupEndsStream(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()
	ns := namespace(t, "a")

	s, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	if err := b.Cleanup(ctx, ns); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	nextCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.Next(nextCtx); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF after cleanup got %v", err)
	}

	if err := b.Cleanup(ctx, namespace(t, "missing")); err != nil {
		t.Fatalf("cleanup of unknown namespace: %v", err)
	}
}

func testClosedNamespaceRejectsUse(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()

	used := namespace(t, "used")
	first, err := b.Publish(ctx, used, testMessage(t, 1))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	unused := namespace(t, "unused")

	for _, ns := range []string{used, unused} {
		if err := b.Cleanup(ctx, ns); err != nil {
			t.Fatalf("cleanup %s: %v", ns, err)
		}
		if _, err := b.Subscribe(ctx, ns, ""); !errors.Is(err, broker.ErrNamespaceClosed) {
			t.Fatalf("subscribe after cleanup: want ErrNamespaceClosed got %v", err)
		}
		if _, err := b.Publish(ctx, ns, testMessage(t, 2)); !errors.Is(err, broker.ErrNamespaceClosed) {
			t.Fatalf("publish after cleanup: want ErrNamespaceClosed got %v", err)
		}
	}

	if _, err := b.Subscribe(ctx, used, first); !errors.Is(err, broker.ErrNamespaceClosed) {
		t.Fatalf("resume after cleanup: want ErrNamespaceClosed got %v", err)
	}
	if err := b.Cleanup(ctx, used); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}
