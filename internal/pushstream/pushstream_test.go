package pushstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-mux/broker/memory"
	"github.com/ggoodman/mcp-session-mux/internal/pushstream"
	"github.com/tmaxmax/go-sse"
)

func upgrade(t *testing.T) (*httptest.ResponseRecorder, *sse.Session) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	sess, err := sse.Upgrade(rec, req)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	return rec, sess
}

func TestPumpForwardsUntilEndOfStream(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	stream, err := b.Subscribe(ctx, "ns", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	first, _ := b.Publish(ctx, "ns", []byte(`{"jsonrpc":"2.0","method":"a"}`))
	_, _ = b.Publish(ctx, "ns", []byte(`{"jsonrpc":"2.0","method":"b"}`))
	_ = b.Cleanup(ctx, "ns")

	rec, w := upgrade(t)
	if err := pushstream.Pump(ctx, w, stream, nil, 0); err != nil {
		t.Fatalf("pump: %v", err)
	}

	var got []sse.Event
	for ev, err := range sse.Read(rec.Body, nil) {
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 events got %d", len(got))
	}
	if got[0].Type != pushstream.EventMessage || got[0].LastEventID != first {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if !strings.Contains(got[1].Data, `"method":"b"`) {
		t.Fatalf("unexpected second event data %q", got[1].Data)
	}
}

func TestPumpStopsWhenDone(t *testing.T) {
	b := memory.New()
	stream, err := b.Subscribe(context.Background(), "ns", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	done := make(chan struct{})
	close(done)

	_, w := upgrade(t)
	errc := make(chan error, 1)
	go func() { errc <- pushstream.Pump(context.Background(), w, stream, done, 0) }()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("pump: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not stop after done closed")
	}
}

func TestPumpEmitsKeepAlive(t *testing.T) {
	b := memory.New()
	stream, err := b.Subscribe(context.Background(), "ns", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	rec, w := upgrade(t)
	if err := pushstream.Pump(ctx, w, stream, nil, 20*time.Millisecond); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if !strings.Contains(rec.Body.String(), ":keepalive") && !strings.Contains(rec.Body.String(), ": keepalive") {
		t.Fatalf("no keepalive comment in %q", rec.Body.String())
	}
}
