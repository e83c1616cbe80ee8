// Package pushstream copies a session's push channel onto an open
// Server-Sent Events connection. Both transports use it for their
// long-lived streams.
package pushstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/tmaxmax/go-sse"
)

const (
	// EventMessage is the SSE event type carrying a JSON-RPC message.
	EventMessage = "message"

	// EventEndpoint is the SSE event type announcing the legacy send URL.
	EventEndpoint = "endpoint"
)

// Send writes one event of type typ and flushes it.
func Send(w *sse.Session, typ, id, data string) error {
	msg := sse.Message{Type: sse.Type(typ)}
	if id != "" {
		eid, err := sse.NewID(id)
		if err != nil {
			return fmt.Errorf("invalid event id %q: %w", id, err)
		}
		msg.ID = eid
	}
	msg.AppendData(data)
	if err := w.Send(&msg); err != nil {
		return err
	}
	return w.Flush()
}

// Comment writes a comment frame and flushes it. Clients ignore comments, so
// they serve to commit headers and keep idle connections alive.
func Comment(w *sse.Session, text string) error {
	var msg sse.Message
	msg.AppendComment(text)
	if err := w.Send(&msg); err != nil {
		return err
	}
	return w.Flush()
}

// Pump forwards envelopes from stream to w as message events until ctx ends,
// done is closed or the stream reports end-of-stream. Those endings return
// nil. A positive keepAlive emits a comment frame whenever the stream has
// been idle that long. w is only written from the calling goroutine.
func Pump(ctx context.Context, w *sse.Session, stream broker.MessageStream, done <-chan struct{}, keepAlive time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	envs := make(chan broker.MessageEnvelope)
	errc := make(chan error, 1)
	go func() {
		for {
			env, err := stream.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case envs <- env:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	var tick <-chan time.Time
	if keepAlive > 0 {
		t := time.NewTicker(keepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case env := <-envs:
			if err := Send(w, EventMessage, env.ID, string(env.Data)); err != nil {
				return fmt.Errorf("write event %s: %w", env.ID, err)
			}
		case err := <-errc:
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		case <-tick:
			if err := Comment(w, "keepalive"); err != nil {
				return fmt.Errorf("write keepalive: %w", err)
			}
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
