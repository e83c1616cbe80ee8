// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for message delivery. It is suitable for
// single-node deployments and tests.
package memory

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
)

const (
	defaultHistoryLimit = 256
	defaultBufferSize   = 128
	defaultRetention    = 30 * time.Second
)

// Option configures a memory Broker.
type Option func(*Broker)

// WithHistoryLimit bounds how many past messages each namespace retains for
// resumption. A non-positive value is ignored.
func WithHistoryLimit(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// WithBufferSize sets the per-subscriber buffer. Subscribers that fall more
// than this many messages behind are dropped with broker.ErrSlowConsumer.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithRetention sets how long a cleaned-up namespace keeps rejecting
// Publish and Subscribe with broker.ErrNamespaceClosed. A non-positive value
// is ignored.
func WithRetention(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.retention = d
		}
	}
}

// Broker implements broker.Broker with process-local state.
type Broker struct {
	historyLimit int
	bufferSize   int
	retention    time.Duration
	now          func() time.Time

	mu           sync.Mutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
}

type namespace struct {
	mu          sync.Mutex
	messages    []broker.MessageEnvelope
	subscribers map[*subscription]struct{}

	// closed is set by Cleanup under mu and never cleared. The entry stays
	// in Broker.namespaces until closedAt is older than the retention.
	closed   bool
	closedAt time.Time
}

type subscription struct {
	ns   *namespace
	ch   chan broker.MessageEnvelope
	done chan struct{}

	closeOnce sync.Once
	err       error
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		historyLimit: defaultHistoryLimit,
		bufferSize:   defaultBufferSize,
		retention:    defaultRetention,
		now:          time.Now,
		namespaces:   make(map[string]*namespace),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[*subscription]struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, message jsonrpc.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ns := b.namespace(name)
	envelope := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), message...),
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return "", broker.ErrNamespaceClosed
	}

	ns.messages = append(ns.messages, envelope)
	if over := len(ns.messages) - b.historyLimit; over > 0 {
		ns.messages = append(ns.messages[:0:0], ns.messages[over:]...)
	}

	for sub := range ns.subscribers {
		select {
		case sub.ch <- envelope:
		default:
			delete(ns.subscribers, sub)
			sub.finish(broker.ErrSlowConsumer)
		}
	}

	return envelope.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ns := b.namespace(name)
	sub := &subscription{
		ns:   ns,
		ch:   make(chan broker.MessageEnvelope, b.bufferSize),
		done: make(chan struct{}),
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return nil, broker.ErrNamespaceClosed
	}

	if lastEventID != "" {
		for i, msg := range ns.messages {
			if msg.ID != lastEventID {
				continue
			}
			for _, replay := range ns.messages[i+1:] {
				select {
				case sub.ch <- replay:
				default:
					return nil, broker.ErrSlowConsumer
				}
			}
			break
		}
	}

	ns.subscribers[sub] = struct{}{}
	return sub, nil
}

// Cleanup implements broker.Broker. The namespace is marked closed even if
// it was never used, so a Subscribe that loses a race with Cleanup fails
// instead of reopening it.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	now := b.now()
	ns := b.namespace(name)

	ns.mu.Lock()
	if !ns.closed {
		ns.closed = true
		ns.closedAt = now
		for sub := range ns.subscribers {
			sub.finish(io.EOF)
		}
		ns.subscribers = nil
		ns.messages = nil
	}
	ns.mu.Unlock()

	b.pruneClosed(now)
	return nil
}

// pruneClosed forgets namespaces closed longer than the retention ago.
func (b *Broker) pruneClosed(now time.Time) {
	cutoff := now.Add(-b.retention)

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ns := range b.namespaces {
		ns.mu.Lock()
		expired := ns.closed && ns.closedAt.Before(cutoff)
		ns.mu.Unlock()
		if expired {
			delete(b.namespaces, name)
		}
	}
}

// Len reports how many open namespaces exist.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, ns := range b.namespaces {
		ns.mu.Lock()
		if !ns.closed {
			n++
		}
		ns.mu.Unlock()
	}
	return n
}

func (s *subscription) finish(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Next implements broker.MessageStream. Buffered messages are drained before
// a terminal error is reported.
func (s *subscription) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
		}
		return broker.MessageEnvelope{}, s.err
	case <-ctx.Done():
		return broker.MessageEnvelope{}, ctx.Err()
	}
}

// Close implements broker.MessageStream.
func (s *subscription) Close() error {
	s.ns.mu.Lock()
	if s.ns.subscribers != nil {
		delete(s.ns.subscribers, s)
	}
	s.ns.mu.Unlock()

	s.finish(broker.ErrStreamClosed)
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)
