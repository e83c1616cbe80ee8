package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler is the protocol-handler instance bound to a session. The session
// owns it exclusively and closes it exactly once on termination.
type Handler interface {
	Close(ctx context.Context) error
}

// Kind identifies the transport variant that created a session.
type Kind uint8

const (
	KindModern Kind = iota
	KindLegacy

	kindCount
)

// Kinds lists every transport kind.
var Kinds = [...]Kind{KindModern, KindLegacy}

func (k Kind) String() string {
	switch k {
	case KindModern:
		return "modern"
	case KindLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool { return k < kindCount }

// State is the lifecycle state of a session.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// NewID returns a fresh random session identifier (UUIDv4, crypto/rand).
func NewID() string {
	return uuid.NewString()
}

// Session is one client conversation. It is safe for concurrent use.
type Session[H Handler] struct {
	id        string
	kind      Kind
	createdAt time.Time
	handler   H
	now       func() time.Time

	// lock is the per-session execution lock; a channel so waiters can
	// give up when their request context ends.
	lock chan struct{}

	state      atomic.Int32
	lastActive atomic.Int64
	holds      atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession[H Handler](id string, kind Kind, handler H, now func() time.Time) *Session[H] {
	created := now()
	s := &Session[H]{
		id:        id,
		kind:      kind,
		createdAt: created,
		handler:   handler,
		now:       now,
		lock:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateInitializing))
	s.lastActive.Store(created.UnixNano())
	return s
}

func (s *Session[H]) ID() string           { return s.id }
func (s *Session[H]) Kind() Kind           { return s.kind }
func (s *Session[H]) CreatedAt() time.Time { return s.createdAt }
func (s *Session[H]) Handler() H           { return s.handler }
func (s *Session[H]) State() State         { return State(s.state.Load()) }

// Done is closed once the session has terminated.
func (s *Session[H]) Done() <-chan struct{} { return s.done }

// LastActive is the time of the most recent Touch.
func (s *Session[H]) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Touch records activity on the session.
func (s *Session[H]) Touch() {
	s.lastActive.Store(s.now().UnixNano())
}

// Retain marks the session as held open by a long-lived connection. Held
// sessions are never reclaimed by the idle sweeper. The returned func
// releases the hold and is safe to call more than once.
func (s *Session[H]) Retain() (release func()) {
	s.holds.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.holds.Add(-1) })
	}
}

func (s *Session[H]) retained() bool { return s.holds.Load() > 0 }

// Activate moves the session from Initializing to Active.
func (s *Session[H]) Activate() error {
	if s.state.CompareAndSwap(int32(StateInitializing), int32(StateActive)) {
		return nil
	}
	if s.State() == StateTerminated {
		return ErrSessionTerminated
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State(), StateActive)
}

// Do runs fn while holding the session's execution lock. It fails with
// ErrSessionTerminated once the session has terminated, and with the
// context's error if ctx ends while waiting for the lock.
func (s *Session[H]) Do(ctx context.Context, fn func(h H) error) error {
	select {
	case s.lock <- struct{}{}:
	case <-s.done:
		return ErrSessionTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.lock }()

	if s.State() == StateTerminated {
		return ErrSessionTerminated
	}
	s.Touch()
	return fn(s.handler)
}

// terminate transitions to Terminated and closes the handler. Only the first
// call does any work; later calls return the first call's error.
func (s *Session[H]) terminate(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateTerminated))
		close(s.done)

		// Wait for any in-flight Do to drain before releasing the handler.
		s.lock <- struct{}{}
		defer func() { <-s.lock }()

		s.closeErr = s.handler.Close(ctx)
	})
	return s.closeErr
}
