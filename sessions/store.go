package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/pool"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrDuplicateSession  = errors.New("duplicate session id")
	ErrSessionTerminated = errors.New("session terminated")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrInvalidKind       = errors.New("invalid session kind")
	ErrEmptySessionID    = errors.New("empty session id")
)

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	now          func() time.Time
	sweepWorkers int
	observer     Observer
}

// Event is a session lifecycle transition reported to an Observer.
type Event uint8

const (
	EventCreated Event = iota
	EventTerminated
)

// Cause records why a session was terminated.
type Cause uint8

const (
	CauseRequested Cause = iota
	CauseIdle
	CauseShutdown
)

func (c Cause) String() string {
	switch c {
	case CauseIdle:
		return "idle"
	case CauseShutdown:
		return "shutdown"
	default:
		return "requested"
	}
}

// Change describes one lifecycle transition. Cause is only meaningful for
// EventTerminated.
type Change struct {
	Event Event
	Kind  Kind
	ID    string
	Cause Cause
}

// Observer is notified after a session is registered or terminated. It is
// called outside the registry lock and must not block.
type Observer func(c Change)

// WithObserver registers o for lifecycle events.
func WithObserver(o Observer) StoreOption {
	return func(c *storeConfig) { c.observer = o }
}

// WithClock overrides the clock used for session timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) { c.now = now }
}

// WithSweepWorkers bounds how many sessions Sweep terminates concurrently.
func WithSweepWorkers(n int) StoreOption {
	return func(c *storeConfig) {
		if n > 0 {
			c.sweepWorkers = n
		}
	}
}

// Store is a concurrency-safe registry of sessions, one namespace per Kind.
type Store[H Handler] struct {
	cfg storeConfig

	mu         sync.RWMutex
	namespaces [kindCount]map[string]*Session[H]
}

// NewStore constructs an empty Store.
func NewStore[H Handler](opts ...StoreOption) *Store[H] {
	cfg := storeConfig{now: time.Now, sweepWorkers: 8}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Store[H]{cfg: cfg}
	for i := range s.namespaces {
		s.namespaces[i] = make(map[string]*Session[H])
	}
	return s
}

// Create registers a new Initializing session bound to handler.
func (s *Store[H]) Create(id string, handler H, kind Kind) (*Session[H], error) {
	if !kind.valid() {
		return nil, ErrInvalidKind
	}
	if id == "" {
		return nil, ErrEmptySessionID
	}

	s.mu.Lock()
	ns := s.namespaces[kind]
	if _, exists := ns[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateSession, kind, id)
	}
	sess := newSession(id, kind, handler, s.cfg.now)
	ns[id] = sess
	s.mu.Unlock()

	s.notify(Change{Event: EventCreated, Kind: kind, ID: id})
	return sess, nil
}

// Get looks up a session by id within the kind's namespace.
func (s *Store[H]) Get(id string, kind Kind) (*Session[H], error) {
	if !kind.valid() {
		return nil, ErrInvalidKind
	}

	s.mu.RLock()
	sess, ok := s.namespaces[kind][id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Remove deletes the session from the registry without terminating it. It
// reports whether anything was removed and is safe to call repeatedly.
func (s *Store[H]) Remove(id string, kind Kind) bool {
	_, ok := s.take(id, kind, nil)
	return ok
}

// Count returns the number of registered sessions of the given kind.
func (s *Store[H]) Count(kind Kind) int {
	if !kind.valid() {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[kind])
}

// Terminate removes the session and closes its handler. removed is false if
// the id was already absent; in that case nothing is closed. The returned
// error is the handler's close error, which callers treat as best-effort.
func (s *Store[H]) Terminate(ctx context.Context, id string, kind Kind) (removed bool, err error) {
	sess, ok := s.take(id, kind, nil)
	if !ok {
		return false, nil
	}
	err = sess.terminate(ctx)
	s.notify(Change{Event: EventTerminated, Kind: kind, ID: id, Cause: CauseRequested})
	return true, err
}

// Sweep terminates every unretained session whose last activity is older
// than idle and returns how many were reclaimed. Staleness is re-checked
// under the registry lock immediately before removal, so a session touched
// or retained after the scan is kept.
func (s *Store[H]) Sweep(ctx context.Context, idle time.Duration) (int, error) {
	cutoff := s.cfg.now().Add(-idle)
	stillStale := func(sess *Session[H]) bool {
		return !sess.retained() && sess.LastActive().Before(cutoff)
	}

	type key struct {
		id   string
		kind Kind
	}
	var stale []key

	s.mu.RLock()
	for _, kind := range Kinds {
		for id, sess := range s.namespaces[kind] {
			if stillStale(sess) {
				stale = append(stale, key{id: id, kind: kind})
			}
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return 0, nil
	}

	var (
		mu    sync.Mutex
		swept int
		errs  *multierror.Error
	)
	p := pool.New().WithMaxGoroutines(s.cfg.sweepWorkers)
	for _, k := range stale {
		p.Go(func() {
			sess, ok := s.take(k.id, k.kind, stillStale)
			if !ok {
				return
			}
			err := sess.terminate(ctx)
			s.notify(Change{Event: EventTerminated, Kind: k.kind, ID: k.id, Cause: CauseIdle})

			mu.Lock()
			defer mu.Unlock()
			swept++
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("terminate %s/%s: %w", k.kind, k.id, err))
			}
		})
	}
	p.Wait()

	return swept, errs.ErrorOrNil()
}

// TerminateAll terminates every registered session.
func (s *Store[H]) TerminateAll(ctx context.Context) error {
	var all []*Session[H]

	s.mu.Lock()
	for i := range s.namespaces {
		for _, sess := range s.namespaces[i] {
			all = append(all, sess)
		}
		s.namespaces[i] = make(map[string]*Session[H])
	}
	s.mu.Unlock()

	var errs *multierror.Error
	for _, sess := range all {
		if err := sess.terminate(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("terminate %s/%s: %w", sess.kind, sess.id, err))
		}
		s.notify(Change{Event: EventTerminated, Kind: sess.kind, ID: sess.id, Cause: CauseShutdown})
	}
	return errs.ErrorOrNil()
}

// take removes the session if it is registered and, when cond is non-nil,
// cond holds for it under the registry lock.
func (s *Store[H]) take(id string, kind Kind, cond func(*Session[H]) bool) (*Session[H], bool) {
	if !kind.valid() {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.namespaces[kind][id]
	if !ok || (cond != nil && !cond(sess)) {
		return nil, false
	}
	delete(s.namespaces[kind], id)
	return sess, true
}

func (s *Store[H]) notify(c Change) {
	if s.cfg.observer != nil {
		s.cfg.observer(c)
	}
}
