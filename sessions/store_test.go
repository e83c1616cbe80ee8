package sessions_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-mux/sessions"
	"github.com/sourcegraph/conc"
)

type fakeHandler struct {
	closes atomic.Int32
	err    error
}

func (h *fakeHandler) Close(context.Context) error {
	h.closes.Add(1)
	return h.err
}

func newStore(opts ...sessions.StoreOption) *sessions.Store[*fakeHandler] {
	return sessions.NewStore[*fakeHandler](opts...)
}

func TestStoreBasics(t *testing.T) {
	for _, kind := range sessions.Kinds {
		t.Run(kind.String(), func(t *testing.T) {
			st := newStore()
			h := &fakeHandler{}

			created, err := st.Create("s1", h, kind)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if created.State() != sessions.StateInitializing {
				t.Fatalf("unexpected initial state: %s", created.State())
			}
			if created.Kind() != kind {
				t.Fatalf("unexpected kind: %s", created.Kind())
			}

			got, err := st.Get("s1", kind)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got != created {
				t.Fatalf("get returned a different session")
			}
			if got.Handler() != h {
				t.Fatalf("session rebound to a different handler")
			}
			if st.Count(kind) != 1 {
				t.Fatalf("count: want 1 got %d", st.Count(kind))
			}

			if !st.Remove("s1", kind) {
				t.Fatalf("remove: want true")
			}
			if _, err := st.Get("s1", kind); !errors.Is(err, sessions.ErrSessionNotFound) {
				t.Fatalf("get after remove: want ErrSessionNotFound got %v", err)
			}
			if st.Remove("s1", kind) {
				t.Fatalf("second remove: want false")
			}
			if st.Count(kind) != 0 {
				t.Fatalf("count: want 0 got %d", st.Count(kind))
			}
		})
	}
}

func TestStoreDuplicateAndNamespaces(t *testing.T) {
	st := newStore()

	if _, err := st.Create("same", &fakeHandler{}, sessions.KindModern); err != nil {
		t.Fatalf("create modern: %v", err)
	}
	if _, err := st.Create("same", &fakeHandler{}, sessions.KindModern); !errors.Is(err, sessions.ErrDuplicateSession) {
		t.Fatalf("want ErrDuplicateSession got %v", err)
	}
	if _, err := st.Create("same", &fakeHandler{}, sessions.KindLegacy); err != nil {
		t.Fatalf("legacy namespace must be independent: %v", err)
	}

	modern, _ := st.Get("same", sessions.KindModern)
	legacy, _ := st.Get("same", sessions.KindLegacy)
	if modern == legacy {
		t.Fatalf("namespaces leaked the same session")
	}

	st.Remove("same", sessions.KindModern)
	if _, err := st.Get("same", sessions.KindLegacy); err != nil {
		t.Fatalf("removing modern affected legacy: %v", err)
	}
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	st := newStore()
	if _, err := st.Create("", &fakeHandler{}, sessions.KindModern); !errors.Is(err, sessions.ErrEmptySessionID) {
		t.Fatalf("want ErrEmptySessionID got %v", err)
	}
	if _, err := st.Create("x", &fakeHandler{}, sessions.Kind(42)); !errors.Is(err, sessions.ErrInvalidKind) {
		t.Fatalf("want ErrInvalidKind got %v", err)
	}
	if st.Count(sessions.Kind(42)) != 0 {
		t.Fatalf("unknown kind must count zero")
	}
}

func TestSessionStateMachine(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	h := &fakeHandler{}
	sess, _ := st.Create("s", h, sessions.KindModern)

	if err := sess.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if sess.State() != sessions.StateActive {
		t.Fatalf("want active got %s", sess.State())
	}
	if err := sess.Activate(); !errors.Is(err, sessions.ErrInvalidTransition) {
		t.Fatalf("second activate: want ErrInvalidTransition got %v", err)
	}

	var ran bool
	if err := sess.Do(ctx, func(*fakeHandler) error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("do on active session: ran=%v err=%v", ran, err)
	}

	removed, err := st.Terminate(ctx, "s", sessions.KindModern)
	if !removed || err != nil {
		t.Fatalf("terminate: removed=%v err=%v", removed, err)
	}
	if sess.State() != sessions.StateTerminated {
		t.Fatalf("want terminated got %s", sess.State())
	}
	select {
	case <-sess.Done():
	default:
		t.Fatalf("done channel not closed")
	}
	if err := sess.Do(ctx, func(*fakeHandler) error { return nil }); !errors.Is(err, sessions.ErrSessionTerminated) {
		t.Fatalf("do after terminate: want ErrSessionTerminated got %v", err)
	}
	if err := sess.Activate(); !errors.Is(err, sessions.ErrSessionTerminated) {
		t.Fatalf("activate after terminate: want ErrSessionTerminated got %v", err)
	}
	if n := h.closes.Load(); n != 1 {
		t.Fatalf("handler closed %d times", n)
	}
}

func TestTerminateRacingPathsClosesOnce(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	h := &fakeHandler{}
	if _, err := st.Create("race", h, sessions.KindLegacy); err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg      conc.WaitGroup
		removed atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Go(func() {
			ok, _ := st.Terminate(ctx, "race", sessions.KindLegacy)
			if ok {
				removed.Add(1)
			}
		})
	}
	wg.Wait()

	if removed.Load() != 1 {
		t.Fatalf("exactly one terminate should remove, got %d", removed.Load())
	}
	if h.closes.Load() != 1 {
		t.Fatalf("handler closed %d times", h.closes.Load())
	}
}

func TestTerminateWaitsForInFlightWork(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	h := &fakeHandler{}
	sess, _ := st.Create("busy", h, sessions.KindModern)
	_ = sess.Activate()

	entered := make(chan struct{})
	release := make(chan struct{})
	doErr := make(chan error, 1)
	go func() {
		doErr <- sess.Do(ctx, func(*fakeHandler) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	terminated := make(chan struct{})
	go func() {
		_, _ = st.Terminate(ctx, "busy", sessions.KindModern)
		close(terminated)
	}()

	select {
	case <-terminated:
		t.Fatalf("terminate returned while work was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if h.closes.Load() != 0 {
		t.Fatalf("handler closed during in-flight work")
	}

	close(release)
	<-terminated
	if err := <-doErr; err != nil {
		t.Fatalf("in-flight do: %v", err)
	}
	if h.closes.Load() != 1 {
		t.Fatalf("handler closed %d times", h.closes.Load())
	}
}

func TestDoHonorsContextWhileWaiting(t *testing.T) {
	st := newStore()
	sess, _ := st.Create("s", &fakeHandler{}, sessions.KindModern)
	_ = sess.Activate()

	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = sess.Do(context.Background(), func(*fakeHandler) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sess.Do(ctx, func(*fakeHandler) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded got %v", err)
	}
}

func TestCountMatchesLiveSessionsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	st := newStore()

	const n = 200
	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		kind := sessions.Kinds[i%len(sessions.Kinds)]
		id := fmt.Sprintf("s-%d", i)
		wg.Go(func() {
			if _, err := st.Create(id, &fakeHandler{}, kind); err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
			if i%3 == 0 {
				_, _ = st.Terminate(ctx, id, kind)
			}
		})
	}
	wg.Wait()

	var wantModern, wantLegacy int
	for i := 0; i < n; i++ {
		if i%3 == 0 {
			continue
		}
		if sessions.Kinds[i%len(sessions.Kinds)] == sessions.KindModern {
			wantModern++
		} else {
			wantLegacy++
		}
	}
	if got := st.Count(sessions.KindModern); got != wantModern {
		t.Fatalf("modern count: want %d got %d", wantModern, got)
	}
	if got := st.Count(sessions.KindLegacy); got != wantLegacy {
		t.Fatalf("legacy count: want %d got %d", wantLegacy, got)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	const n = 1000
	seen := make(map[string]struct{}, n)
	var mu sync.Mutex
	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		wg.Go(func() {
			id := sessions.NewID()
			mu.Lock()
			defer mu.Unlock()
			seen[id] = struct{}{}
		})
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("want %d distinct ids got %d", n, len(seen))
	}
}

func TestSweepReclaimsIdleUnretainedSessions(t *testing.T) {
	ctx := context.Background()
	var now atomic.Int64
	now.Store(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	st := newStore(sessions.WithClock(clock), sessions.WithSweepWorkers(2))
	idle := &fakeHandler{}
	held := &fakeHandler{}
	fresh := &fakeHandler{}

	_, _ = st.Create("idle", idle, sessions.KindModern)
	heldSess, _ := st.Create("held", held, sessions.KindLegacy)
	release := heldSess.Retain()
	defer release()

	now.Add(int64(10 * time.Minute))
	freshSess, _ := st.Create("fresh", fresh, sessions.KindModern)
	freshSess.Touch()

	swept, err := st.Sweep(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("want 1 swept got %d", swept)
	}
	if idle.closes.Load() != 1 {
		t.Fatalf("idle session not closed")
	}
	if held.closes.Load() != 0 || fresh.closes.Load() != 0 {
		t.Fatalf("retained or fresh session was reclaimed")
	}
	if _, err := st.Get("idle", sessions.KindModern); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("idle session still registered")
	}
}

func TestTerminateAllAggregatesErrors(t *testing.T) {
	st := newStore()
	boom := errors.New("boom")
	_, _ = st.Create("a", &fakeHandler{err: boom}, sessions.KindModern)
	_, _ = st.Create("b", &fakeHandler{}, sessions.KindLegacy)

	err := st.TerminateAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("want aggregated boom got %v", err)
	}
	if st.Count(sessions.KindModern)+st.Count(sessions.KindLegacy) != 0 {
		t.Fatalf("sessions left after TerminateAll")
	}
}

func TestObserverSeesEachTransitionOnce(t *testing.T) {
	var mu sync.Mutex
	var got []sessions.Change
	st := newStore(sessions.WithObserver(func(c sessions.Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}))
	ctx := context.Background()

	if _, err := st.Create("a", &fakeHandler{}, sessions.KindModern); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Create("b", &fakeHandler{}, sessions.KindLegacy); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Create("a", &fakeHandler{}, sessions.KindModern); !errors.Is(err, sessions.ErrDuplicateSession) {
		t.Fatalf("want duplicate error got %v", err)
	}
	_, _ = st.Terminate(ctx, "a", sessions.KindModern)
	_, _ = st.Terminate(ctx, "a", sessions.KindModern)
	_ = st.TerminateAll(ctx)

	want := []sessions.Change{
		{Event: sessions.EventCreated, Kind: sessions.KindModern, ID: "a"},
		{Event: sessions.EventCreated, Kind: sessions.KindLegacy, ID: "b"},
		{Event: sessions.EventTerminated, Kind: sessions.KindModern, ID: "a", Cause: sessions.CauseRequested},
		{Event: sessions.EventTerminated, Kind: sessions.KindLegacy, ID: "b", Cause: sessions.CauseShutdown},
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("want %v got %v", want, got)
	}
}

// touchingHandler refreshes another session when it is closed, which lands
// activity between the sweep's scan and its removal of that session.
type touchingHandler struct {
	fakeHandler
	other *sessions.Session[*touchingHandler]
}

func (h *touchingHandler) Close(ctx context.Context) error {
	if h.other != nil {
		h.other.Touch()
	}
	return h.fakeHandler.Close(ctx)
}

func TestSweepRechecksStalenessBeforeRemoval(t *testing.T) {
	ctx := context.Background()
	var now atomic.Int64
	now.Store(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	var (
		mu      sync.Mutex
		reasons []sessions.Cause
	)
	st := sessions.NewStore[*touchingHandler](
		sessions.WithClock(clock),
		sessions.WithSweepWorkers(1),
		sessions.WithObserver(func(c sessions.Change) {
			if c.Event == sessions.EventTerminated {
				mu.Lock()
				reasons = append(reasons, c.Cause)
				mu.Unlock()
			}
		}),
	)
	ha, hb := &touchingHandler{}, &touchingHandler{}
	a, _ := st.Create("a", ha, sessions.KindModern)
	b, _ := st.Create("b", hb, sessions.KindModern)
	ha.other, hb.other = b, a

	now.Add(int64(10 * time.Minute))

	// Both are stale when scanned. Whichever is reclaimed first touches the
	// other, which must then survive.
	swept, err := st.Sweep(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("want 1 swept got %d", swept)
	}
	if n := st.Count(sessions.KindModern); n != 1 {
		t.Fatalf("want 1 surviving session got %d", n)
	}
	if got := ha.closes.Load() + hb.closes.Load(); got != 1 {
		t.Fatalf("want exactly 1 close got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != sessions.CauseIdle {
		t.Fatalf("unexpected termination causes %v", reasons)
	}
}

func TestSweepKeepsSessionRetainedAfterScan(t *testing.T) {
	ctx := context.Background()
	var now atomic.Int64
	now.Store(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	st := sessions.NewStore[*retainingHandler](sessions.WithClock(clock), sessions.WithSweepWorkers(1))
	ha, hb := &retainingHandler{}, &retainingHandler{}
	a, _ := st.Create("a", ha, sessions.KindLegacy)
	b, _ := st.Create("b", hb, sessions.KindLegacy)
	ha.other, hb.other = b, a

	now.Add(int64(10 * time.Minute))

	swept, err := st.Sweep(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 || st.Count(sessions.KindLegacy) != 1 {
		t.Fatalf("want 1 swept and 1 kept, got swept=%d kept=%d", swept, st.Count(sessions.KindLegacy))
	}
}

// retainingHandler places a hold on another session when it is closed.
type retainingHandler struct {
	fakeHandler
	other *sessions.Session[*retainingHandler]
}

func (h *retainingHandler) Close(ctx context.Context) error {
	if h.other != nil {
		h.other.Retain()
	}
	return h.fakeHandler.Close(ctx)
}
