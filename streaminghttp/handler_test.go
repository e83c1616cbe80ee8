package streaminghttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-mux/broker/memory"
	"github.com/ggoodman/mcp-session-mux/internal/dispatch"
	"github.com/ggoodman/mcp-session-mux/internal/engine"
	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-mux/mcp"
	"github.com/ggoodman/mcp-session-mux/mcpservice"
	"github.com/ggoodman/mcp-session-mux/sessions"
	"github.com/ggoodman/mcp-session-mux/streaminghttp"
	"github.com/sourcegraph/conc/pool"
	"github.com/tmaxmax/go-sse"
)

const initBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`

const echoBody = `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`

func TestScenarioInitializeCallDelete(t *testing.T) {
	ts := mustServer(t)

	resp, body := mustPost(t, ts, "", initBody)
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("initialize: want status %d got %d: %s", want, got, body)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("missing Mcp-Session-Id header")
	}
	if got := resp.Header.Get("Mcp-Protocol-Version"); got != "2025-03-26" {
		t.Fatalf("unexpected negotiated version %q", got)
	}
	var initRes mcp.InitializeResult
	mustResult(t, body, &initRes)
	if initRes.Capabilities.Tools == nil {
		t.Fatalf("tools capability not advertised")
	}

	resp, body = mustPost(t, ts, sessID, echoBody)
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("tools/call: want status %d got %d: %s", want, got, body)
	}
	var callRes mcp.CallToolResult
	mustResult(t, body, &callRes)
	if len(callRes.Content) != 1 || callRes.Content[0].Text != "hi" {
		t.Fatalf("unexpected tool result %+v", callRes)
	}

	if want, got := http.StatusNoContent, mustDelete(t, ts, "/mcp", sessID); want != got {
		t.Fatalf("delete: want status %d got %d", want, got)
	}

	resp, body = mustPost(t, ts, sessID, echoBody)
	if want, got := http.StatusNotFound, resp.StatusCode; want != got {
		t.Fatalf("after delete: want status %d got %d", want, got)
	}
	if code := mustErrorCode(t, body); code != jsonrpc.ErrorCodeSessionNotFound {
		t.Fatalf("unexpected error code %d", code)
	}
}

func TestInitializeWithSessionHeaderIsRejected(t *testing.T) {
	ts := mustServer(t)

	resp, body := mustPost(t, ts, "made-up", initBody)
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	if code := mustErrorCode(t, body); code != jsonrpc.ErrorCodeUnexpectedSession {
		t.Fatalf("unexpected error code %d", code)
	}
	if n := ts.store.Count(sessions.KindModern); n != 0 {
		t.Fatalf("session created despite rejection: %d", n)
	}
}

func TestBatchContainingInitializeIsInitialize(t *testing.T) {
	ts := mustServer(t)

	batch := `[` + initBody + `,{"jsonrpc":"2.0","id":2,"method":"ping"}]`
	resp, body := mustPost(t, ts, "made-up", batch)
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	if code := mustErrorCode(t, body); code != jsonrpc.ErrorCodeUnexpectedSession {
		t.Fatalf("unexpected error code %d", code)
	}

	resp, body = mustPost(t, ts, "", batch)
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d: %s", want, got, body)
	}
	var out []jsonrpc.Response
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode batch response: %v: %s", err, body)
	}
	if len(out) != 2 || out[0].Error != nil || out[1].Error != nil {
		t.Fatalf("unexpected batch response %s", body)
	}
}

func TestMissingSessionID(t *testing.T) {
	ts := mustServer(t)

	resp, body := mustPost(t, ts, "", echoBody)
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	if code := mustErrorCode(t, body); code != jsonrpc.ErrorCodeSessionNotFound {
		t.Fatalf("unexpected error code %d", code)
	}
}

func TestUnknownSessionID(t *testing.T) {
	ts := mustServer(t)

	resp, _ := mustPost(t, ts, sessions.NewID(), echoBody)
	if want, got := http.StatusNotFound, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
}

func TestFailedInitializeLeavesNoSession(t *testing.T) {
	ts := mustServer(t)

	resp, body := mustPost(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"bogus"}`)
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
		t.Fatalf("session id %q issued for failed initialize", id)
	}
	if code := mustErrorCode(t, body); code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("unexpected error code %d", code)
	}
	if n := ts.store.Count(sessions.KindModern); n != 0 {
		t.Fatalf("failed initialize left %d sessions", n)
	}
}

func TestSessionIDsAreDistinct(t *testing.T) {
	ts := mustServer(t)

	const n = 1000
	var (
		mu  sync.Mutex
		ids = make(map[string]struct{}, n)
	)
	p := pool.New().WithErrors().WithMaxGoroutines(16)
	for range n {
		p.Go(func() error {
			resp, err := doPost(ts, "", initBody, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			mu.Lock()
			defer mu.Unlock()
			ids[resp.Header.Get("Mcp-Session-Id")] = struct{}{}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("want %d distinct ids got %d", n, len(ids))
	}
	if got := ts.store.Count(sessions.KindModern); got != n {
		t.Fatalf("want %d registered sessions got %d", n, got)
	}
}

func TestNotificationIsAccepted(t *testing.T) {
	ts := mustServer(t)
	sessID := mustInitialize(t, ts)

	resp, body := mustPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if want, got := http.StatusAccepted, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	if len(body) != 0 {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestClientResponseIsAccepted(t *testing.T) {
	ts := mustServer(t)
	sessID := mustInitialize(t, ts)

	resp, body := mustPost(t, ts, sessID, `[{"jsonrpc":"2.0","id":"srv-1","result":{}},{"jsonrpc":"2.0","method":"notifications/initialized"}]`)
	if want, got := http.StatusAccepted, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	if len(body) != 0 {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestDispatcherErrorsAreJSONRPCErrors(t *testing.T) {
	ts := mustServer(t)
	sessID := mustInitialize(t, ts)

	tests := []struct {
		name string
		body string
		code jsonrpc.ErrorCode
	}{
		{"unknown tool", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nope"}}`, jsonrpc.ErrorCodeInvalidParams},
		{"unknown method", `{"jsonrpc":"2.0","id":4,"method":"sampling/createMessage"}`, jsonrpc.ErrorCodeMethodNotFound},
		{"missing capability", `{"jsonrpc":"2.0","id":5,"method":"prompts/list"}`, jsonrpc.ErrorCodeMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := mustPost(t, ts, sessID, tt.body)
			if want, got := http.StatusOK, resp.StatusCode; want != got {
				t.Fatalf("want status %d got %d", want, got)
			}
			if code := mustErrorCode(t, body); code != tt.code {
				t.Fatalf("want code %d got %d", tt.code, code)
			}
		})
	}
}

func TestUnsupportedContentType(t *testing.T) {
	ts := mustServer(t)

	resp, err := doPost(ts, "", initBody, http.Header{"Content-Type": {"text/plain"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if want, got := http.StatusUnsupportedMediaType, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	ts := mustServer(t)
	sessID := mustInitialize(t, ts)

	resp, err := doPost(ts, sessID, echoBody, http.Header{"Mcp-Protocol-Version": {"2024-11-05"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
}

func TestSecondPushChannelConflicts(t *testing.T) {
	ts := mustServer(t)
	sessID := mustInitialize(t, ts)

	first, _ := mustOpenStream(t, ts, sessID)
	defer first.Body.Close()

	second, err := doGet(ts, sessID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer second.Body.Close()
	if want, got := http.StatusConflict, second.StatusCode; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
}

func TestPushChannelIsolation(t *testing.T) {
	ts := mustServer(t)
	a := mustInitialize(t, ts)
	b := mustInitialize(t, ts)

	respA, eventsA := mustOpenStream(t, ts, a)
	defer respA.Body.Close()
	respB, eventsB := mustOpenStream(t, ts, b)
	defer respB.Body.Close()

	progress := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"steps","_meta":{"progressToken":"tok-a"}}}`
	resp, body := mustPost(t, ts, a, progress)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/call: status %d: %s", resp.StatusCode, body)
	}

	for i := 1; i <= 2; i++ {
		select {
		case ev := <-eventsA:
			if ev.Type != "message" || !strings.Contains(ev.Data, `"tok-a"`) {
				t.Fatalf("unexpected event on stream a: %+v", ev)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("progress %d not delivered to stream a", i)
		}
	}

	select {
	case ev, ok := <-eventsB:
		if ok {
			t.Fatalf("stream b observed event from session a: %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDeleteClosesPushChannel(t *testing.T) {
	ts := mustServer(t)
	sessID := mustInitialize(t, ts)

	resp, events := mustOpenStream(t, ts, sessID)
	defer resp.Body.Close()

	if want, got := http.StatusNoContent, mustDelete(t, ts, "/mcp", sessID); want != got {
		t.Fatalf("want status %d got %d", want, got)
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("unexpected event after delete")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("push channel still open after delete")
	}
}

func TestDeleteByPath(t *testing.T) {
	ts := mustServer(t)

	t.Run("modern", func(t *testing.T) {
		sessID := mustInitialize(t, ts)
		if want, got := http.StatusNoContent, mustDelete(t, ts, "/mcp/"+sessID, ""); want != got {
			t.Fatalf("want status %d got %d", want, got)
		}
	})

	t.Run("legacy", func(t *testing.T) {
		id := sessions.NewID()
		if _, err := ts.store.Create(id, ts.eng.NewHandler(id, sessions.KindLegacy), sessions.KindLegacy); err != nil {
			t.Fatalf("create: %v", err)
		}
		if want, got := http.StatusNoContent, mustDelete(t, ts, "/mcp/"+id, ""); want != got {
			t.Fatalf("want status %d got %d", want, got)
		}
		if n := ts.store.Count(sessions.KindLegacy); n != 0 {
			t.Fatalf("legacy session survived delete")
		}
	})

	t.Run("absent", func(t *testing.T) {
		if want, got := http.StatusNotFound, mustDelete(t, ts, "/mcp/"+sessions.NewID(), ""); want != got {
			t.Fatalf("want status %d got %d", want, got)
		}
	})
}

func TestDeleteTwice(t *testing.T) {
	ts := mustServer(t)
	sessID := mustInitialize(t, ts)

	if want, got := http.StatusNoContent, mustDelete(t, ts, "/mcp", sessID); want != got {
		t.Fatalf("first delete: want status %d got %d", want, got)
	}
	if want, got := http.StatusNotFound, mustDelete(t, ts, "/mcp", sessID); want != got {
		t.Fatalf("second delete: want status %d got %d", want, got)
	}
	if want, got := http.StatusBadRequest, mustDelete(t, ts, "/mcp", ""); want != got {
		t.Fatalf("headerless delete: want status %d got %d", want, got)
	}
}

// ============================================================================
// Test Server Utility
// ============================================================================

type testServer struct {
	*httptest.Server
	store *sessions.Store[*engine.Handler]
	eng   *engine.Engine
}

func mustServer(t *testing.T, opts ...streaminghttp.Option) *testServer {
	t.Helper()

	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool[struct {
			Message string `json:"message"`
		}]("echo", func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct {
			Message string `json:"message"`
		}]) error {
			return w.AppendText(r.Args().Message)
		}),
		mcpservice.NewTool[struct{}]("steps", func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
			for i := 1; i <= 2; i++ {
				if err := w.SendProgress(float64(i), 2, ""); err != nil {
					return err
				}
			}
			return w.AppendText("done")
		}),
	)
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}),
		mcpservice.WithToolsCapability(tools),
	)

	log := slog.New(testLogHandler(t))
	store := sessions.NewStore[*engine.Handler]()
	eng := engine.New(dispatch.New(srv, dispatch.WithLogger(log)), memory.New(), engine.WithLogger(log))

	h, err := streaminghttp.New(store, eng, append([]streaminghttp.Option{streaminghttp.WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	ts := &testServer{Server: httptest.NewServer(h), store: store, eng: eng}
	t.Cleanup(func() {
		ts.Close()
		_ = store.TerminateAll(context.Background())
	})
	return ts
}

func doPost(ts *testServer, sessID, body string, hdr http.Header) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}
	return ts.Client().Do(req)
}

func mustPost(t *testing.T, ts *testServer, sessID, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := doPost(ts, sessID, body, nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func mustInitialize(t *testing.T, ts *testServer) string {
	t.Helper()
	resp, body := mustPost(t, ts, "", initBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: status %d: %s", resp.StatusCode, body)
	}
	id := resp.Header.Get("Mcp-Session-Id")
	if id == "" {
		t.Fatalf("initialize: no session id")
	}
	return id
}

func doGet(ts *testServer, sessID string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	return ts.Client().Do(req)
}

// mustOpenStream opens the push channel and returns a channel of its events.
// The channel is closed when the stream ends.
func mustOpenStream(t *testing.T, ts *testServer, sessID string) (*http.Response, <-chan sse.Event) {
	t.Helper()
	resp, err := doGet(ts, sessID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.Fatalf("get: content type %q", ct)
	}
	return resp, readEvents(resp.Body)
}

func readEvents(body io.Reader) <-chan sse.Event {
	ch := make(chan sse.Event, 16)
	go func() {
		defer close(ch)
		for ev, err := range sse.Read(body, nil) {
			if err != nil {
				return
			}
			ch <- ev
		}
	}()
	return ch
}

func mustDelete(t *testing.T, ts *testServer, path, sessID string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func mustResult[T any](t *testing.T, body []byte, v *T) {
	t.Helper()
	var res jsonrpc.Response
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal response: %v\ninput: %s", err, body)
	}
	if res.Error != nil {
		t.Fatalf("unexpected JSON-RPC error: %+v", res.Error)
	}
	if err := json.Unmarshal(res.Result, v); err != nil {
		t.Fatalf("unmarshal result: %v\ninput: %s", err, res.Result)
	}
}

func mustErrorCode(t *testing.T, body []byte) jsonrpc.ErrorCode {
	t.Helper()
	var res jsonrpc.Response
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal response: %v\ninput: %s", err, body)
	}
	if res.Error == nil {
		t.Fatalf("expected JSON-RPC error in %s", body)
	}
	return res.Error.Code
}

type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
