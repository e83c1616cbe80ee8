package logctx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ggoodman/mcp-session-mux/internal/logctx"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	ctx := logctx.WithRequestData(context.Background(), &logctx.RequestData{RequestID: "r-1", Method: "POST", Path: "/mcp"})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: "s-1", Kind: "legacy", State: "active"})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: "echo"})

	log.InfoContext(ctx, "dispatch.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v (%s)", err, buf.String())
	}
	if rec["component"] != "test" {
		t.Fatalf("With attrs lost: %v", rec)
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "s-1" || sess["kind"] != "legacy" {
		t.Fatalf("unexpected sess group: %v", rec["sess"])
	}
	rpc, _ := rec["rpc"].(map[string]any)
	if rpc["method"] != "tools/call" {
		t.Fatalf("unexpected rpc group: %v", rec["rpc"])
	}
	tool, _ := rec["tool"].(map[string]any)
	if tool["name"] != "echo" {
		t.Fatalf("unexpected tool group: %v", rec["tool"])
	}
	req, _ := rec["req"].(map[string]any)
	if req["path"] != "/mcp" {
		t.Fatalf("unexpected req group: %v", rec["req"])
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if _, ok := rec["sess"]; ok {
		t.Fatalf("unexpected sess group without context data")
	}
}
