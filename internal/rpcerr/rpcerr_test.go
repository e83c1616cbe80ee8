package rpcerr_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-mux/internal/rpcerr"
	"github.com/ggoodman/mcp-session-mux/sessions"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind rpcerr.Kind
		want int
	}{
		{rpcerr.KindUnexpectedSessionID, http.StatusBadRequest},
		{rpcerr.KindMissingSessionID, http.StatusBadRequest},
		{rpcerr.KindSessionNotFound, http.StatusNotFound},
		{rpcerr.KindDuplicateSession, http.StatusInternalServerError},
		{rpcerr.KindDispatcher, http.StatusOK},
		{rpcerr.KindInternal, http.StatusInternalServerError},
		{rpcerr.KindInvalidRequest, http.StatusBadRequest},
		{rpcerr.KindUnsupportedMediaType, http.StatusUnsupportedMediaType},
		{rpcerr.KindNotAcceptable, http.StatusNotAcceptable},
		{rpcerr.KindConflict, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.Status(); got != tt.want {
				t.Fatalf("want %d got %d", tt.want, got)
			}
		})
	}
}

func TestFromClassifiesSentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want rpcerr.Kind
	}{
		{"not found", fmt.Errorf("lookup: %w", sessions.ErrSessionNotFound), rpcerr.KindSessionNotFound},
		{"terminated", sessions.ErrSessionTerminated, rpcerr.KindSessionNotFound},
		{"duplicate", sessions.ErrDuplicateSession, rpcerr.KindDuplicateSession},
		{"unknown", errors.New("boom"), rpcerr.KindInternal},
		{"classified", rpcerr.New(rpcerr.KindMissingSessionID, "missing"), rpcerr.KindMissingSessionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rpcerr.From(tt.err).Kind; got != tt.want {
				t.Fatalf("want %s got %s", tt.want, got)
			}
		})
	}
	if rpcerr.From(nil) != nil {
		t.Fatalf("nil error must classify to nil")
	}
}

func TestResponderWritesEnvelope(t *testing.T) {
	rs := rpcerr.NewResponder(nil)
	h := rpcerr.Track(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.Error(w, r, jsonrpc.NewRequestID(int64(3)), rpcerr.New(rpcerr.KindMissingSessionID, "missing session id"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: want %d got %d", http.StatusBadRequest, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var env struct {
		JSONRPC string `json:"jsonrpc"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		ID any `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.JSONRPC != "2.0" || env.Error.Code != int(jsonrpc.ErrorCodeSessionNotFound) || env.Error.Message != "missing session id" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.ID != float64(3) {
		t.Fatalf("unexpected id: %v", env.ID)
	}
}

func TestResponderDoesNotWriteTwice(t *testing.T) {
	rs := rpcerr.NewResponder(nil)
	var secondErr error
	h := rpcerr.Track(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		rs.Error(w, r, nil, errors.New("late failure"))
		secondErr = rs.JSON(w, r, http.StatusOK, map[string]string{"again": "no"})
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status changed after start: %d", rec.Code)
	}
	if got := rec.Body.String(); got != "partial" {
		t.Fatalf("body was appended to: %q", got)
	}
	if !errors.Is(secondErr, rpcerr.ErrResponseStarted) {
		t.Fatalf("want ErrResponseStarted got %v", secondErr)
	}
}

func TestTrackMarksFlushAsStarted(t *testing.T) {
	var before, after bool
	h := rpcerr.Track(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		before = rpcerr.Started(r.Context())
		w.(http.Flusher).Flush()
		after = rpcerr.Started(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if before || !after {
		t.Fatalf("unexpected tracking: before=%v after=%v", before, after)
	}
}
