package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-mux/internal/engine"
	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-mux/internal/logctx"
	"github.com/ggoodman/mcp-session-mux/internal/pushstream"
	"github.com/ggoodman/mcp-session-mux/internal/rpcerr"
	"github.com/ggoodman/mcp-session-mux/sessions"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	postResponseTypes     = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

const (
	defaultEndpoint     = "/mcp"
	defaultMaxBodyBytes = 4 << 20
)

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	endpoint     string
	keepAlive    time.Duration
	maxBodyBytes int64
}

// WithLogger sets the slog handler used by the server. If not provided, logs are discarded.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithEndpoint sets the path the transport is mounted at. Defaults to /mcp.
func WithEndpoint(path string) Option {
	return func(c *newConfig) { c.endpoint = "/" + strings.Trim(path, "/") }
}

// WithKeepAlive sets the interval between keepalive comments on idle push
// channels. Zero disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithMaxBodyBytes caps the size of POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// StreamingHTTPHandler implements the single-endpoint (streamable HTTP)
// transport: POST carries requests, GET opens the session's push channel and
// DELETE terminates the session.
type StreamingHTTPHandler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	responder *rpcerr.Responder

	store *sessions.Store[*engine.Handler]
	eng   *engine.Engine

	keepAlive    time.Duration
	maxBodyBytes int64
}

// New constructs a StreamingHTTPHandler. Sessions it creates are registered in
// the modern namespace of store and bound to handlers built by eng.
func New(store *sessions.Store[*engine.Handler], eng *engine.Engine, opts ...Option) (*StreamingHTTPHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	cfg := &newConfig{
		logger:       slog.New(slog.DiscardHandler),
		endpoint:     defaultEndpoint,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})
	h := &StreamingHTTPHandler{
		log:          log,
		responder:    rpcerr.NewResponder(log),
		store:        store,
		eng:          eng,
		keepAlive:    cfg.keepAlive,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.endpoint), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.endpoint), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.endpoint), h.handleDeleteMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s/{sessionId}", cfg.endpoint), h.handleDeleteMCPPath)
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := logctx.RequestDataFrom(ctx); !ok {
		ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
	}
	rpcerr.Track(h.mux).ServeHTTP(w, r.WithContext(ctx))
}

// handlePostMCP handles the POST /mcp endpoint, which is used by the client to send
// MCP messages to the server and to establish a session.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.responder.Error(w, r, nil, rpcerr.New(rpcerr.KindUnsupportedMediaType, "content-type must be application/json"))
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, postResponseTypes); err != nil {
		h.responder.Error(w, r, nil, rpcerr.Wrap(rpcerr.KindNotAcceptable, "accept must allow application/json or text/event-stream", err))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.responder.Error(w, r, nil, rpcerr.Wrap(rpcerr.KindInvalidRequest, "failed to read request body", err))
		return
	}
	payload, err := jsonrpc.ParsePayload(body)
	if err != nil {
		h.responder.Error(w, r, nil, rpcerr.Wrap(rpcerr.KindInvalidRequest, "invalid JSON-RPC payload", err))
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if payload.IsInitialize() {
		if sessID != "" {
			h.responder.Error(w, r, payload.FirstID(), rpcerr.New(rpcerr.KindUnexpectedSessionID, "initialize must not carry a session id"))
			return
		}
		h.initializeSession(w, r, payload, start)
		return
	}

	sess, ctx, ok := h.loadSession(w, r, sessID, payload.FirstID())
	if !ok {
		return
	}
	r = r.WithContext(ctx)

	var responses []*jsonrpc.Response
	err = sess.Do(ctx, func(eh *engine.Handler) error {
		responses = eh.Handle(ctx, payload)
		return nil
	})
	if err != nil {
		h.responder.Error(w, r, payload.FirstID(), err)
		return
	}

	h.writeResponses(w, r, sess.Handler(), payload, responses)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// initializeSession creates a session for an initialize payload. The session
// only becomes reachable once the initialize exchange succeeded; any failure
// removes it again.
func (h *StreamingHTTPHandler) initializeSession(w http.ResponseWriter, r *http.Request, payload *jsonrpc.Payload, start time.Time) {
	ctx := r.Context()

	id := sessions.NewID()
	eh := h.eng.NewHandler(id, sessions.KindModern)
	sess, err := h.store.Create(id, eh, sessions.KindModern)
	if err != nil {
		h.responder.Error(w, r, payload.FirstID(), err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: id,
		Kind:      sessions.KindModern.String(),
		State:     sess.State().String(),
	})

	var responses []*jsonrpc.Response
	err = sess.Do(ctx, func(eh *engine.Handler) error {
		responses = eh.Handle(ctx, payload)
		return nil
	})
	if err != nil {
		h.discard(ctx, id)
		h.responder.Error(w, r, payload.FirstID(), err)
		return
	}
	if !eh.Initialized() {
		h.discard(ctx, id)
		h.log.InfoContext(ctx, "session.initialize.fail")
		if len(responses) > 0 {
			// The JSON-RPC errors explain why the exchange failed.
			h.writeResponses(w, r, eh, payload, responses)
			return
		}
		h.responder.Error(w, r, payload.FirstID(), rpcerr.New(rpcerr.KindInvalidRequest, "initialize failed"))
		return
	}
	if err := sess.Activate(); err != nil {
		h.discard(ctx, id)
		h.responder.Error(w, r, payload.FirstID(), err)
		return
	}

	client := eh.ClientInfo()
	h.log.InfoContext(ctx, "session.created",
		slog.String("protocol_version", eh.ProtocolVersion()),
		slog.Group("client", slog.String("name", client.Name), slog.String("version", client.Version)))

	w.Header().Set(mcpSessionIDHeader, id)
	h.writeResponses(w, r, eh, payload, responses)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) discard(ctx context.Context, id string) {
	if _, err := h.store.Terminate(ctx, id, sessions.KindModern); err != nil {
		h.log.WarnContext(ctx, "session.discard.fail", slog.String("err", err.Error()))
	}
}

// loadSession validates the session header and resolves an Active modern
// session. On failure it has already written the error response. On success
// the returned context carries the session's log attributes.
func (h *StreamingHTTPHandler) loadSession(w http.ResponseWriter, r *http.Request, sessID string, id *jsonrpc.RequestID) (*sessions.Session[*engine.Handler], context.Context, bool) {
	ctx := r.Context()
	if sessID == "" {
		h.responder.Error(w, r, id, rpcerr.New(rpcerr.KindMissingSessionID, "missing session id"))
		return nil, nil, false
	}

	sess, err := h.store.Get(sessID, sessions.KindModern)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss")
		h.responder.Error(w, r, id, err)
		return nil, nil, false
	}
	if sess.State() != sessions.StateActive {
		h.log.InfoContext(ctx, "session.load.inactive", slog.String("state", sess.State().String()))
		h.responder.Error(w, r, id, rpcerr.New(rpcerr.KindSessionNotFound, "session not found"))
		return nil, nil, false
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		Kind:      sess.Kind().String(),
		State:     sess.State().String(),
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := sess.Handler().ProtocolVersion(); spv != "" && pv != spv {
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			h.responder.Error(w, r, id, rpcerr.New(rpcerr.KindInvalidRequest, "protocol version mismatch"))
			return nil, nil, false
		}
	}

	sess.Touch()
	h.log.DebugContext(ctx, "session.load.ok")
	return sess, ctx, true
}

// writeResponses writes the JSON-RPC responses as the POST body: an array for
// batches, a single object otherwise, and 202 with no body when nothing
// expects a reply.
func (h *StreamingHTTPHandler) writeResponses(w http.ResponseWriter, r *http.Request, eh *engine.Handler, payload *jsonrpc.Payload, responses []*jsonrpc.Response) {
	ctx := r.Context()
	if pv := eh.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}

	var err error
	switch {
	case !payload.HasRequests() || len(responses) == 0:
		err = h.responder.Empty(w, r, http.StatusAccepted)
	case payload.Batch:
		err = h.responder.JSON(w, r, http.StatusOK, responses)
	default:
		err = h.responder.JSON(w, r, http.StatusOK, responses[0])
	}
	if err != nil {
		h.log.ErrorContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
	}
}

// handleGetMCP opens the session's push channel as an SSE stream. Only one
// stream may be attached at a time.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.responder.Error(w, r, nil, rpcerr.Wrap(rpcerr.KindNotAcceptable, "accept must allow text/event-stream", err))
		return
	}

	sess, ctx, ok := h.loadSession(w, r, r.Header.Get(mcpSessionIDHeader), nil)
	if !ok {
		return
	}
	r = r.WithContext(ctx)
	eh := sess.Handler()

	stream, release, err := eh.AttachPush(ctx, r.Header.Get(lastEventIDHeader))
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrPushChannelBusy):
			h.responder.Error(w, r, nil, rpcerr.Wrap(rpcerr.KindConflict, "push channel already open", err))
		case errors.Is(err, engine.ErrHandlerClosed):
			h.responder.Error(w, r, nil, rpcerr.Wrap(rpcerr.KindSessionNotFound, "session not found", err))
		default:
			h.responder.Error(w, r, nil, err)
		}
		return
	}
	defer release()

	hold := sess.Retain()
	defer hold()

	if pv := eh.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.Header().Set("X-Accel-Buffering", "no")

	out, err := sse.Upgrade(w, r)
	if err != nil {
		h.responder.Error(w, r, nil, fmt.Errorf("upgrade to event stream: %w", err))
		return
	}
	if err := pushstream.Comment(out, "stream open"); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.start")
	if err := pushstream.Pump(ctx, out, stream, sess.Done(), h.keepAlive); err != nil {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP terminates the session named by the Mcp-Session-Id header.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.responder.Error(w, r, nil, rpcerr.New(rpcerr.KindMissingSessionID, "missing session id"))
		return
	}
	h.terminate(w, r, sessID, sessions.KindModern)
}

// handleDeleteMCPPath terminates the session named in the path. The modern
// namespace is searched before the legacy one.
func (h *StreamingHTTPHandler) handleDeleteMCPPath(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, r.PathValue("sessionId"), sessions.Kinds[:]...)
}

func (h *StreamingHTTPHandler) terminate(w http.ResponseWriter, r *http.Request, sessID string, kinds ...sessions.Kind) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	for _, kind := range kinds {
		sctx := logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Kind: kind.String()})

		removed, err := h.store.Terminate(sctx, sessID, kind)
		if !removed {
			continue
		}
		if err != nil {
			h.log.WarnContext(sctx, "session.terminate.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(sctx, "session.terminated")

		if err := h.responder.Empty(w, r, http.StatusNoContent); err != nil {
			h.log.ErrorContext(sctx, "http.delete.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(sctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	h.log.InfoContext(ctx, "session.delete.miss")
	h.responder.Error(w, r, nil, rpcerr.New(rpcerr.KindSessionNotFound, "session not found"))
}
