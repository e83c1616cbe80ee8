package legacysse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
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

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/event-stream")}
)

const (
	defaultStreamPath   = "/sse"
	defaultMessagesPath = "/messages"
	defaultMaxBodyBytes = 4 << 20

	sessionIDParam = "sessionId"
)

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger       *slog.Logger
	streamPath   string
	messagesPath string
	keepAlive    time.Duration
	maxBodyBytes int64
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithPaths overrides the stream-open and send endpoints (/sse and /messages).
func WithPaths(stream, messages string) Option {
	return func(c *config) {
		c.streamPath = "/" + strings.Trim(stream, "/")
		c.messagesPath = "/" + strings.Trim(messages, "/")
	}
}

// WithKeepAlive sets the interval between keepalive comments on idle
// streams. Zero disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithMaxBodyBytes caps the size of POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// Handler implements the two-endpoint SSE transport. The stream-open
// connection owns the session: it is created when the stream opens and
// terminated when the stream closes.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	responder *rpcerr.Responder

	store *sessions.Store[*engine.Handler]
	eng   *engine.Engine

	messagesPath string
	keepAlive    time.Duration
	maxBodyBytes int64
}

// New builds a Handler registering sessions in the legacy namespace of store.
func New(store *sessions.Store[*engine.Handler], eng *engine.Engine, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	cfg := &config{
		logger:       slog.New(slog.DiscardHandler),
		streamPath:   defaultStreamPath,
		messagesPath: defaultMessagesPath,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})
	h := &Handler{
		log:          log,
		responder:    rpcerr.NewResponder(log),
		store:        store,
		eng:          eng,
		messagesPath: cfg.messagesPath,
		keepAlive:    cfg.keepAlive,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.streamPath, h.handleStream)
	mux.HandleFunc("POST "+cfg.messagesPath, h.handleMessage)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

// handleStream opens a session and its push stream. The first event names
// the URL the client must POST to; JSON-RPC responses follow as message
// events. Closing the connection terminates the session.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.sse.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.responder.Error(w, r, nil, rpcerr.Wrap(rpcerr.KindNotAcceptable, "accept must allow text/event-stream", err))
		return
	}

	id := sessions.NewID()
	eh := h.eng.NewHandler(id, sessions.KindLegacy)
	sess, err := h.store.Create(id, eh, sessions.KindLegacy)
	if err != nil {
		h.responder.Error(w, r, nil, err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: id,
		Kind:      sessions.KindLegacy.String(),
		State:     sessions.StateActive.String(),
	})
	r = r.WithContext(ctx)
	defer h.terminate(ctx, id)

	if err := sess.Activate(); err != nil {
		h.responder.Error(w, r, nil, err)
		return
	}
	hold := sess.Retain()
	defer hold()

	stream, release, err := eh.AttachPush(ctx, "")
	if err != nil {
		if errors.Is(err, engine.ErrHandlerClosed) {
			err = rpcerr.Wrap(rpcerr.KindSessionNotFound, "session not found", err)
		}
		h.responder.Error(w, r, nil, err)
		return
	}
	defer release()

	w.Header().Set("X-Accel-Buffering", "no")
	out, err := sse.Upgrade(w, r)
	if err != nil {
		h.responder.Error(w, r, nil, fmt.Errorf("upgrade to event stream: %w", err))
		return
	}

	endpoint := h.messagesPath + "?" + url.Values{sessionIDParam: {id}}.Encode()
	if err := pushstream.Send(out, pushstream.EventEndpoint, "", endpoint); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.created")

	h.log.InfoContext(ctx, "sse.stream.start")
	if err := pushstream.Pump(ctx, out, stream, sess.Done(), h.keepAlive); err != nil {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// terminate runs when the stream-open connection goes away. It races any
// explicit termination; whichever runs second is a no-op.
func (h *Handler) terminate(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	removed, err := h.store.Terminate(ctx, id, sessions.KindLegacy)
	if err != nil {
		h.log.WarnContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
	}
	if removed {
		h.log.InfoContext(ctx, "session.terminated", slog.String("reason", "disconnect"))
	}
}

// handleMessage accepts a JSON-RPC payload for the session named in the
// query string. The reply is only an acknowledgement; responses travel over
// the session's open stream.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.responder.Error(w, r, nil, rpcerr.New(rpcerr.KindUnsupportedMediaType, "content-type must be application/json"))
		return
	}

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		h.responder.Error(w, r, nil, rpcerr.New(rpcerr.KindMissingSessionID, "missing sessionId query parameter"))
		return
	}
	sess, err := h.store.Get(sessID, sessions.KindLegacy)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss")
		h.responder.Error(w, r, nil, err)
		return
	}
	if sess.State() != sessions.StateActive {
		h.log.InfoContext(ctx, "session.load.inactive", slog.String("state", sess.State().String()))
		h.responder.Error(w, r, nil, rpcerr.New(rpcerr.KindSessionNotFound, "session not found"))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		Kind:      sess.Kind().String(),
		State:     sess.State().String(),
	})
	r = r.WithContext(ctx)

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

	err = sess.Do(ctx, func(eh *engine.Handler) error {
		return deliver(ctx, eh, payload, eh.Handle(ctx, payload))
	})
	if err != nil {
		if errors.Is(err, engine.ErrHandlerClosed) {
			err = rpcerr.Wrap(rpcerr.KindSessionNotFound, "session not found", err)
		}
		h.responder.Error(w, r, payload.FirstID(), err)
		return
	}

	if payload.IsInitialize() {
		eh := sess.Handler()
		if eh.Initialized() {
			client := eh.ClientInfo()
			h.log.InfoContext(ctx, "session.initialized",
				slog.String("protocol_version", eh.ProtocolVersion()),
				slog.Group("client", slog.String("name", client.Name), slog.String("version", client.Version)))
		}
	}

	if err := h.responder.Empty(w, r, http.StatusAccepted); err != nil {
		h.log.ErrorContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// deliver publishes the responses on the push channel, as one array event
// for a batch and one event per response otherwise.
func deliver(ctx context.Context, eh *engine.Handler, payload *jsonrpc.Payload, responses []*jsonrpc.Response) error {
	if len(responses) == 0 {
		return nil
	}
	if payload.Batch {
		b, err := json.Marshal(responses)
		if err != nil {
			return fmt.Errorf("encode batch response: %w", err)
		}
		_, err = eh.Publish(ctx, b)
		return err
	}
	for _, res := range responses {
		if err := eh.PublishResponse(ctx, res); err != nil {
			return err
		}
	}
	return nil
}
