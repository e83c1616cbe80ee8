package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/ggoodman/mcp-session-mux/internal/dispatch"
	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-mux/internal/logctx"
	"github.com/ggoodman/mcp-session-mux/mcp"
	"github.com/ggoodman/mcp-session-mux/mcpservice"
	"github.com/ggoodman/mcp-session-mux/sessions"
)

var (
	// ErrPushChannelBusy is returned by AttachPush when another stream is
	// already attached to the session.
	ErrPushChannelBusy = errors.New("push channel already attached")

	// ErrHandlerClosed is returned once Close has run.
	ErrHandlerClosed = errors.New("handler closed")
)

// Handler is the protocol handler for one session. Handle must be called
// under the session lock; Publish and AttachPush are safe for concurrent use.
type Handler struct {
	id        string
	kind      sessions.Kind
	namespace string

	dispatcher *dispatch.Dispatcher
	broker     broker.Broker
	log        *slog.Logger

	mu              sync.RWMutex
	initialized     bool
	protocolVersion string
	clientInfo      mcp.ImplementationInfo

	pushAttached atomic.Bool
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

var (
	_ sessions.Handler   = (*Handler)(nil)
	_ mcpservice.Session = (*Handler)(nil)
)

// SessionID implements mcpservice.Session.
func (h *Handler) SessionID() string { return h.id }

// Transport implements mcpservice.Session.
func (h *Handler) Transport() string { return h.kind.String() }

// ProtocolVersion implements mcpservice.Session.
func (h *Handler) ProtocolVersion() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.protocolVersion
}

// ClientInfo returns the implementation info the client sent in initialize.
func (h *Handler) ClientInfo() mcp.ImplementationInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientInfo
}

// Initialized reports whether the initialize exchange completed successfully.
func (h *Handler) Initialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.initialized
}

// Namespace is the broker namespace carrying this session's push channel.
func (h *Handler) Namespace() string { return h.namespace }

// Handle processes every message of the payload in order and returns one
// response per request. Notifications and client responses yield nothing.
func (h *Handler) Handle(ctx context.Context, p *jsonrpc.Payload) []*jsonrpc.Response {
	var out []*jsonrpc.Response
	for i := range p.Messages {
		msg := &p.Messages[i]
		mctx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: msg.Method,
			ID:     msg.ID.String(),
			Type:   msg.Type(),
		})

		req := msg.AsRequest()
		if req == nil {
			h.log.DebugContext(mctx, "engine.client_response.ignored")
			continue
		}
		if req.IsNotification() {
			h.handleNotification(mctx, req)
			continue
		}
		out = append(out, h.handleRequest(mctx, req))
	}
	return out
}

func (h *Handler) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod, mcp.CancelledNotificationMethod:
		h.log.DebugContext(ctx, "engine.notification.ok")
	default:
		h.log.DebugContext(ctx, "engine.notification.ignored")
	}
}

func (h *Handler) handleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.Method == jsonrpc.MethodInitialize {
		return h.initialize(ctx, req)
	}

	if req.Method != string(mcp.PingMethod) && !h.Initialized() {
		h.log.InfoContext(ctx, "engine.handle_request.not_initialized")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil)
	}

	if token := progressTokenOf(req); token != nil {
		ctx = mcpservice.WithProgressReporter(ctx, &progressReporter{h: h, token: token})
	}

	return h.dispatcher.Dispatch(ctx, h, req)
}

func (h *Handler) initialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if h.Initialized() {
		h.log.InfoContext(ctx, "engine.initialize.duplicate")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	}

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	version := params.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}

	res, err := h.describe(ctx, version)
	if err != nil {
		h.log.ErrorContext(ctx, "engine.initialize.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		h.log.ErrorContext(ctx, "engine.initialize.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	h.mu.Lock()
	h.initialized = true
	h.protocolVersion = version
	h.clientInfo = params.ClientInfo
	h.mu.Unlock()

	h.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("protocol_version", version),
		slog.String("client", params.ClientInfo.Name),
	)
	return resp
}

func (h *Handler) describe(ctx context.Context, version string) (*mcp.InitializeResult, error) {
	srv := h.dispatcher.Server()

	info, err := srv.GetServerInfo(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("get server info: %w", err)
	}
	res := &mcp.InitializeResult{ProtocolVersion: version, ServerInfo: info}

	if instr, ok, err := srv.GetInstructions(ctx, h); err != nil {
		return nil, fmt.Errorf("get instructions: %w", err)
	} else if ok {
		res.Instructions = instr
	}

	if _, ok, err := srv.GetToolsCapability(ctx, h); err != nil {
		return nil, fmt.Errorf("get tools capability: %w", err)
	} else if ok {
		res.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}

	if _, ok, err := srv.GetPromptsCapability(ctx, h); err != nil {
		return nil, fmt.Errorf("get prompts capability: %w", err)
	} else if ok {
		res.Capabilities.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}

	if _, ok, err := srv.GetResourcesCapability(ctx, h); err != nil {
		return nil, fmt.Errorf("get resources capability: %w", err)
	} else if ok {
		res.Capabilities.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{}
	}

	return res, nil
}

// Publish sends msg on the session's push channel.
func (h *Handler) Publish(ctx context.Context, msg jsonrpc.Message) (string, error) {
	if h.closed.Load() {
		return "", ErrHandlerClosed
	}
	id, err := h.broker.Publish(ctx, h.namespace, msg)
	if errors.Is(err, broker.ErrNamespaceClosed) {
		return "", ErrHandlerClosed
	}
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", h.namespace, err)
	}
	return id, nil
}

// PublishResponse encodes res and sends it on the push channel.
func (h *Handler) PublishResponse(ctx context.Context, res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = h.Publish(ctx, b)
	return err
}

// AttachPush subscribes the single push-channel writer. The returned release
// func must be called when the writer goes away; until then any other
// attach attempt fails with ErrPushChannelBusy.
func (h *Handler) AttachPush(ctx context.Context, lastEventID string) (broker.MessageStream, func(), error) {
	if h.closed.Load() {
		return nil, nil, ErrHandlerClosed
	}
	if !h.pushAttached.CompareAndSwap(false, true) {
		return nil, nil, ErrPushChannelBusy
	}

	stream, err := h.broker.Subscribe(ctx, h.namespace, lastEventID)
	if err != nil {
		h.pushAttached.Store(false)
		if errors.Is(err, broker.ErrNamespaceClosed) {
			return nil, nil, ErrHandlerClosed
		}
		return nil, nil, fmt.Errorf("subscribe to %s: %w", h.namespace, err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = stream.Close()
			h.pushAttached.Store(false)
		})
	}
	return stream, release, nil
}

// Close implements sessions.Handler. It releases the push channel namespace;
// attached streams observe end-of-stream. Close is idempotent.
func (h *Handler) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if err := h.broker.Cleanup(ctx, h.namespace); err != nil {
			h.closeErr = fmt.Errorf("cleanup %s: %w", h.namespace, err)
		}
	})
	return h.closeErr
}

func progressTokenOf(req *jsonrpc.Request) mcp.ProgressToken {
	if len(req.Params) == 0 {
		return nil
	}
	var params struct {
		Meta *mcp.RequestMeta `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Meta == nil {
		return nil
	}
	return params.Meta.ProgressToken
}

type progressReporter struct {
	h     *Handler
	token mcp.ProgressToken
}

func (p *progressReporter) Report(ctx context.Context, progress, total float64, message string) error {
	msg, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), &mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
	if err != nil {
		return err
	}
	_, err = p.h.Publish(ctx, msg)
	return err
}
