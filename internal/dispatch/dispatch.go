// Package dispatch routes JSON-RPC requests to the external registry. The set
// of methods is a closed enum backed by a fixed-size handler table; every
// failure is translated into a JSON-RPC error object rather than surfacing to
// the transport.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-mux/internal/logctx"
	"github.com/ggoodman/mcp-session-mux/mcp"
	"github.com/ggoodman/mcp-session-mux/mcpservice"
)

// Outcome classifies a dispatched request for observers.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Observer is notified once per dispatched request.
type Observer func(route Route, outcome Outcome)

type handlerFunc func(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) (any, error)

// Dispatcher maps requests onto a mcpservice.ServerCapabilities registry.
type Dispatcher struct {
	srv      mcpservice.ServerCapabilities
	log      *slog.Logger
	observer Observer

	table [routeCount]handlerFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for dispatch events.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithObserver registers a callback invoked after each request.
func WithObserver(fn Observer) Option {
	return func(d *Dispatcher) { d.observer = fn }
}

// New builds a Dispatcher for srv.
func New(srv mcpservice.ServerCapabilities, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		srv: srv,
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.table = [routeCount]handlerFunc{
		RouteUnknown:       d.handleUnknown,
		RouteToolsList:     d.handleToolsList,
		RouteToolsCall:     d.handleToolsCall,
		RoutePromptsList:   d.handlePromptsList,
		RoutePromptsGet:    d.handlePromptsGet,
		RouteResourcesList: d.handleResourcesList,
		RouteResourcesRead: d.handleResourcesRead,
		RoutePing:          d.handlePing,
	}
	return d
}

// Server returns the registry the dispatcher routes to.
func (d *Dispatcher) Server() mcpservice.ServerCapabilities { return d.srv }

// Dispatch serves one request and always returns a response carrying the
// request's id: either the handler's result or a JSON-RPC error.
func (d *Dispatcher) Dispatch(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	route := RouteOf(req.Method)

	result, err := d.invoke(ctx, route, sess, req)

	var res *jsonrpc.Response
	if err == nil {
		res, err = jsonrpc.NewResultResponse(req.ID, result)
	}
	if err != nil {
		res = d.errorResponse(ctx, req, err, start)
	} else {
		d.log.DebugContext(ctx, "dispatch.ok", slog.String("route", route.String()), slog.Duration("dur", time.Since(start)))
	}

	if d.observer != nil {
		outcome := OutcomeOK
		if res.Error != nil {
			outcome = OutcomeError
		}
		d.observer(route, outcome)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, route Route, sess mcpservice.Session, req *jsonrpc.Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("panic in %s handler: %v", route, p)
		}
	}()
	return d.table[route](ctx, sess, req)
}

func (d *Dispatcher) errorResponse(ctx context.Context, req *jsonrpc.Request, err error, start time.Time) *jsonrpc.Response {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		d.log.InfoContext(ctx, "dispatch.fail",
			slog.String("method", req.Method),
			slog.Int("code", int(rpcErr.Code)),
			slog.String("err", rpcErr.Message),
			slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)

	case errors.Is(err, mcpservice.ErrNotFound), errors.Is(err, mcpservice.ErrInvalidArguments):
		d.log.InfoContext(ctx, "dispatch.fail",
			slog.String("method", req.Method),
			slog.String("err", err.Error()),
			slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)

	default:
		d.log.ErrorContext(ctx, "dispatch.fail",
			slog.String("method", req.Method),
			slog.String("err", err.Error()),
			slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
}

func invalidParams(err error) error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid params: " + err.Error()}
}

func unsupported(capability string) error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: capability + " capability not supported"}
}

func decodeParams(req *jsonrpc.Request, v any) error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func cursorOf(p mcp.PaginatedRequest) *string {
	if p.Cursor == "" {
		return nil
	}
	c := p.Cursor
	return &c
}

func nextCursor(c *string) mcp.PaginatedResult {
	if c == nil {
		return mcp.PaginatedResult{}
	}
	return mcp.PaginatedResult{NextCursor: *c}
}

func (d *Dispatcher) handleUnknown(_ context.Context, _ mcpservice.Session, req *jsonrpc.Request) (any, error) {
	return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "method not found: " + req.Method}
}

func (d *Dispatcher) handlePing(context.Context, mcpservice.Session, *jsonrpc.Request) (any, error) {
	return &mcp.EmptyResult{}, nil
}

func (d *Dispatcher) tools(ctx context.Context, sess mcpservice.Session) (mcpservice.ToolsCapability, error) {
	cap, ok, err := d.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("get tools capability: %w", err)
	}
	if !ok || cap == nil {
		return nil, unsupported("tools")
	}
	return cap, nil
}

func (d *Dispatcher) prompts(ctx context.Context, sess mcpservice.Session) (mcpservice.PromptsCapability, error) {
	cap, ok, err := d.srv.GetPromptsCapability(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("get prompts capability: %w", err)
	}
	if !ok || cap == nil {
		return nil, unsupported("prompts")
	}
	return cap, nil
}

func (d *Dispatcher) resources(ctx context.Context, sess mcpservice.Session) (mcpservice.ResourcesCapability, error) {
	cap, ok, err := d.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("get resources capability: %w", err)
	}
	if !ok || cap == nil {
		return nil, unsupported("resources")
	}
	return cap, nil
}

func (d *Dispatcher) handleToolsList(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) (any, error) {
	var params mcp.ListToolsRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	cap, err := d.tools(ctx, sess)
	if err != nil {
		return nil, err
	}
	page, err := cap.ListTools(ctx, sess, cursorOf(params.PaginatedRequest))
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return &mcp.ListToolsResult{Tools: page.Items, PaginatedResult: nextCursor(page.NextCursor)}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) (any, error) {
	var params mcp.CallToolRequestReceived
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, invalidParams(errors.New("missing tool name"))
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	cap, err := d.tools(ctx, sess)
	if err != nil {
		return nil, err
	}
	res, err := cap.CallTool(ctx, sess, &params)
	if err != nil {
		if errors.Is(err, mcpservice.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("call tool %s: %w", params.Name, err)
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	return res, nil
}

func (d *Dispatcher) handlePromptsList(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) (any, error) {
	var params mcp.ListPromptsRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	cap, err := d.prompts(ctx, sess)
	if err != nil {
		return nil, err
	}
	page, err := cap.ListPrompts(ctx, sess, cursorOf(params.PaginatedRequest))
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return &mcp.ListPromptsResult{Prompts: page.Items, PaginatedResult: nextCursor(page.NextCursor)}, nil
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) (any, error) {
	var params mcp.GetPromptRequestReceived
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, invalidParams(errors.New("missing prompt name"))
	}
	cap, err := d.prompts(ctx, sess)
	if err != nil {
		return nil, err
	}
	return cap.GetPrompt(ctx, sess, &params)
}

func (d *Dispatcher) handleResourcesList(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) (any, error) {
	var params mcp.ListResourcesRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	cap, err := d.resources(ctx, sess)
	if err != nil {
		return nil, err
	}
	page, err := cap.ListResources(ctx, sess, cursorOf(params.PaginatedRequest))
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return &mcp.ListResourcesResult{Resources: page.Items, PaginatedResult: nextCursor(page.NextCursor)}, nil
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) (any, error) {
	var params mcp.ReadResourceRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, invalidParams(errors.New("missing uri"))
	}
	cap, err := d.resources(ctx, sess)
	if err != nil {
		return nil, err
	}
	return cap.ReadResource(ctx, sess, params.URI)
}
