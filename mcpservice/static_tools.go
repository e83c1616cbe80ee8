package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-session-mux/mcp"
	"github.com/invopop/jsonschema"
)

const defaultPageSize = 50

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest is the container for tool call input and request metadata.
// It is generic over the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	meta                      map[string]any
	allowAdditionalProperties bool // default false (strict)
}

// WithToolTitle sets the human friendly display title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolMeta attaches implementation-defined metadata to the descriptor.
func WithToolMeta(meta map[string]any) ToolOption {
	return func(c *toolConfig) { c.meta = meta }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a StaticTool from a typed args struct A. It reflects a
// JSON Schema from A with invopop/jsonschema, down-converts it to the
// simplified ToolInputSchema and wraps fn with runtime decoding of the call
// arguments. Decoding failures are reported as an IsError result.
func NewTool[A any](name string, fn func(ctx context.Context, session Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
		Meta:        cfg.meta,
	}

	handler := func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// TypedTool wraps a strongly typed args function into a StaticTool with a
// caller-supplied descriptor. Unknown fields are tolerated.
func TypedTool[A any](desc mcp.Tool, fn func(ctx context.Context, session Session, args A) (*mcp.CallToolResult, error)) StaticTool {
	return StaticTool{
		Descriptor: desc,
		Handler: func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			a, err := decodeArgs[A](req.Arguments, true)
			if err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
			return fn(ctx, session, a)
		},
	}
}

func decodeArgs[A any](raw json.RawMessage, lenient bool) (A, error) {
	var a A
	if len(raw) == 0 || string(raw) == "null" {
		return a, nil
	}
	if lenient {
		err := json.Unmarshal(raw, &a)
		return a, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	err := dec.Decode(&a)
	return a, err
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map onto ToolInputSchema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             append([]string(nil), s.Required...),
		AdditionalProperties: allowAdditional,
	}
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer owns a mutable, threadsafe set of tool descriptors and
// handlers. It implements ToolsCapability.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	pageSize int
}

// NewToolsContainer constructs a new ToolsContainer with the given tool definitions.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	tc := &ToolsContainer{pageSize: defaultPageSize, handlers: make(map[string]ToolHandler)}
	for _, d := range defs {
		tc.Add(d)
	}
	return tc
}

// SetPageSize sets the pagination size used by ListTools.
// A non-positive value is ignored.
func (tc *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	tc.mu.Lock()
	tc.pageSize = n
	tc.mu.Unlock()
}

// Snapshot returns a copy of the current tool descriptors.
func (tc *ToolsContainer) Snapshot() []mcp.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]mcp.Tool, len(tc.tools))
	copy(out, tc.tools)
	return out
}

// Add registers a new tool if it doesn't duplicate an existing name.
// Returns true if added.
func (tc *ToolsContainer) Add(def StaticTool) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	name := def.Descriptor.Name
	if _, exists := tc.handlers[name]; exists || def.Handler == nil {
		return false
	}
	tc.tools = append(tc.tools, def.Descriptor)
	tc.handlers[name] = def.Handler
	return true
}

// Remove removes a tool by name. Returns true if removed.
func (tc *ToolsContainer) Remove(name string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if _, ok := tc.handlers[name]; !ok {
		return false
	}
	delete(tc.handlers, name)
	n := 0
	for _, t := range tc.tools {
		if t.Name != name {
			tc.tools[n] = t
			n++
		}
	}
	tc.tools = tc.tools[:n]
	return true
}

// ListTools implements ToolsCapability.
func (tc *ToolsContainer) ListTools(_ context.Context, _ Session, cursor *string) (Page[mcp.Tool], error) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return paginate(tc.tools, cursor, tc.pageSize), nil
}

// CallTool implements ToolsCapability.
func (tc *ToolsContainer) CallTool(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing tool name", ErrInvalidArguments)
	}
	tc.mu.RLock()
	h := tc.handlers[req.Name]
	tc.mu.RUnlock()
	if h == nil {
		return nil, &NotFoundError{Kind: "tool", Name: req.Name}
	}
	return h(ctx, session, req)
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}

var _ ToolsCapability = (*ToolsContainer)(nil)
