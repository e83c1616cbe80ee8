package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-session-mux/mcp"
)

// PromptHandler handles a prompt get request to produce messages. Required
// arguments have already been checked when it runs.
type PromptHandler func(ctx context.Context, session Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with a handler that can materialize it.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// PromptsContainer owns a mutable, threadsafe set of prompt descriptors and
// handlers. It implements PromptsCapability.
type PromptsContainer struct {
	mu       sync.RWMutex
	prompts  []mcp.Prompt
	handlers map[string]PromptHandler

	pageSize int
}

// NewPromptsContainer constructs a new PromptsContainer with the given definitions.
func NewPromptsContainer(defs ...StaticPrompt) *PromptsContainer {
	pc := &PromptsContainer{pageSize: defaultPageSize, handlers: make(map[string]PromptHandler)}
	for _, d := range defs {
		pc.Add(d)
	}
	return pc
}

// Add registers a new prompt if it doesn't duplicate an existing name.
// Returns true if added.
func (pc *PromptsContainer) Add(def StaticPrompt) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	name := def.Descriptor.Name
	if _, exists := pc.handlers[name]; exists || def.Handler == nil {
		return false
	}
	pc.prompts = append(pc.prompts, def.Descriptor)
	pc.handlers[name] = def.Handler
	return true
}

// ListPrompts implements PromptsCapability.
func (pc *PromptsContainer) ListPrompts(_ context.Context, _ Session, cursor *string) (Page[mcp.Prompt], error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return paginate(pc.prompts, cursor, pc.pageSize), nil
}

// GetPrompt implements PromptsCapability.
func (pc *PromptsContainer) GetPrompt(ctx context.Context, session Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing prompt name", ErrInvalidArguments)
	}

	pc.mu.RLock()
	h := pc.handlers[req.Name]
	var desc mcp.Prompt
	for _, p := range pc.prompts {
		if p.Name == req.Name {
			desc = p
			break
		}
	}
	pc.mu.RUnlock()

	if h == nil {
		return nil, &NotFoundError{Kind: "prompt", Name: req.Name}
	}
	for _, arg := range desc.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := req.Arguments[arg.Name]; !ok {
			return nil, fmt.Errorf("%w: prompt %s requires argument %q", ErrInvalidArguments, req.Name, arg.Name)
		}
	}
	return h(ctx, session, req)
}

var _ PromptsCapability = (*PromptsContainer)(nil)
