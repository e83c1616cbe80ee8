package mcpservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-session-mux/mcp"
)

var (
	// ErrNotFound is matched (via errors.Is) by every lookup miss in a
	// capability: unknown tool, prompt or resource.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArguments reports arguments that do not satisfy a prompt or
	// resource's declared shape.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// NotFoundError names the missing item. It matches ErrNotFound.
type NotFoundError struct {
	// Kind is "tool", "prompt" or "resource".
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown %s: %s", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Session is the view of a client session offered to capability code.
type Session interface {
	SessionID() string
	// Transport is "modern" or "legacy".
	Transport() string
	// ProtocolVersion is the version negotiated during initialize.
	ProtocolVersion() string
}

// ServerCapabilities is the external registry consulted by the protocol
// dispatcher. Capability discovery methods return (cap, ok, err): ok == false
// means the capability is absent for the session and the dispatcher answers
// with a not-found error for its methods.
//
// Implementations MUST be safe for concurrent use; the same value serves every
// session on both transports.
type ServerCapabilities interface {
	// GetServerInfo returns the implementation info surfaced in initialize.
	GetServerInfo(ctx context.Context, session Session) (mcp.ImplementationInfo, error)

	// GetInstructions returns optional human-readable instructions.
	GetInstructions(ctx context.Context, session Session) (instructions string, ok bool, err error)

	GetToolsCapability(ctx context.Context, session Session) (cap ToolsCapability, ok bool, err error)
	GetPromptsCapability(ctx context.Context, session Session) (cap PromptsCapability, ok bool, err error)
	GetResourcesCapability(ctx context.Context, session Session) (cap ResourcesCapability, ok bool, err error)
}

// ToolsCapability lists and invokes tools.
type ToolsCapability interface {
	// ListTools returns a page of tools. A nil cursor requests the first page.
	ListTools(ctx context.Context, session Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool invokes the named tool. An unknown name yields an error
	// matching ErrNotFound. Tool-level failures belong in the result
	// (IsError); a returned error is treated as an internal failure.
	CallTool(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)
}

// PromptsCapability lists and renders prompts.
type PromptsCapability interface {
	ListPrompts(ctx context.Context, session Session, cursor *string) (Page[mcp.Prompt], error)

	// GetPrompt renders the named prompt. Unknown names match ErrNotFound;
	// missing required arguments match ErrInvalidArguments.
	GetPrompt(ctx context.Context, session Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)
}

// ResourcesCapability lists and reads resources.
type ResourcesCapability interface {
	ListResources(ctx context.Context, session Session, cursor *string) (Page[mcp.Resource], error)

	// ReadResource returns the contents for uri. Unknown URIs match ErrNotFound.
	ReadResource(ctx context.Context, session Session, uri string) (*mcp.ReadResourceResult, error)
}
