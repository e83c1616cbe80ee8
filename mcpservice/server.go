package mcpservice

import (
	"context"

	"github.com/ggoodman/mcp-session-mux/mcp"
)

// ServerOption configures a concrete ServerCapabilities implementation.
type ServerOption func(*server)

type server struct {
	info         mcp.ImplementationInfo
	instructions string

	tools     ToolsCapability
	prompts   PromptsCapability
	resources ResourcesCapability
}

// NewServer builds a ServerCapabilities using functional options. Capabilities
// left unset are reported absent.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets the implementation info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *server) { s.instructions = instr }
}

// WithToolsCapability wires a ToolsCapability used for all sessions.
func WithToolsCapability(cap ToolsCapability) ServerOption {
	return func(s *server) { s.tools = cap }
}

// WithPromptsCapability wires a PromptsCapability used for all sessions.
func WithPromptsCapability(cap PromptsCapability) ServerOption {
	return func(s *server) { s.prompts = cap }
}

// WithResourcesCapability wires a ResourcesCapability used for all sessions.
func WithResourcesCapability(cap ResourcesCapability) ServerOption {
	return func(s *server) { s.resources = cap }
}

func (s *server) GetServerInfo(context.Context, Session) (mcp.ImplementationInfo, error) {
	return s.info, nil
}

func (s *server) GetInstructions(context.Context, Session) (string, bool, error) {
	return s.instructions, s.instructions != "", nil
}

func (s *server) GetToolsCapability(context.Context, Session) (ToolsCapability, bool, error) {
	return s.tools, s.tools != nil, nil
}

func (s *server) GetPromptsCapability(context.Context, Session) (PromptsCapability, bool, error) {
	return s.prompts, s.prompts != nil, nil
}

func (s *server) GetResourcesCapability(context.Context, Session) (ResourcesCapability, bool, error) {
	return s.resources, s.resources != nil, nil
}
