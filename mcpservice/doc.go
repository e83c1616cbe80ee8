// Package mcpservice is the external registry the multiplexer dispatches to.
// It exposes capability interfaces for tools, prompts and resources, plus
// static containers that satisfy them for servers with a fixed catalog.
//
// Quick start:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo back"`
//	}
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool[EchoArgs]("echo",
//	        func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	            return w.AppendText(r.Args().Message)
//	        },
//	        mcpservice.WithToolDescription("Echo a message back to the caller"),
//	    ),
//	)
//	resources := mcpservice.NewResourcesContainer(
//	    mcpservice.TextResource("mux://readme", "readme", "text/plain", "hello"),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithToolsCapability(tools),
//	    mcpservice.WithResourcesCapability(resources),
//	)
//
// Lookup misses return errors matching ErrNotFound and bad prompt arguments
// match ErrInvalidArguments; the dispatcher maps both to invalid-params
// JSON-RPC errors. Any other error is reported to the client as an internal
// error.
package mcpservice
