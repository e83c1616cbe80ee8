package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-session-mux/mcp"
	"github.com/ggoodman/mcp-session-mux/mcpservice"
)

const readme = `mcp-mux serves one tool catalog over two transports.

Streamable HTTP: POST, GET and DELETE on /mcp with the Mcp-Session-Id header.
HTTP+SSE: GET /sse, then POST to the endpoint it announces.
`

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to send back"`
}

type clockArgs struct {
	Zone string `json:"zone,omitempty" jsonschema:"description=IANA time zone; defaults to UTC"`
}

type countdownArgs struct {
	From     int `json:"from" jsonschema:"minimum=1,maximum=100,description=Number to count down from"`
	StepMsec int `json:"stepMs,omitempty" jsonschema:"minimum=0,maximum=5000,description=Delay between steps in milliseconds"`
}

// newCatalog builds the demo catalog served by the binary.
func newCatalog(name, version, instructions string, now func() time.Time) mcpservice.ServerCapabilities {
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool[echoArgs]("echo", func(ctx context.Context, _ mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
			return w.AppendText(r.Args().Message)
		}, mcpservice.WithToolDescription("Echo a message back to the caller.")),

		mcpservice.NewTool[clockArgs]("clock", func(ctx context.Context, _ mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[clockArgs]) error {
			loc := time.UTC
			if z := r.Args().Zone; z != "" {
				l, err := time.LoadLocation(z)
				if err != nil {
					w.SetError(true)
					return w.AppendText(fmt.Sprintf("unknown time zone %q", z))
				}
				loc = l
			}
			return w.AppendText(now().In(loc).Format(time.RFC3339))
		}, mcpservice.WithToolDescription("Report the current time.")),

		mcpservice.NewTool[countdownArgs]("countdown", func(ctx context.Context, _ mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[countdownArgs]) error {
			args := r.Args()
			if args.From < 1 {
				w.SetError(true)
				return w.AppendText("from must be at least 1")
			}
			step := time.Duration(args.StepMsec) * time.Millisecond
			total := float64(args.From)
			for i := args.From; i > 0; i-- {
				if err := w.SendProgress(total-float64(i)+1, total, fmt.Sprintf("%d", i)); err != nil {
					return err
				}
				if step > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(step):
					}
				}
			}
			return w.AppendText("liftoff")
		}, mcpservice.WithToolDescription("Count down, reporting progress at every step.")),
	)

	prompts := mcpservice.NewPromptsContainer(mcpservice.StaticPrompt{
		Descriptor: mcp.Prompt{
			Name:        "greeting",
			Description: "Greet someone by name.",
			Arguments:   []mcp.PromptArgument{{Name: "name", Required: true}},
		},
		Handler: func(_ context.Context, _ mcpservice.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []mcp.PromptMessage{{
					Role:    mcp.RoleUser,
					Content: mcp.ContentBlock{Type: mcp.ContentTypeText, Text: "Say hello to " + req.Arguments["name"] + "."},
				}},
			}, nil
		},
	})

	resources := mcpservice.NewResourcesContainer(
		mcpservice.TextResource("mux://readme", "readme", "text/plain", readme),
	)

	opts := []mcpservice.ServerOption{
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: name, Version: version}),
		mcpservice.WithToolsCapability(tools),
		mcpservice.WithPromptsCapability(prompts),
		mcpservice.WithResourcesCapability(resources),
	}
	if instructions != "" {
		opts = append(opts, mcpservice.WithInstructions(instructions))
	}
	return mcpservice.NewServer(opts...)
}
