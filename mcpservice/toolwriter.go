package mcpservice

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/ggoodman/mcp-session-mux/mcp"
)

// ToolResponseWriter allows a tool handler to incrementally compose a
// CallToolResult while optionally emitting progress notifications.
//
// Notes:
//   - It is concurrency-safe for use within a single request.
//   - Writes after finalization (Result) return ErrFinalized.
//   - SendProgress delegates to the ambient ProgressReporter when present and
//     is a no-op otherwise.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	SetStructured(v map[string]any)
	SetMeta(key string, v any)
	SendProgress(progress, total float64, message string) error
	// Result finalizes and returns the accumulated result. It is idempotent.
	Result() *mcp.CallToolResult
}

// ErrFinalized is returned when attempting to write after Result() was called.
var ErrFinalized = errors.New("result already finalized")

type toolResponseWriter struct {
	ctx       context.Context
	mu        sync.Mutex
	finalized bool

	blocks     []mcp.ContentBlock
	isError    bool
	structured map[string]any
	meta       map[string]any
}

var _ ToolResponseWriter = (*toolResponseWriter)(nil)

func newToolResponseWriter(ctx context.Context) *toolResponseWriter {
	return &toolResponseWriter{ctx: ctx}
}

func (w *toolResponseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *toolResponseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *toolResponseWriter) SetStructured(v map[string]any) {
	w.mu.Lock()
	w.structured = maps.Clone(v)
	w.mu.Unlock()
}

func (w *toolResponseWriter) SetMeta(key string, v any) {
	if key == "" {
		return
	}
	w.mu.Lock()
	if w.meta == nil {
		w.meta = make(map[string]any)
	}
	w.meta[key] = v
	w.mu.Unlock()
}

func (w *toolResponseWriter) SendProgress(progress, total float64, message string) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if pr, ok := ProgressFrom(w.ctx); ok {
		return pr.Report(w.ctx, progress, total, message)
	}
	return nil
}

func (w *toolResponseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	content := append([]mcp.ContentBlock{}, w.blocks...)
	return &mcp.CallToolResult{
		Content:           content,
		IsError:           w.isError,
		StructuredContent: maps.Clone(w.structured),
		BaseMetadata:      mcp.BaseMetadata{Meta: maps.Clone(w.meta)},
	}
}
