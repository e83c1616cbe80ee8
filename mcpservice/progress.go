package mcpservice

import "context"

// ProgressReporter reports progress of a long-running operation. The protocol
// handler injects one into the context of every request that carried a
// progress token; server code retrieves it with ProgressFrom and calls Report
// to emit notifications/progress on the session's push channel.
type ProgressReporter interface {
	// Report emits a progress update. total may be zero when unknown.
	Report(ctx context.Context, progress, total float64, message string) error
}

type progressKey struct{}

// WithProgressReporter returns a new context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves a ProgressReporter from the context if present.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}
