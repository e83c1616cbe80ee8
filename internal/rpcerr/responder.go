package rpcerr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/felixge/httpsnoop"
	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
)

// ErrResponseStarted is returned when a second write is attempted for a
// response whose status line has already been sent.
var ErrResponseStarted = errors.New("response already started")

type trackerKey struct{}

type tracker struct {
	started atomic.Bool
}

// Track wraps w so that any header write, body write or flush marks the
// response as started. The tracker is stored in the request context, which
// Started reads. Nested Track calls reuse the outer tracker.
func Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(trackerKey{}).(*tracker); ok {
			next.ServeHTTP(w, r)
			return
		}

		t := &tracker{}
		ww := httpsnoop.Wrap(w, httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(code int) {
					if code >= http.StatusOK {
						t.started.Store(true)
					}
					next(code)
				}
			},
			Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
				return func(b []byte) (int, error) {
					t.started.Store(true)
					return next(b)
				}
			},
			Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
				return func() {
					t.started.Store(true)
					next()
				}
			},
			ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
				return func(src io.Reader) (int64, error) {
					t.started.Store(true)
					return next(src)
				}
			},
		})
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), trackerKey{}, t)))
	})
}

// Started reports whether the response tracked by ctx has begun.
func Started(ctx context.Context) bool {
	t, ok := ctx.Value(trackerKey{}).(*tracker)
	return ok && t.started.Load()
}

// Responder writes JSON bodies and JSON-RPC error envelopes, refusing to
// write once the response has started.
type Responder struct {
	log *slog.Logger
}

// NewResponder returns a Responder logging to log. A nil logger discards.
func NewResponder(log *slog.Logger) *Responder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Responder{log: log}
}

// Error reports err to the client as a JSON-RPC error envelope with the
// status chosen by its Kind. If the response has already started it logs and
// returns without writing; the caller should then simply return so the
// connection is closed.
func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, id *jsonrpc.RequestID, err error) {
	ctx := r.Context()
	e := From(err)

	attrs := []any{
		slog.String("kind", e.Kind.String()),
		slog.Int("status", e.Kind.Status()),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("err", e.Err.Error()))
	}

	if Started(ctx) {
		rs.log.ErrorContext(ctx, "response.already_started", attrs...)
		return
	}

	switch status := e.Kind.Status(); {
	case status >= http.StatusInternalServerError:
		rs.log.ErrorContext(ctx, "protocol.error", attrs...)
	default:
		rs.log.WarnContext(ctx, "protocol.error", attrs...)
	}

	resp := jsonrpc.NewErrorResponse(id, e.Kind.Code(), e.Message, nil)
	if werr := rs.JSON(w, r, e.Kind.Status(), resp); werr != nil {
		rs.log.ErrorContext(ctx, "protocol.error.write.fail", slog.String("err", werr.Error()))
	}
}

// JSON writes v as the response body with the given status.
func (rs *Responder) JSON(w http.ResponseWriter, r *http.Request, status int, v any) error {
	if Started(r.Context()) {
		return ErrResponseStarted
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(append(b, '\n'))
	return err
}

// Empty writes a bodiless response with the given status.
func (rs *Responder) Empty(w http.ResponseWriter, r *http.Request, status int) error {
	if Started(r.Context()) {
		return ErrResponseStarted
	}
	w.WriteHeader(status)
	return nil
}
