// Package rpcerr maps transport and dispatch failures to JSON-RPC error
// envelopes and HTTP status codes, and guards against writing a response
// that has already been started.
package rpcerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-mux/sessions"
)

// Kind classifies an error for the purpose of choosing a status code.
type Kind int

const (
	KindInternal Kind = iota
	KindUnexpectedSessionID
	KindMissingSessionID
	KindSessionNotFound
	KindDuplicateSession
	KindDispatcher
	KindInvalidRequest
	KindUnsupportedMediaType
	KindNotAcceptable
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindUnexpectedSessionID:
		return "unexpected_session_id"
	case KindMissingSessionID:
		return "missing_session_id"
	case KindSessionNotFound:
		return "session_not_found"
	case KindDuplicateSession:
		return "duplicate_session"
	case KindDispatcher:
		return "dispatcher"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnsupportedMediaType:
		return "unsupported_media_type"
	case KindNotAcceptable:
		return "not_acceptable"
	case KindConflict:
		return "conflict"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status is the HTTP status used when the error is reported before any
// part of the response has been written.
func (k Kind) Status() int {
	switch k {
	case KindUnexpectedSessionID, KindMissingSessionID, KindInvalidRequest:
		return http.StatusBadRequest
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindDispatcher:
		return http.StatusOK
	case KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case KindNotAcceptable:
		return http.StatusNotAcceptable
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Code is the JSON-RPC error code placed in the envelope.
func (k Kind) Code() jsonrpc.ErrorCode {
	switch k {
	case KindUnexpectedSessionID:
		return jsonrpc.ErrorCodeUnexpectedSession
	case KindMissingSessionID, KindSessionNotFound:
		return jsonrpc.ErrorCodeSessionNotFound
	case KindInvalidRequest, KindUnsupportedMediaType, KindNotAcceptable:
		return jsonrpc.ErrorCodeInvalidRequest
	case KindConflict:
		return jsonrpc.ErrorCodeConflict
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

// Error is a classified failure. Message is safe to show to clients; Err is
// the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New builds an Error with no underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an Error carrying an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// From classifies an arbitrary error. Unrecognized errors become KindInternal
// with a generic message so internals never leak to clients.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, sessions.ErrSessionTerminated):
		return Wrap(KindSessionNotFound, "session not found", err)
	case errors.Is(err, sessions.ErrDuplicateSession):
		return Wrap(KindDuplicateSession, "internal error", err)
	default:
		return Wrap(KindInternal, "internal error", err)
	}
}
