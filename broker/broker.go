// Package broker delivers server-to-client messages from whichever request
// produced them to the single connection that holds a session's push
// channel. Each session publishes into its own namespace, so subscribers of
// one session never observe another session's messages.
package broker

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
)

var (
	// ErrNamespaceClosed is returned when publishing to or subscribing on a
	// namespace that has been cleaned up.
	ErrNamespaceClosed = errors.New("broker namespace closed")
	// ErrStreamClosed is returned by Next after the stream was closed locally.
	ErrStreamClosed = errors.New("broker stream closed")
	// ErrSlowConsumer is returned by Next when the subscriber fell too far
	// behind and was dropped.
	ErrSlowConsumer = errors.New("broker subscriber too slow")
)

// Broker handles ordered message delivery within isolated namespaces.
type Broker interface {
	// Publish appends message to namespace and returns its event ID.
	Publish(ctx context.Context, namespace string, message jsonrpc.Message) (eventID string, err error)

	// Subscribe to namespace messages, resuming from lastEventID if provided.
	// If lastEventID is empty, subscription starts from the next published message.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (MessageStream, error)

	// Cleanup removes all resources associated with a namespace. Open
	// streams on the namespace end with io.EOF.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageStream provides ordered message consumption within a namespace.
// Streams are safe for use by a single consumer goroutine.
type MessageStream interface {
	// Next blocks until the next message is available or context is cancelled.
	// Returns io.EOF when the namespace was cleaned up.
	Next(ctx context.Context) (MessageEnvelope, error)

	// Close releases resources associated with this stream.
	Close() error
}

// MessageEnvelope wraps a message with its delivery metadata.
type MessageEnvelope struct {
	// ID increases monotonically within the namespace.
	ID string `json:"id"`
	// Data is the JSON-RPC message.
	Data []byte `json:"data"`
}
