// Package redis implements broker.Broker on Redis Streams so push channels
// can be served by a different process than the one handling the request.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/ggoodman/mcp-session-mux/internal/jsonrpc"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	fieldData    = "data"
	fieldControl = "ctrl"
	controlEOF   = "eof"
)

// KEYS[1] is the stream, KEYS[2] the namespace's closed marker.
var (
	publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return false end
return redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[1], '*', '` + fieldData + `', ARGV[2])
`)

	positionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return false end
local last = redis.call('XREVRANGE', KEYS[1], '+', '-', 'COUNT', 1)
if #last == 0 then return '0-0' end
return last[1][1]
`)

	cleanupScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
redis.call('XADD', KEYS[1], '*', '` + fieldControl + `', '` + controlEOF + `')
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)
)

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, one is built from Addr.
	Client redis.UniversalClient

	Addr     string `env:"REDIS_ADDR,default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`

	// KeyPrefix is prepended to all Redis keys used by the broker.
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcp:broker:"`

	// MaxLen caps each namespace stream (approximate trimming).
	MaxLen int64 `env:"REDIS_STREAM_MAXLEN,default=1000"`

	// Block is how long a single XREAD waits before re-checking the context.
	Block time.Duration `env:"REDIS_STREAM_BLOCK,default=250ms"`

	// Retention is how long a cleaned-up stream lingers so that open
	// subscribers observe the end-of-stream marker. The namespace rejects
	// Publish and Subscribe with broker.ErrNamespaceClosed for as long.
	Retention time.Duration `env:"REDIS_STREAM_RETENTION,default=30s"`
}

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
type Broker struct {
	client    redis.UniversalClient
	ownClient bool
	cfg       Config
}

// NewFromEnv builds a Broker from REDIS_* environment variables.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis broker config: %w", err)
	}
	return New(cfg), nil
}

// New creates a new Redis-based broker instance.
func New(cfg Config) *Broker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcp:broker:"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	if cfg.Block <= 0 {
		cfg.Block = 250 * time.Millisecond
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Second
	}

	b := &Broker{client: cfg.Client, cfg: cfg}
	if b.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		b.client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		b.ownClient = true
	}
	return b
}

// Ping verifies connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection if the broker created it.
func (b *Broker) Close() error {
	if !b.ownClient {
		return nil
	}
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, message jsonrpc.Message) (string, error) {
	key := b.streamKey(namespace)

	id, err := publishScript.Run(ctx, b.client, []string{key, b.closedKey(namespace)}, b.cfg.MaxLen, []byte(message)).Text()
	if errors.Is(err, redis.Nil) {
		return "", broker.ErrNamespaceClosed
	}
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", key, err)
	}
	return id, nil
}

// Subscribe implements broker.Broker. Without lastEventID the stream starts
// after the newest entry present at subscription time, so nothing published
// after Subscribe returns is missed.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.MessageStream, error) {
	key := b.streamKey(namespace)

	pos, err := positionScript.Run(ctx, b.client, []string{key, b.closedKey(namespace)}).Text()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrNamespaceClosed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stream position for %s: %w", key, err)
	}

	startID := lastEventID
	if startID == "" {
		startID = pos
	}

	return &stream{b: b, key: key, lastID: startID}, nil
}

// Cleanup implements broker.Broker. It marks the namespace closed, appends
// an end-of-stream marker and lets the stream expire so that live
// subscribers can observe the marker. Repeated calls are no-ops.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	keys := []string{b.streamKey(namespace), b.closedKey(namespace)}
	if err := cleanupScript.Run(ctx, b.client, keys, b.cfg.Retention.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.cfg.KeyPrefix + "stream:" + namespace
}

func (b *Broker) closedKey(namespace string) string {
	return b.cfg.KeyPrefix + "closed:" + namespace
}

type stream struct {
	b      *Broker
	key    string
	lastID string

	pending []redis.XMessage
	closed  atomic.Bool
	eof     bool
}

// Next implements broker.MessageStream.
func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		if s.closed.Load() {
			return broker.MessageEnvelope{}, broker.ErrStreamClosed
		}
		if s.eof {
			return broker.MessageEnvelope{}, io.EOF
		}

		for len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.lastID = msg.ID

			if ctrl, ok := msg.Values[fieldControl].(string); ok && ctrl == controlEOF {
				s.eof = true
				s.pending = nil
				return broker.MessageEnvelope{}, io.EOF
			}
			data, ok := msg.Values[fieldData].(string)
			if !ok {
				continue
			}
			return broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}, nil
		}

		if err := ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}

		streams, err := s.b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.lastID},
			Count:   64,
			Block:   s.b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return broker.MessageEnvelope{}, ctxErr
			}
			return broker.MessageEnvelope{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}
		for _, st := range streams {
			s.pending = append(s.pending, st.Messages...)
		}
	}
}

// Close implements broker.MessageStream.
func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
