// Package pulse publishes order progress events to Pulse streams backed by
// Redis, one stream per order, so dashboards and other consumers can follow a
// purchase in real time without polling the store.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/drishti-ai/navigator/runtime/agent"
	"github.com/drishti-ai/navigator/runtime/order"
)

const (
	streamPrefix    = "order-progress:"
	eventName       = "progress"
	defaultMaxLen   = 1000
	defaultTimeout  = 5 * time.Second
)

type (
	// Stream is the subset of Pulse stream operations the sink needs.
	// Satisfied by *streaming.Stream; tests pass a fake.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte, opts ...streamopts.AddEvent) (string, error)
	}

	// Options configures the sink.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per order stream.
		StreamMaxLen int
		// OperationTimeout bounds individual publishes.
		OperationTimeout time.Duration
	}

	// Sink implements the scheduler's progress sink over Pulse streams.
	Sink struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration

		mu      sync.Mutex
		streams map[string]Stream
		closed  bool

		// newStream is swapped in tests.
		newStream func(name string) (Stream, error)
	}

	// envelope is the wire format of one progress event.
	envelope struct {
		OrderID   string       `json:"order_id"`
		Status    order.Status `json:"status"`
		Progress  int          `json:"progress"`
		Step      string       `json:"step,omitempty"`
		SessionID string       `json:"session_id,omitempty"`
		At        time.Time    `json:"at"`
	}
)

// New builds a progress sink over the given Redis connection.
func New(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	maxLen := opts.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Sink{
		redis:   opts.Redis,
		maxLen:  maxLen,
		timeout: timeout,
		streams: make(map[string]Stream),
	}
	s.newStream = func(name string) (Stream, error) {
		return streaming.NewStream(name, s.redis, streamopts.WithStreamMaxLen(s.maxLen))
	}
	return s, nil
}

// Publish writes one progress event to the order's stream, creating the
// stream on first use.
func (s *Sink) Publish(ctx context.Context, u agent.ProgressUpdate) error {
	stream, err := s.stream(streamPrefix + u.OrderID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		OrderID:   u.OrderID,
		Status:    u.Status,
		Progress:  u.Progress,
		Step:      u.Step,
		SessionID: u.SessionID,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("pulse: marshal progress event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := stream.Add(ctx, eventName, payload); err != nil {
		return fmt.Errorf("pulse: publish progress: %w", err)
	}
	return nil
}

// Close drops the stream handles. The caller owns the Redis connection.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.streams = make(map[string]Stream)
	return nil
}

func (s *Sink) stream(name string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("pulse: sink is closed")
	}
	if stream, ok := s.streams[name]; ok {
		return stream, nil
	}
	stream, err := s.newStream(name)
	if err != nil {
		return nil, fmt.Errorf("pulse: create stream %s: %w", name, err)
	}
	s.streams[name] = stream
	return stream, nil
}
