package llmqueue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChannelPublisher is the subset of cache.Client used for event fan-out.
type ChannelPublisher interface {
	Publish(ctx context.Context, channel string, message any) (int64, error)
}

// RedisPublisher forwards events to a Redis pub/sub channel so other
// processes can follow the queue. Events are buffered and sent by Run; a
// full buffer drops the event.
type RedisPublisher struct {
	client  ChannelPublisher
	channel string
	events  chan Event
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewRedisPublisher creates a publisher on channel with room for buffer
// events.
func NewRedisPublisher(client ChannelPublisher, channel string, buffer int, logger *slog.Logger) *RedisPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		events:  make(chan Event, buffer),
		logger:  logger.With("component", "redis-publisher"),
	}
}

func (p *RedisPublisher) Publish(e Event) {
	select {
	case p.events <- e:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (p *RedisPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run sends buffered events until ctx is done, then flushes what is left
// with a short deadline.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-p.events:
			p.send(ctx, e)
		case <-ctx.Done():
			p.flush()
			return nil
		}
	}
}

func (p *RedisPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-p.events:
			p.send(ctx, e)
		default:
			return
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, e Event) {
	if _, err := p.client.Publish(ctx, p.channel, e); err != nil {
		p.logger.Warn("failed to publish event", "request_id", e.RequestID, "type", e.Type, "error", err)
	}
}

var _ EventPublisher = (*RedisPublisher)(nil)
