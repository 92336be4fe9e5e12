package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/veilpool/veil-core/internal/queue"
)

// QueueNotifier carries statuses over a queue topic. Every subscriber needs its
// own consumer group so that all instances see every status.
type QueueNotifier struct {
	producer queue.Producer
	consumer queue.ConsumerConfig
	topic    string
	log      *slog.Logger
}

type QueueConfig struct {
	Topic    string
	Producer queue.Producer
	// Consumer is used as a template; Topics is overwritten with Topic.
	Consumer queue.ConsumerConfig
	Log      *slog.Logger
}

func NewQueue(cfg QueueConfig) (*QueueNotifier, error) {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" || cfg.Producer == nil {
		return nil, fmt.Errorf("%w: topic and producer are required", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &QueueNotifier{producer: cfg.Producer, consumer: cfg.Consumer, topic: topic, log: log}, nil
}

func (n *QueueNotifier) Publish(ctx context.Context, s Status) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	if err := n.producer.Publish(ctx, n.topic, []byte(s.Owner), b); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

func (n *QueueNotifier) Subscribe(ctx context.Context, fn func(Status)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil subscriber", ErrInvalidConfig)
	}
	cfg := n.consumer
	cfg.Topics = []string{n.topic}
	c, err := queue.NewConsumer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}

	go func() {
		defer func() { _ = c.Close() }()
		msgs, errs := c.Messages(), c.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				n.log.Warn("status consumer error", "topic", n.topic, "err", err)
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				s, err := Decode(msg.Value)
				if err != nil {
					n.log.Warn("drop malformed status", "topic", n.topic, "err", err)
				} else {
					fn(s)
				}
				if err := msg.Ack(ctx); err != nil && ctx.Err() == nil {
					n.log.Warn("ack status", "topic", n.topic, "err", err)
				}
			}
		}
	}()
	return nil
}

var _ Notifier = (*QueueNotifier)(nil)
