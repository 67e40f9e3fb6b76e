// Package relay forwards pool messages to a message broker.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rickgao/kitchen-stream/internal/buffer"
	"github.com/rickgao/kitchen-stream/internal/connection"
)

// Metadata keys set on every relayed message.
const (
	MetaConnectionID = "connection_id"
	MetaEventType    = "event_type"
	MetaEventID      = "event_id"
)

// Source is the pool bus the relay subscribes to.
type Source interface {
	OnMessage(fn func(connection.MessageEvent)) *connection.Subscription
	Off(sub *connection.Subscription)
}

// Config holds relay settings.
type Config struct {
	TopicPrefix string
	BufferSize  int
}

// Stats are relay counters.
type Stats struct {
	Published int64
	Failed    int64
	Overflow  int64
}

// Relay publishes every dispatched pool message to
// <prefix>.<connection id>.<event type>.
type Relay struct {
	cfg    Config
	pub    message.Publisher
	source Source
	logger *slog.Logger

	queue *buffer.Queue[connection.MessageEvent]
	sub   *connection.Subscription
	wg    sync.WaitGroup

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a relay. Nothing is published until Start.
func New(cfg Config, pub message.Publisher, source Source, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "kitchen"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}

	return &Relay{
		cfg:    cfg,
		pub:    pub,
		source: source,
		logger: logger,
		queue:  buffer.NewQueue[connection.MessageEvent](256, cfg.BufferSize),
	}
}

// NewAMQPPublisher creates a durable AMQP publisher that routes every
// topic through one topic exchange.
func NewAMQPPublisher(uri, exchange string, logger *slog.Logger) (message.Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicName)
	cfg.Exchange.GenerateName = func(topic string) string { return exchange }
	cfg.Exchange.Type = "topic"
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }

	pub, err := amqp.NewPublisher(cfg, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create amqp publisher: %w", err)
	}
	return pub, nil
}

// Topic returns the topic a message is published to.
func Topic(prefix, connectionID, eventType string) string {
	return strings.Join([]string{prefix, sanitize(connectionID), sanitize(eventType)}, ".")
}

// Start subscribes to the bus and begins publishing.
func (r *Relay) Start(ctx context.Context) error {
	r.sub = r.source.OnMessage(func(ev connection.MessageEvent) {
		r.queue.Send(ev)
	})

	r.wg.Add(1)
	go r.publishLoop(ctx)

	r.logger.Info("relay started", "topic_prefix", r.cfg.TopicPrefix)
	return nil
}

// Stop unsubscribes, publishes what is queued and closes the publisher.
func (r *Relay) Stop(ctx context.Context) error {
	if r.sub != nil {
		r.source.Off(r.sub)
		r.sub = nil
	}
	r.queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("relay stop timed out", "pending", r.queue.Len())
	}

	if err := r.pub.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	r.logger.Info("relay stopped", "published", r.published.Load(), "failed", r.failed.Load())
	return nil
}

// Stats returns relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Failed:    r.failed.Load(),
		Overflow:  r.queue.Stats().Dropped,
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		ev, ok := r.queue.Receive()
		if !ok {
			return
		}
		if err := r.publish(ctx, ev); err != nil {
			r.failed.Add(1)
			r.logger.Error("relay publish failed", "error", err, "conn_id", ev.ConnectionID)
			continue
		}
		r.published.Add(1)
	}
}

func (r *Relay) publish(ctx context.Context, ev connection.MessageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetaConnectionID, ev.ConnectionID)
	msg.Metadata.Set(MetaEventType, ev.EventType)
	if ev.ID != "" {
		msg.Metadata.Set(MetaEventID, ev.ID)
	}

	topic := Topic(r.cfg.TopicPrefix, ev.ConnectionID, ev.EventType)
	if err := r.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// sanitize keeps routing key segments free of separators and wildcards.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '#', ' ':
			return '_'
		}
		return r
	}, s)
}
