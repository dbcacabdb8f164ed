package publisher

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/metrics"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("checkout-engine/publisher")

const (
	DefaultTopic     = "checkout-orders"
	DefaultBatchSize = 100
)

// OutboxSource is the part of the store the poller reads from.
type OutboxSource interface {
	UnprocessedOutbox(ctx context.Context, limit int) ([]*store.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutboxPoller relays committed outbox events to the broker. Events are
// marked processed only after the broker accepted them, so delivery is at
// least once and consumers dedupe on the event id header.
type OutboxPoller struct {
	timeout   time.Duration
	eventTick time.Duration
	batchSize int
	source    OutboxSource
	writer    MessageWriter
	breaker   *gobreaker.CircuitBreaker[struct{}]
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type Option func(*OutboxPoller)

func WithTick(d time.Duration) Option {
	return func(p *OutboxPoller) { p.eventTick = d }
}

func WithBatchSize(n int) Option {
	return func(p *OutboxPoller) { p.batchSize = n }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(p *OutboxPoller) { p.timeout = d }
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // same order id, same partition
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func NewOutboxPoller(source OutboxSource, writer MessageWriter, log *zap.Logger, m *metrics.Metrics, opts ...Option) *OutboxPoller {
	p := &OutboxPoller{
		timeout:   5 * time.Second,
		eventTick: time.Second,
		batchSize: DefaultBatchSize,
		source:    source,
		writer:    writer,
		logger:    log,
		metrics:   m,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "outbox-kafka",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return p
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processUnpublishedEvents publishes one batch in creation order and returns
// how many events were marked processed. It stops at the first failed publish
// so that events of one order are never delivered out of order.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.source.UnprocessedOutbox(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to fetch outbox events", zap.Error(err))
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.metrics.OutboxPublished(false)
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				p.logger.Debug("outbox publishing paused, breaker open")
			} else {
				p.logger.Warn("failed to publish outbox event", zap.Int64("event_id", event.ID), zap.Error(err))
			}
			return published
		}
		p.metrics.OutboxPublished(true)

		if err := p.source.MarkOutboxProcessed(ctx, event.ID); err != nil {
			p.logger.Error("failed to mark outbox event as processed", zap.Int64("event_id", event.ID), zap.Error(err))
			return published
		}
		published++
	}
	return published
}

func (p *OutboxPoller) publish(ctx context.Context, event *store.OutboxEvent) error {
	ctx, span := tracer.Start(ctx, "outbox.Publish")
	span.SetAttributes(
		attribute.Int64("outbox.event_id", event.ID),
		attribute.String("outbox.event_type", event.EventType),
	)
	defer span.End()

	_, err := p.breaker.Execute(func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return struct{}{}, p.writer.WriteMessages(ctx, toMessage(event))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
	}
	return err
}

func toMessage(event *store.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(event.AggregateID), // order id keeps per-order ordering
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(event.ID, 10))},
		},
		Time: event.CreatedAt,
	}
}

// Close flushes and closes the underlying writer.
func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}
