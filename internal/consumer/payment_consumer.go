package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/service"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const DefaultPaymentTopic = "payment-results"

// PaymentResultEvent is published by the payment gateway once a payment
// settles.
type PaymentResultEvent struct {
	PaymentRef string               `json:"payment_ref"`
	Status     domain.PaymentStatus `json:"status"`
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type PaymentStatusUpdater interface {
	UpdatePaymentStatus(ctx context.Context, paymentRef string, status domain.PaymentStatus) (*domain.Order, error)
}

// Consumer applies payment results to orders. Offsets are committed after
// the update, or after giving up on a message that can never apply.
type Consumer struct {
	orders     PaymentStatusUpdater
	reader     MessageReader
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewKafkaReader(topic string, brokers ...string) *kafka.Reader {
	if topic == "" {
		topic = DefaultPaymentTopic
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  "checkout-engine-payments",
		MaxBytes: 10e6, // 10MB
	})
}

func NewConsumer(orders PaymentStatusUpdater, reader MessageReader, log *zap.Logger) *Consumer {
	return &Consumer{
		orders:     orders,
		reader:     reader,
		logger:     log,
		maxRetries: 3,
		backoff:    200 * time.Millisecond,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Warn("error closing kafka reader", zap.Error(err))
	}
}

func (c *Consumer) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.logger.Warn("error reading message", zap.Error(err))
		return
	}

	c.handle(ctx, m)

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.logger.Warn("failed to commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var event PaymentResultEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		c.logger.Warn("error parsing payment result", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}
	if event.PaymentRef == "" {
		c.logger.Warn("payment result without payment_ref", zap.Int64("offset", m.Offset))
		return
	}

	log := c.logger.With(zap.String("payment_ref", event.PaymentRef), zap.String("status", event.Status.String()))
	for attempt := 1; ; attempt++ {
		_, err := c.orders.UpdatePaymentStatus(ctx, event.PaymentRef, event.Status)
		switch {
		case err == nil:
			log.Info("payment result applied")
			return
		case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrInvalidStatus):
			log.Warn("payment result dropped", zap.Error(err))
			return
		case attempt > c.maxRetries:
			log.Error("payment result not applied, giving up", zap.Int("attempts", attempt), zap.Error(err))
			return
		}

		log.Warn("payment result update failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(c.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return
		}
	}
}
