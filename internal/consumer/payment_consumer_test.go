package consumer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/service"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockReader struct {
	Messages  []kafkaGo.Message
	FetchErr  error
	Committed []int64
	Closed    bool
}

func (m *MockReader) FetchMessage(ctx context.Context) (kafkaGo.Message, error) {
	if m.FetchErr != nil {
		return kafkaGo.Message{}, m.FetchErr
	}
	if len(m.Messages) == 0 {
		<-ctx.Done()
		return kafkaGo.Message{}, ctx.Err()
	}
	msg := m.Messages[0]
	m.Messages = m.Messages[1:]
	return msg, nil
}

func (m *MockReader) CommitMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	for _, msg := range msgs {
		m.Committed = append(m.Committed, msg.Offset)
	}
	return nil
}

func (m *MockReader) Close() error {
	m.Closed = true
	return nil
}

type MockOrders struct {
	Errs  []error // returned in order, then nil
	Calls []PaymentResultEvent
}

func (m *MockOrders) UpdatePaymentStatus(_ context.Context, ref string, status domain.PaymentStatus) (*domain.Order, error) {
	m.Calls = append(m.Calls, PaymentResultEvent{PaymentRef: ref, Status: status})
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		return nil, err
	}
	return &domain.Order{PaymentRef: ref, PaymentStatus: status}, nil
}

func message(offset int64, body string) kafkaGo.Message {
	return kafkaGo.Message{Offset: offset, Value: []byte(body)}
}

func newTestConsumer(orders *MockOrders, reader *MockReader) *Consumer {
	c := NewConsumer(orders, reader, zap.NewNop())
	c.backoff = time.Millisecond
	return c
}

func TestProcessMessage_AppliesPaymentResult(t *testing.T) {
	orders := &MockOrders{}
	reader := &MockReader{Messages: []kafkaGo.Message{message(7, `{"payment_ref":"gw-1","status":"PAID"}`)}}
	c := newTestConsumer(orders, reader)

	c.processMessage(context.Background())

	require.Len(t, orders.Calls, 1)
	assert.Equal(t, PaymentResultEvent{PaymentRef: "gw-1", Status: domain.PaymentStatusPaid}, orders.Calls[0])
	assert.Equal(t, []int64{7}, reader.Committed)
}

func TestProcessMessage_PoisonMessagesAreCommitted(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		err   error
		calls int
	}{
		{"invalid json", `{not json`, nil, 0},
		{"missing ref", `{"status":"PAID"}`, nil, 0},
		{"unknown order", `{"payment_ref":"x","status":"PAID"}`, service.ErrOrderNotFound, 1},
		{"invalid status", `{"payment_ref":"x","status":"LOST"}`, fmt.Errorf("%q: %w", "LOST", service.ErrInvalidStatus), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := &MockOrders{}
			if tt.err != nil {
				orders.Errs = []error{tt.err, tt.err, tt.err, tt.err, tt.err}
			}
			reader := &MockReader{Messages: []kafkaGo.Message{message(1, tt.body)}}
			c := newTestConsumer(orders, reader)

			c.processMessage(context.Background())

			assert.Len(t, orders.Calls, tt.calls)
			assert.Equal(t, []int64{1}, reader.Committed)
		})
	}
}

func TestProcessMessage_RetriesTransientErrors(t *testing.T) {
	orders := &MockOrders{Errs: []error{service.ErrLockTimeout, errors.New("connection reset")}}
	reader := &MockReader{Messages: []kafkaGo.Message{message(3, `{"payment_ref":"gw-1","status":"FAILED"}`)}}
	c := newTestConsumer(orders, reader)

	c.processMessage(context.Background())

	assert.Len(t, orders.Calls, 3)
	assert.Equal(t, []int64{3}, reader.Committed)
}

func TestProcessMessage_GivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("database down")
	orders := &MockOrders{Errs: []error{boom, boom, boom, boom, boom, boom}}
	reader := &MockReader{Messages: []kafkaGo.Message{message(4, `{"payment_ref":"gw-1","status":"PAID"}`)}}
	c := newTestConsumer(orders, reader)

	c.processMessage(context.Background())

	assert.Len(t, orders.Calls, c.maxRetries+1)
	assert.Equal(t, []int64{4}, reader.Committed)
}

func TestProcessMessage_FetchErrorSkipsCommit(t *testing.T) {
	reader := &MockReader{FetchErr: errors.New("broker gone")}
	c := newTestConsumer(&MockOrders{}, reader)

	c.processMessage(context.Background())

	assert.Empty(t, reader.Committed)
}

func TestRun_StopsOnCancel(t *testing.T) {
	orders := &MockOrders{}
	reader := &MockReader{Messages: []kafkaGo.Message{message(1, `{"payment_ref":"gw-1","status":"PAID"}`)}}
	c := newTestConsumer(orders, reader)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Run(ctx)
	c.Close()

	assert.Len(t, orders.Calls, 1)
	assert.True(t, reader.Closed)
}
