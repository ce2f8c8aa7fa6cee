package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultTopic = "cart-events"

	defaultBuffer = 256
	maxBatch      = 100
	writeTimeout  = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CartEvent is written for every committed cart snapshot.
type CartEvent struct {
	UserID        string            `json:"user_id"`
	Version       uint64            `json:"version"`
	Lines         []domain.CartLine `json:"lines"`
	TotalQuantity int               `json:"total_quantity"`
	TotalPrice    decimal.Decimal   `json:"total_price"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Publisher forwards cart snapshots to Kafka keyed by user, so events for one
// cart stay ordered on one partition.
type Publisher struct {
	writer messageWriter
	logger *zap.Logger
	queue  chan CartEvent
	done   chan struct{}
	once   sync.Once
}

func NewPublisher(logger *zap.Logger, topic string, brokers ...string) *Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(w, logger, defaultBuffer)
}

func newPublisher(w messageWriter, logger *zap.Logger, buffer int) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer: w,
		logger: logger.Named("publisher"),
		queue:  make(chan CartEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Subscriber returns a snapshot handler for userID's cart. It blocks the
// committing goroutine only while the queue is full, and stops blocking once
// the publisher has stopped.
func (p *Publisher) Subscriber(userID string) func(domain.CartSnapshot) {
	return func(snap domain.CartSnapshot) {
		ev := CartEvent{
			UserID:        userID,
			Version:       snap.Version,
			Lines:         snap.Lines,
			TotalQuantity: snap.TotalQuantity,
			TotalPrice:    snap.TotalPrice,
			UpdatedAt:     snap.UpdatedAt,
		}
		select {
		case p.queue <- ev:
		case <-p.done:
		}
	}
}

// Run writes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	defer p.stop()
	for {
		select {
		case ev := <-p.queue:
			p.publish(ctx, p.drain(ev))
		case <-ctx.Done():
			return
		}
	}
}

// drain collects whatever else is already queued, up to maxBatch.
func (p *Publisher) drain(first CartEvent) []CartEvent {
	batch := []CartEvent{first}
	for len(batch) < maxBatch {
		select {
		case ev := <-p.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (p *Publisher) publish(ctx context.Context, batch []CartEvent) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("failed to marshal cart event", zap.String("user_id", ev.UserID), zap.Error(err))
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.UserID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte("cart_updated")},
			},
		})
	}
	if len(msgs) == 0 {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msgs...); err != nil {
		p.logger.Error("failed to publish cart events", zap.Int("count", len(msgs)), zap.Error(err))
	}
}

func (p *Publisher) stop() {
	p.once.Do(func() { close(p.done) })
}

// Close stops accepting events and closes the writer.
func (p *Publisher) Close() error {
	p.stop()
	return p.writer.Close()
}
