package poller

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DefaultTopic   = "checkout-completed"
	DefaultGroupID = "cart-service-consumer"

	settleTimeout = 10 * time.Second
)

// Settler removes what a completed checkout sold from the user's cart.
type Settler interface {
	Settle(ctx context.Context, userID string, sold map[int64]int) (domain.Result, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// CheckoutCompleted is the part of the checkout event the cart needs.
// Items lists what the checkout sold; an event without items sold the whole cart.
type CheckoutCompleted struct {
	CheckoutID string         `json:"checkout_id"`
	UserID     string         `json:"user_id"`
	Items      []CheckoutItem `json:"items,omitempty"`
}

type CheckoutItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// Sold sums the items per product, or returns nil when the event carries none.
func (c CheckoutCompleted) Sold() map[int64]int {
	if len(c.Items) == 0 {
		return nil
	}
	sold := make(map[int64]int, len(c.Items))
	for _, item := range c.Items {
		sold[item.ProductID] += item.Quantity
	}
	return sold
}

// Poller settles carts from completed-checkout events.
type Poller struct {
	reader  messageReader
	settler Settler
	logger  *zap.Logger
}

func NewPoller(settler Settler, logger *zap.Logger, topic, groupID string, brokers ...string) *Poller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return newPoller(reader, settler, logger)
}

func newPoller(reader messageReader, settler Settler, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{reader: reader, settler: settler, logger: logger.Named("poller")}
}

// Run consumes until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.settleNext(ctx)
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.logger.Warn("error closing reader", zap.Error(err))
	}
}

func (p *Poller) settleNext(ctx context.Context) {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("error reading message", zap.Error(err))
		}
		return
	}

	var event CheckoutCompleted
	if err := json.Unmarshal(m.Value, &event); err != nil {
		p.logger.Warn("error parsing message", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}
	if event.UserID == "" {
		p.logger.Warn("missing user_id", zap.Int64("offset", m.Offset))
		return
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	res, err := p.settler.Settle(settleCtx, event.UserID, event.Sold())
	if err != nil {
		p.logger.Error("failed to settle cart",
			zap.String("user_id", event.UserID),
			zap.String("checkout_id", event.CheckoutID),
			zap.Error(err))
		return
	}
	p.logger.Info("cart settled after checkout",
		zap.String("user_id", event.UserID),
		zap.String("checkout_id", event.CheckoutID),
		zap.Bool("no_op", res.NoOp))
}
