package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/fjod/cart-reservation/internal/store"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWriter struct {
	m      sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.m.Lock()
	defer w.m.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.m.Lock()
	defer w.m.Unlock()
	out := make([]kafka.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

func line(id int64, qty int) domain.CartLine {
	return domain.CartLine{
		Product:  domain.ProductSnapshot{ID: id, Name: "item", UnitPrice: decimal.RequireFromString("2.00"), UnitsInStock: 10},
		Quantity: qty,
	}
}

func TestPublisher_WritesCommitsInOrder(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, zaptest.NewLogger(t), 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	s, err := store.New(nil)
	require.NoError(t, err)
	unsubscribe := s.Subscribe(p.Subscriber("alice"))
	defer unsubscribe()

	_, err = s.Replace([]domain.CartLine{line(1, 1)})
	require.NoError(t, err)
	_, err = s.Replace([]domain.CartLine{line(1, 3)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(w.written()) == 3 }, time.Second, 5*time.Millisecond)

	var versions []uint64
	for _, m := range w.written() {
		assert.Equal(t, "alice", string(m.Key))
		var ev CartEvent
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		versions = append(versions, ev.Version)
	}
	assert.Equal(t, []uint64{0, 1, 2}, versions)

	var last CartEvent
	require.NoError(t, json.Unmarshal(w.written()[2].Value, &last))
	assert.Equal(t, 3, last.TotalQuantity)
	assert.True(t, decimal.RequireFromString("6.00").Equal(last.TotalPrice))

	cancel()
	<-done
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_WriteErrorIsLogged(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newPublisher(w, zaptest.NewLogger(t), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Subscriber("bob")(domain.EmptySnapshot())
	p.Subscriber("bob")(domain.EmptySnapshot())

	cancel()
	<-done
	assert.Empty(t, w.written())
}

func TestPublisher_SubscriberDoesNotBlockAfterStop(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, zaptest.NewLogger(t), 1)
	require.NoError(t, p.Close())

	finished := make(chan struct{})
	go func() {
		handler := p.Subscriber("carol")
		handler(domain.EmptySnapshot())
		handler(domain.EmptySnapshot())
		handler(domain.EmptySnapshot())
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("subscriber blocked on a stopped publisher")
	}
}
