package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/cart-reservation/internal/cache"
	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/fjod/cart-reservation/internal/inventory"
	"github.com/fjod/cart-reservation/internal/metrics"
	"github.com/fjod/cart-reservation/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName = "cart-reservation/service"

	DefaultCallTimeout = 5 * time.Second
	cacheWriteTimeout  = 2 * time.Second

	opReserve = "reserve"
	opRelease = "release"
)

var ErrNoInventory = errors.New("inventory client is required")

type EngineConfig struct {
	UserID    string
	Store     *store.CartStore
	Inventory inventory.Client
	Cache     cache.CartCache
	// PersistenceEnabled turns on write-through to Cache after every commit.
	PersistenceEnabled bool
	// CallTimeout bounds each reserve or release call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
}

// ReservationEngine applies cart mutations so that the cart and the stock
// ledger move together: stock is reserved or released first, and the cart
// is committed only when the remote call succeeded.
type ReservationEngine struct {
	userID      string
	store       *store.CartStore
	inventory   inventory.Client
	cache       cache.CartCache
	persist     bool
	callTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	// mu serializes read-reserve-commit. Snapshot reads do not take it.
	mu sync.Mutex
	// closed is set once the session ended; every later mutation fails.
	closed bool
	// credit holds units per product already returned to the ledger while
	// the cart still lists them, after a failed clear could not be undone.
	credit map[int64]int
	// pending keeps the key of a release whose outcome is unknown. Retrying
	// the same release reuses it, so the ledger replays instead of applying twice.
	pending map[int64]pendingRelease
	newKey  func() string
}

type pendingRelease struct {
	qty int
	key string
}

func NewReservationEngine(cfg EngineConfig) (*ReservationEngine, error) {
	if cfg.Inventory == nil {
		return nil, ErrNoInventory
	}
	if cfg.Store == nil {
		s, err := store.New(nil)
		if err != nil {
			return nil, err
		}
		cfg.Store = s
	}
	if cfg.Cache == nil || !cfg.PersistenceEnabled {
		cfg.Cache = cache.NopCache{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}

	return &ReservationEngine{
		userID:      cfg.UserID,
		store:       cfg.Store,
		inventory:   cfg.Inventory,
		cache:       cfg.Cache,
		persist:     cfg.PersistenceEnabled,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger.With(zap.String("user_id", cfg.UserID)),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		credit:      make(map[int64]int),
		pending:     make(map[int64]pendingRelease),
		newKey:      uuid.NewString,
	}, nil
}

func (e *ReservationEngine) UserID() string {
	return e.userID
}

// Snapshot returns the last committed cart without waiting for a running operation.
func (e *ReservationEngine) Snapshot() domain.CartSnapshot {
	return e.store.Read()
}

// Subscribe registers fn for every committed snapshot, starting with the current one.
func (e *ReservationEngine) Subscribe(fn func(domain.CartSnapshot)) (unsubscribe func()) {
	return e.store.Subscribe(fn)
}

// AddItem reserves qty units of product and adds them to the cart. An existing
// line keeps the product snapshot it was created with, and the stock check
// runs against that snapshot: a fresh catalog read already has this cart's
// reservations taken off.
func (e *ReservationEngine) AddItem(ctx context.Context, product domain.ProductSnapshot, qty int) (res domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "cart.AddItem", product.ID)
	span.SetAttributes(attribute.Int("cart.quantity", qty))
	defer func() { e.finish(span, "add_item", res, err) }()

	if qty < 1 {
		return domain.Result{}, domain.ErrInvalidQuantity
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.Result{}, domain.ErrCartClosed
	}

	snap := e.store.Read()
	line, idx, found := snap.Line(product.ID)
	stock, existing := product.UnitsInStock, 0
	if found {
		stock, existing = line.Product.UnitsInStock, line.Quantity
	}

	if stock < existing+qty {
		return domain.Result{}, &domain.InsufficientStockError{
			ProductID: product.ID,
			Available: max(stock-existing, 0),
		}
	}

	if err := e.reserve(ctx, product.ID, qty, e.newKey()); err != nil {
		return domain.Result{}, err
	}

	lines := snap.Clone()
	if found {
		lines[idx].Quantity += qty
	} else {
		lines = append(lines, domain.CartLine{Product: product, Quantity: qty})
	}

	return e.commit(ctx, lines, domain.MsgItemAdded)
}

// RemoveItem releases the line's whole quantity and drops the line.
func (e *ReservationEngine) RemoveItem(ctx context.Context, productID int64) (res domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "cart.RemoveItem", productID)
	defer func() { e.finish(span, "remove_item", res, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.Result{}, domain.ErrCartClosed
	}

	return e.removeLocked(ctx, productID)
}

func (e *ReservationEngine) removeLocked(ctx context.Context, productID int64) (domain.Result, error) {
	snap := e.store.Read()
	line, idx, found := snap.Line(productID)
	if !found {
		return domain.Result{}, domain.ErrItemNotFound
	}

	if err := e.release(ctx, productID, line.Quantity); err != nil {
		return domain.Result{}, err
	}
	delete(e.credit, productID)

	lines := snap.Clone()
	lines = append(lines[:idx], lines[idx+1:]...)

	return e.commit(ctx, lines, domain.MsgItemRemoved)
}

// UpdateQuantity moves a line to newQty, reserving or releasing only the
// difference. A quantity of zero or less removes the line.
func (e *ReservationEngine) UpdateQuantity(ctx context.Context, productID int64, newQty int) (res domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "cart.UpdateQuantity", productID)
	span.SetAttributes(attribute.Int("cart.quantity", newQty))
	defer func() { e.finish(span, "update_quantity", res, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.Result{}, domain.ErrCartClosed
	}

	snap := e.store.Read()
	line, idx, found := snap.Line(productID)
	if !found {
		return domain.Result{}, domain.ErrItemNotFound
	}
	if newQty <= 0 {
		return e.removeLocked(ctx, productID)
	}

	delta := newQty - line.Quantity
	switch {
	case delta == 0:
		return domain.Result{Message: domain.MsgNoChanges, NoOp: true, Snapshot: snap}, nil
	case delta > 0:
		available := line.Product.UnitsInStock - line.Quantity
		if delta > available {
			return domain.Result{}, &domain.InsufficientStockError{
				ProductID: productID,
				Available: max(available, 0),
			}
		}
		if err := e.reserve(ctx, productID, delta, e.newKey()); err != nil {
			return domain.Result{}, err
		}
	default:
		if err := e.release(ctx, productID, -delta); err != nil {
			return domain.Result{}, err
		}
	}

	lines := snap.Clone()
	lines[idx].Quantity = newQty

	return e.commit(ctx, lines, domain.MsgQuantityUpdated)
}

type releasePlan struct {
	productID int64
	remote    int
	key       string
	err       error
}

// ClearCart releases every line concurrently and empties the cart only when
// all releases succeeded. On a partial failure the releases that went
// through are reserved again and the cart is left as it was.
func (e *ReservationEngine) ClearCart(ctx context.Context) (res domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "cart.ClearCart", 0)
	defer func() { e.finish(span, "clear", res, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.Result{}, domain.ErrCartClosed
	}

	return e.clearLocked(ctx)
}

// End clears the cart and closes the engine in one step, so a caller still
// holding it cannot reserve stock into a cart nobody can reach.
func (e *ReservationEngine) End(ctx context.Context) (res domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "cart.End", 0)
	defer func() { e.finish(span, "end", res, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.Result{}, domain.ErrCartClosed
	}

	res, err = e.clearLocked(ctx)
	if err != nil {
		return domain.Result{}, err
	}
	e.closed = true
	return res, nil
}

func (e *ReservationEngine) clearLocked(ctx context.Context) (domain.Result, error) {
	snap := e.store.Read()
	if snap.IsEmpty() {
		return domain.Result{Message: domain.MsgAlreadyEmpty, NoOp: true, Snapshot: snap}, nil
	}

	plans := make([]releasePlan, len(snap.Lines))
	for i, line := range snap.Lines {
		credited := min(e.credit[line.Product.ID], line.Quantity)
		remote := line.Quantity - credited
		plans[i] = releasePlan{productID: line.Product.ID, remote: remote}
		if remote > 0 {
			plans[i].key = e.releaseKey(line.Product.ID, remote)
		}
	}

	var g errgroup.Group
	for i := range plans {
		p := &plans[i]
		if p.remote == 0 {
			continue
		}
		g.Go(func() error {
			p.err = e.call(ctx, opRelease, p.productID, p.remote, p.key, e.inventory.Release)
			return p.err
		})
	}

	firstErr := g.Wait()
	for _, p := range plans {
		if p.remote > 0 {
			e.trackRelease(p.productID, p.remote, p.key, p.err)
		}
	}
	if firstErr != nil {
		e.compensate(ctx, plans)
		return domain.Result{}, firstErr
	}

	clear(e.credit)
	clear(e.pending)
	return e.commit(ctx, nil, domain.MsgCartCleared)
}

// compensate re-reserves what a failed clear already released. Whatever
// cannot be re-reserved is remembered as credit for the next release.
func (e *ReservationEngine) compensate(ctx context.Context, plans []releasePlan) {
	for _, p := range plans {
		if p.remote == 0 || p.err != nil {
			continue
		}
		err := e.reserve(ctx, p.productID, p.remote, e.newKey())
		if err == nil {
			e.metrics.Compensation("success")
			continue
		}

		e.metrics.Compensation("failed")
		e.credit[p.productID] += p.remote
		e.logger.Error("clear compensation failed, recording release credit",
			zap.Int64("product_id", p.productID),
			zap.Int("quantity", p.remote),
			zap.Error(err))
	}
}

// Settle removes what a completed checkout sold. Sold units stay taken in
// the ledger. Units added after the checkout started are released. A line
// whose release fails stays in the cart with its unsold quantity, still
// reserved. A nil sold map means the whole cart was sold.
func (e *ReservationEngine) Settle(ctx context.Context, sold map[int64]int) (res domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "cart.Settle", 0)
	defer func() { e.finish(span, "settle", res, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.Result{}, domain.ErrCartClosed
	}

	snap := e.store.Read()
	if snap.IsEmpty() {
		return domain.Result{Message: domain.MsgAlreadyEmpty, NoOp: true, Snapshot: snap}, nil
	}
	if sold == nil {
		clear(e.credit)
		clear(e.pending)
		return e.commit(ctx, nil, domain.MsgCartSettled)
	}

	var kept []domain.CartLine
	for _, line := range snap.Lines {
		id := line.Product.ID
		extra := line.Quantity - sold[id]
		if extra > 0 {
			if err := e.release(ctx, id, extra); err != nil {
				e.logger.Warn("release of unsold units failed, keeping them in the cart",
					zap.Int64("product_id", id),
					zap.Int("quantity", extra),
					zap.Error(err))
				line.Quantity = extra
				kept = append(kept, line)
				continue
			}
		}
		delete(e.credit, id)
		delete(e.pending, id)
	}

	return e.commit(ctx, kept, domain.MsgCartSettled)
}

// ReleaseCredit reports units of productID already returned to the ledger
// but still listed in the cart.
func (e *ReservationEngine) ReleaseCredit(productID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.credit[productID]
}

// reserve takes qty units. A successful reserve changes the line, so a
// pending release key for it no longer describes a retry.
func (e *ReservationEngine) reserve(ctx context.Context, productID int64, qty int, key string) error {
	if err := e.call(ctx, opReserve, productID, qty, key, e.inventory.Reserve); err != nil {
		return err
	}
	delete(e.pending, productID)
	return nil
}

// release returns qty units, drawing on release credit first. Credit is only
// consumed once the remote part succeeded.
func (e *ReservationEngine) release(ctx context.Context, productID int64, qty int) error {
	credited := min(e.credit[productID], qty)
	if remote := qty - credited; remote > 0 {
		key := e.releaseKey(productID, remote)
		err := e.call(ctx, opRelease, productID, remote, key, e.inventory.Release)
		e.trackRelease(productID, remote, key, err)
		if err != nil {
			return err
		}
	}

	if credited > 0 {
		e.credit[productID] -= credited
		if e.credit[productID] == 0 {
			delete(e.credit, productID)
		}
	}
	return nil
}

// releaseKey reuses the key of an earlier release of the same quantity whose
// outcome is unknown.
func (e *ReservationEngine) releaseKey(productID int64, qty int) string {
	if p, ok := e.pending[productID]; ok && p.qty == qty {
		return p.key
	}
	return e.newKey()
}

// trackRelease remembers the key of a release that failed without a verdict
// from the ledger, and forgets it once the ledger answered.
func (e *ReservationEngine) trackRelease(productID int64, qty int, key string, err error) {
	if errors.Is(err, domain.ErrInventoryUnavailable) {
		e.pending[productID] = pendingRelease{qty: qty, key: key}
		return
	}
	delete(e.pending, productID)
}

// call runs one remote adjustment. The caller's cancellation does not reach
// the ledger; only CallTimeout bounds it.
func (e *ReservationEngine) call(
	ctx context.Context,
	op string,
	productID int64,
	qty int,
	key string,
	fn func(context.Context, inventory.StockRequest) error,
) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
	defer cancel()

	callCtx, span := e.tracer.Start(callCtx, "inventory."+op, trace.WithAttributes(
		attribute.Int64("product.id", productID),
		attribute.Int("stock.quantity", qty),
		attribute.String("idempotency.key", key),
	))
	defer span.End()

	start := time.Now()
	err := fn(callCtx, inventory.StockRequest{
		ProductID:      productID,
		Quantity:       qty,
		IdempotencyKey: key,
	})
	e.metrics.InventoryCall(op, callOutcome(err), time.Since(start))

	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var rejected *inventory.StockRejectedError
	if errors.As(err, &rejected) {
		return &domain.InsufficientStockError{ProductID: productID, Available: rejected.Available}
	}

	e.logger.Warn("inventory call failed",
		zap.String("op", op),
		zap.Int64("product_id", productID),
		zap.Int("quantity", qty),
		zap.Error(err))
	return &domain.InventoryUnavailableError{Op: op, ProductID: productID, Err: err}
}

func (e *ReservationEngine) commit(ctx context.Context, lines []domain.CartLine, msg string) (domain.Result, error) {
	next, err := e.store.Replace(lines)
	if err != nil {
		return domain.Result{}, fmt.Errorf("commit cart: %w", err)
	}
	e.writeThrough(ctx, next)
	return domain.Result{Message: msg, Snapshot: next}, nil
}

// writeThrough saves the committed snapshot. A failure leaves the in-memory
// cart authoritative and is only logged.
func (e *ReservationEngine) writeThrough(ctx context.Context, snap domain.CartSnapshot) {
	if !e.persist {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()

	if err := e.cache.Save(saveCtx, e.userID, snap); err != nil {
		e.metrics.CacheWriteFailed()
		e.logger.Warn("cart write-through failed",
			zap.Uint64("version", snap.Version),
			zap.Error(err))
	}
}

func (e *ReservationEngine) startSpan(ctx context.Context, name string, productID int64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("cart.user_id", e.userID)}
	if productID != 0 {
		attrs = append(attrs, attribute.Int64("product.id", productID))
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (e *ReservationEngine) finish(span trace.Span, op string, res domain.Result, err error) {
	defer span.End()

	outcome := operationOutcome(res, err)
	e.metrics.Operation(op, outcome)
	span.SetAttributes(attribute.String("cart.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func operationOutcome(res domain.Result, err error) string {
	switch {
	case err == nil && res.NoOp:
		return "noop"
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrItemNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidQuantity):
		return "invalid"
	case errors.Is(err, domain.ErrInventoryUnavailable):
		return "inventory_unavailable"
	case errors.Is(err, domain.ErrCartClosed):
		return "closed"
	default:
		return "error"
	}
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case inventory.IsBusinessError(err):
		return "rejected"
	default:
		return "error"
	}
}
