package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/breaker"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/pix"
	"github.com/fjod/go_cart/storefront/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	settledRetention = time.Hour
	// pending watches nobody listens to are dropped after this long; the
	// order may have been removed by another instance
	pendingRetention = 24 * time.Hour
)

// StatusPublisher broadcasts order status changes to other instances.
type StatusPublisher interface {
	PublishStatusChange(ctx context.Context, event domain.OrderStatusEvent) error
}

// PaidCallback is invoked once when an observed order becomes PAID.
type PaidCallback func(orderID uuid.UUID)

type CheckoutResult struct {
	OrderID uuid.UUID          `json:"order_id"`
	Status  domain.OrderStatus `json:"status"`
	Total   decimal.Decimal    `json:"total"`
	Payload string             `json:"pix_payload"`
	Adopted bool               `json:"adopted"`
}

type checkoutOutcome struct {
	order   *domain.Order
	adopted bool
}

// orderWatch is the local view of one order: its last known status, the
// cart to clear once it is paid and the listeners to notify.
type orderWatch struct {
	ownerID   string
	status    domain.OrderStatus
	cart      *CartSynchronizer
	callbacks map[int]PaidCallback
	nextID    int
	settledAt time.Time
	touchedAt time.Time
}

// ownerLocks serialises order writes of one owner across sessions.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	sync.Mutex
	refs int
}

func (l *ownerLocks) lock(ownerID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*ownerLock)
	}
	ol, ok := l.locks[ownerID]
	if !ok {
		ol = &ownerLock{}
		l.locks[ownerID] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.Lock()
	return func() {
		ol.Unlock()
		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.locks, ownerID)
		}
		l.mu.Unlock()
	}
}

// OrderManager drives checkout and the PENDING -> PAID transition.
type OrderManager struct {
	orders    repository.OrderRepository
	merchant  pix.Merchant
	publisher StatusPublisher
	breaker   *breaker.Breaker

	// one checkout per session in flight; concurrent callers share the result
	checkouts singleflight.Group
	owners    ownerLocks

	mu      sync.Mutex
	watches map[uuid.UUID]*orderWatch
}

func NewOrderManager(orders repository.OrderRepository, merchant pix.Merchant, publisher StatusPublisher, b *breaker.Breaker) *OrderManager {
	return &OrderManager{
		orders:    orders,
		merchant:  merchant,
		publisher: publisher,
		breaker:   b,
		watches:   make(map[uuid.UUID]*orderWatch),
	}
}

// Checkout turns the cart into a PENDING order and returns its PIX payload.
// An existing PENDING order of the user is reused and its total corrected.
func (m *OrderManager) Checkout(ctx context.Context, cart *CartSynchronizer, method domain.PaymentMethod) (*CheckoutResult, error) {
	session := cart.Session()
	if !session.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if method == "" {
		method = domain.PaymentMethodPix
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, method)
	}

	snapshot := cart.Snapshot()
	if snapshot.IsEmpty() {
		return nil, ErrEmptyCart
	}
	total := snapshot.Totals(cart.fee).Total

	v, err, shared := m.checkouts.Do(session.ID, func() (any, error) {
		unlock := m.owners.lock(session.UserID)
		defer unlock()
		return m.ensureOrder(ctx, session.UserID, snapshot.Items, total, method)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Printf(ctx, "checkout for session %s joined an in-flight request", session.ID)
	}
	outcome := v.(checkoutOutcome)

	payload, err := m.merchant.Encode(outcome.order.Total)
	if err != nil {
		return nil, fmt.Errorf("build pix payload: %w", err)
	}

	m.track(outcome.order.ID, session.UserID, outcome.order.Status, cart)
	return &CheckoutResult{
		OrderID: outcome.order.ID,
		Status:  outcome.order.Status,
		Total:   outcome.order.Total,
		Payload: payload,
		Adopted: outcome.adopted,
	}, nil
}

func (m *OrderManager) ensureOrder(ctx context.Context, ownerID string, items []domain.LineItem, total decimal.Decimal, method domain.PaymentMethod) (checkoutOutcome, error) {
	var pending *domain.Order
	err := m.call(func() error {
		var err error
		pending, err = m.orders.GetPendingOrder(ctx, ownerID)
		return err
	})
	switch {
	case err == nil:
		if !pending.Total.Equal(total) {
			err := m.call(func() error { return m.orders.UpdateOrderTotal(ctx, pending.ID, total) })
			if err != nil {
				return checkoutOutcome{}, remoteErr("correct pending order total", err)
			}
			logger.Printf(ctx, "corrected total of order %s from %s to %s", pending.ID, pending.Total.StringFixed(2), total.StringFixed(2))
			pending.Total = total
		}
		return checkoutOutcome{order: pending, adopted: true}, nil
	case !errors.Is(err, repository.ErrOrderNotFound):
		return checkoutOutcome{}, remoteErr("find pending order", err)
	}

	order := &domain.Order{
		OwnerID:         ownerID,
		Total:           total,
		DeliveryAddress: domain.DeliveryAddressFor(items),
		PaymentMethod:   method,
		Status:          domain.OrderStatusPending,
		Items:           domain.OrderItemsFrom(items),
	}
	if err := m.call(func() error { return m.orders.CreateOrder(ctx, order) }); err != nil {
		return checkoutOutcome{}, remoteErr("create order", err)
	}
	logger.Printf(ctx, "created order %s for %s, total %s", order.ID, ownerID, total.StringFixed(2))

	// the order stands even when its detail rows cannot be written
	if records := domain.CustomDetailRecordsFrom(order.ID, ownerID, items); len(records) > 0 {
		if err := m.call(func() error { return m.orders.InsertCustomDetails(ctx, records) }); err != nil {
			logger.Printf(ctx, "failed to store custom details for order %s: %v", order.ID, err)
		}
	}
	return checkoutOutcome{order: order}, nil
}

// Attach loads an order owned by the cart's user and starts observing it on
// behalf of that cart.
func (m *OrderManager) Attach(ctx context.Context, orderID uuid.UUID, cart *CartSynchronizer) (*domain.Order, error) {
	session := cart.Session()
	if !session.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != session.UserID {
		return nil, ErrOrderNotFound
	}
	m.track(order.ID, order.OwnerID, order.Status, cart)
	return order, nil
}

// ConfirmPaymentManually marks a PENDING order PAID on the operator's word.
// Repeating it on a PAID order is a no-op.
func (m *OrderManager) ConfirmPaymentManually(ctx context.Context, orderID uuid.UUID) error {
	err := m.call(func() error { return m.orders.MarkPaid(ctx, orderID) })
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		return ErrOrderNotFound
	case errors.Is(err, repository.ErrOrderNotPending):
		return fmt.Errorf("%w: order %s is not pending", ErrIllegalTransition, orderID)
	case err != nil:
		return remoteErr("mark order paid", err)
	}

	if m.publisher != nil {
		event := domain.OrderStatusEvent{
			OrderID:    orderID.String(),
			Event:      domain.EventUpdate,
			Status:     domain.OrderStatusPaid,
			OccurredAt: time.Now().UTC(),
		}
		if err := m.publisher.PublishStatusChange(ctx, event); err != nil {
			logger.Printf(ctx, "failed to publish paid event for order %s: %v", orderID, err)
		}
	}

	m.markPaid(ctx, orderID, "manual confirmation")
	return nil
}

// HandleStatusChange applies a pushed row-change event.
func (m *OrderManager) HandleStatusChange(ctx context.Context, event domain.OrderStatusEvent) error {
	if event.Event != domain.EventUpdate {
		return nil
	}
	id, err := uuid.Parse(event.OrderID)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", event.OrderID, err)
	}
	if event.Status == domain.OrderStatusPaid {
		m.markPaid(ctx, id, "status push")
	}
	return nil
}

// markPaid applies PAID once per order: it clears the watching cart and
// fires the callbacks. Later calls find the order settled and do nothing.
func (m *OrderManager) markPaid(ctx context.Context, orderID uuid.UUID, source string) bool {
	m.mu.Lock()
	w, ok := m.watches[orderID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if w.status == domain.OrderStatusPaid {
		m.mu.Unlock()
		return false
	}
	if !domain.CanTransitionTo(w.status, domain.OrderStatusPaid) {
		m.mu.Unlock()
		logger.Printf(ctx, "ignoring paid signal for order %s in status %s", orderID, w.status)
		return false
	}
	w.status = domain.OrderStatusPaid
	w.settledAt = time.Now()
	cart := w.cart
	callbacks := make([]PaidCallback, 0, len(w.callbacks))
	for _, cb := range w.callbacks {
		callbacks = append(callbacks, cb)
	}
	w.callbacks = nil
	w.cart = nil
	m.mu.Unlock()

	logger.Printf(ctx, "order %s paid via %s", orderID, source)
	if cart != nil {
		if err := cart.ClearCartOnly(ctx); err != nil {
			logger.Printf(ctx, "failed to clear cart after payment of order %s: %v", orderID, err)
		}
	}
	for _, cb := range callbacks {
		cb(orderID)
	}
	return true
}

// OnOrderPaid registers cb for the order's transition to PAID. If the order
// is already known to be paid cb runs immediately. The returned function
// unregisters cb.
func (m *OrderManager) OnOrderPaid(orderID uuid.UUID, cb PaidCallback) func() {
	m.mu.Lock()
	m.pruneSettled()
	w := m.watchLocked(orderID)
	if w.status == domain.OrderStatusPaid {
		m.mu.Unlock()
		cb(orderID)
		return func() {}
	}
	id := w.nextID
	w.nextID++
	if w.callbacks == nil {
		w.callbacks = make(map[int]PaidCallback)
	}
	w.callbacks[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if w, ok := m.watches[orderID]; ok {
			delete(w.callbacks, id)
		}
	}
}

// CancelPending deletes the user's PENDING orders.
func (m *OrderManager) CancelPending(ctx context.Context, ownerID string) error {
	var n int64
	err := m.call(func() error {
		var err error
		n, err = m.orders.DeletePendingOrders(ctx, ownerID)
		return err
	})
	if err != nil {
		return remoteErr("cancel pending orders", err)
	}

	m.mu.Lock()
	for _, w := range m.watches {
		if w.ownerID == ownerID && w.status == domain.OrderStatusPending {
			w.status = domain.OrderStatusCancelled
			w.settledAt = time.Now()
			w.callbacks = nil
			w.cart = nil
		}
	}
	m.mu.Unlock()

	if n > 0 {
		logger.Printf(ctx, "cancelled %d pending orders for %s", n, ownerID)
	}
	return nil
}

// Status is the locally known status of the order.
func (m *OrderManager) Status(orderID uuid.UUID) domain.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[orderID]; ok {
		return w.status
	}
	return domain.OrderStatusNone
}

// Payload recomputes the PIX payload from the stored order total.
func (m *OrderManager) Payload(ctx context.Context, orderID uuid.UUID) (string, error) {
	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return m.merchant.Encode(order.Total)
}

func (m *OrderManager) PayloadFor(order *domain.Order) (string, error) {
	return m.merchant.Encode(order.Total)
}

func (m *OrderManager) QRCodeFor(order *domain.Order) ([]byte, error) {
	return m.merchant.QRCode(order.Total)
}

func (m *OrderManager) ListOrders(ctx context.Context, ownerID string) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := m.call(func() error {
		var err error
		orders, err = m.orders.ListOrdersByOwner(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, remoteErr("list orders", err)
	}
	return orders, nil
}

func (m *OrderManager) getOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var order *domain.Order
	err := m.call(func() error {
		var err error
		order, err = m.orders.GetOrderByID(ctx, orderID)
		return err
	})
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		return nil, ErrOrderNotFound
	case err != nil:
		return nil, remoteErr("get order", err)
	}
	return order, nil
}

// track records the cart waiting on an order. An order already settled in
// the store settles the watch without touching the cart.
func (m *OrderManager) track(orderID uuid.UUID, ownerID string, status domain.OrderStatus, cart *CartSynchronizer) {
	m.mu.Lock()
	m.pruneSettled()

	w := m.watchLocked(orderID)
	w.ownerID = ownerID
	w.touchedAt = time.Now()
	var callbacks []PaidCallback
	if w.status == domain.OrderStatusPending && status.IsTerminal() {
		w.status = status
		w.settledAt = time.Now()
		if status == domain.OrderStatusPaid {
			for _, cb := range w.callbacks {
				callbacks = append(callbacks, cb)
			}
		}
		w.callbacks = nil
		w.cart = nil
	}
	if !w.status.IsTerminal() {
		w.cart = cart
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(orderID)
	}
}

// watchLocked returns the watch for orderID, creating a PENDING one. Must be
// called with mu held.
func (m *OrderManager) watchLocked(orderID uuid.UUID) *orderWatch {
	w, ok := m.watches[orderID]
	if !ok {
		w = &orderWatch{status: domain.OrderStatusPending, touchedAt: time.Now()}
		m.watches[orderID] = w
	}
	return w
}

// pruneSettled drops settled watches after settledRetention and pending
// watches without listeners after pendingRetention. Must be called with mu
// held.
func (m *OrderManager) pruneSettled() {
	now := time.Now()
	for id, w := range m.watches {
		switch {
		case w.status.IsTerminal():
			if now.Sub(w.settledAt) > settledRetention {
				delete(m.watches, id)
			}
		case len(w.callbacks) == 0 && now.Sub(w.touchedAt) > pendingRetention:
			delete(m.watches, id)
		}
	}
}

func (m *OrderManager) call(fn func() error) error {
	if m.breaker == nil {
		return fn()
	}
	return m.breaker.Do(fn)
}
