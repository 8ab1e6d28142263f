package service

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/cache"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type mockCache struct {
	mu     sync.RWMutex
	carts  map[string]*domain.Cart
	getErr error
	setErr error
}

func newMockCache() *mockCache {
	return &mockCache{carts: make(map[string]*domain.Cart)}
}

func (m *mockCache) Get(_ context.Context, sessionID string) (*domain.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.carts[sessionID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return c.Clone(), nil
}

func (m *mockCache) Set(_ context.Context, sessionID string, cart *domain.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.carts[sessionID] = cart.Clone()
	return nil
}

func (m *mockCache) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, sessionID)
	return nil
}

func (m *mockCache) stored(sessionID string) *domain.Cart {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.carts[sessionID].Clone()
}

// mockCartRepo matches lines the way the Mongo repository does.
type mockCartRepo struct {
	mu        sync.RWMutex
	lines     map[string][]domain.LineItem
	calls     []string
	failWith  error
	deleteErr error
	delay     time.Duration
}

func newMockCartRepo() *mockCartRepo {
	return &mockCartRepo{lines: make(map[string][]domain.LineItem)}
}

// remoteIndex finds item by its remote identity only: product id for catalog
// lines, match key for custom lines.
func remoteIndex(items []domain.LineItem, item domain.LineItem) int {
	for i := range items {
		if items[i].IsCustom() != item.IsCustom() {
			continue
		}
		if item.IsCustom() && items[i].MatchKey() == item.MatchKey() {
			return i
		}
		if !item.IsCustom() && items[i].ID == item.ID {
			return i
		}
	}
	return -1
}

func (m *mockCartRepo) record(call string) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.calls = append(m.calls, call)
	return m.failWith
}

func (m *mockCartRepo) GetLines(_ context.Context, userID string) ([]domain.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("get"); err != nil {
		return nil, err
	}
	out := make([]domain.LineItem, len(m.lines[userID]))
	copy(out, m.lines[userID])
	return out, nil
}

func (m *mockCartRepo) UpsertLine(_ context.Context, userID string, item domain.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("upsert " + item.ID); err != nil {
		return err
	}
	if i := remoteIndex(m.lines[userID], item); i >= 0 {
		m.lines[userID][i].Quantity = item.Quantity
		return nil
	}
	m.lines[userID] = append(m.lines[userID], item)
	return nil
}

func (m *mockCartRepo) DeleteLine(_ context.Context, userID string, item domain.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("delete " + item.ID); err != nil {
		return err
	}
	i := remoteIndex(m.lines[userID], item)
	if i < 0 {
		return repository.ErrItemNotFound
	}
	m.lines[userID] = append(m.lines[userID][:i], m.lines[userID][i+1:]...)
	return nil
}

func (m *mockCartRepo) DeleteAll(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("delete all"); err != nil {
		return 0, err
	}
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	n := int64(len(m.lines[userID]))
	delete(m.lines, userID)
	return n, nil
}

func (m *mockCartRepo) ReplaceAll(_ context.Context, userID string, items []domain.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("replace"); err != nil {
		return err
	}
	m.lines[userID] = append([]domain.LineItem(nil), items...)
	return nil
}

func (m *mockCartRepo) linesOf(userID string) []domain.LineItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.LineItem(nil), m.lines[userID]...)
}

func (m *mockCartRepo) callLog() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.calls...)
}

type mockOrderRepo struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*domain.Order
	detail []domain.CustomDetailRecord

	createCalls int
	updateCalls int
	createDelay time.Duration

	getPendingErr error
	createErr     error
	detailsErr    error
	updateErr     error
	deleteErr     error
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*domain.Order)}
}

func (m *mockOrderRepo) CreateOrder(_ context.Context, order *domain.Order) error {
	if m.createDelay > 0 {
		time.Sleep(m.createDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	order.ID = uuid.New()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	if order.Status == domain.OrderStatusNone {
		order.Status = domain.OrderStatusPending
	}
	stored := *order
	m.orders[order.ID] = &stored
	return nil
}

func (m *mockOrderRepo) InsertCustomDetails(_ context.Context, records []domain.CustomDetailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detailsErr != nil {
		return m.detailsErr
	}
	m.detail = append(m.detail, records...)
	return nil
}

func (m *mockOrderRepo) GetOrderByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

func (m *mockOrderRepo) GetPendingOrder(_ context.Context, ownerID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.getPendingErr != nil {
		return nil, m.getPendingErr
	}
	for _, o := range m.orders {
		if o.OwnerID == ownerID && o.Status == domain.OrderStatusPending {
			out := *o
			return &out, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (m *mockOrderRepo) UpdateOrderTotal(_ context.Context, id uuid.UUID, total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.updateErr != nil {
		return m.updateErr
	}
	o, ok := m.orders[id]
	if !ok || o.Status != domain.OrderStatusPending {
		return repository.ErrOrderNotPending
	}
	o.Total = total
	return nil
}

func (m *mockOrderRepo) MarkPaid(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	switch {
	case !ok:
		return repository.ErrOrderNotFound
	case o.Status == domain.OrderStatusPaid:
		return nil
	case o.Status != domain.OrderStatusPending:
		return repository.ErrOrderNotPending
	}
	o.Status = domain.OrderStatusPaid
	return nil
}

func (m *mockOrderRepo) DeletePendingOrders(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	var n int64
	for id, o := range m.orders {
		if o.OwnerID == ownerID && o.Status == domain.OrderStatusPending {
			delete(m.orders, id)
			n++
		}
	}
	return n, nil
}

func (m *mockOrderRepo) ListOrdersByOwner(_ context.Context, ownerID string) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.OwnerID == ownerID {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.OrderStatusEvent
	err    error
}

func (m *mockPublisher) PublishStatusChange(_ context.Context, event domain.OrderStatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *mockPublisher) published() []domain.OrderStatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderStatusEvent(nil), m.events...)
}
