package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/cache"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/repository"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Session identifies a browser session and, once logged in, its user.
type Session struct {
	ID     string
	UserID string
}

func (s Session) Authenticated() bool {
	return s.UserID != ""
}

// OrderCanceller removes the pending orders of a user. Clearing the cart
// abandons any checkout in progress.
type OrderCanceller interface {
	CancelPending(ctx context.Context, ownerID string) error
}

// CartSynchronizer owns the cart of one session. Local state and the session
// cache are updated before a mutation returns; the remote mirror catches up
// through the Mirror queue.
type CartSynchronizer struct {
	mu      sync.Mutex
	session Session
	cart    *domain.Cart

	loadOnce sync.Once
	lastSeen time.Time

	cache  cache.CartCache
	remote repository.CartRepository
	mirror *Mirror
	orders OrderCanceller
	fee    decimal.Decimal
}

func NewCartSynchronizer(session Session, c cache.CartCache, remote repository.CartRepository, mirror *Mirror, orders OrderCanceller, fee decimal.Decimal) *CartSynchronizer {
	return &CartSynchronizer{
		session:  session,
		cart:     &domain.Cart{SessionID: session.ID, UserID: session.UserID},
		cache:    c,
		remote:   remote,
		mirror:   mirror,
		orders:   orders,
		fee:      fee,
		lastSeen: time.Now(),
	}
}

// Load restores the cart from the session cache. For an authenticated
// session a non-empty remote cart then replaces it.
func (s *CartSynchronizer) Load(ctx context.Context) {
	s.loadOnce.Do(func() {
		cached, err := s.cache.Get(ctx, s.session.ID)
		switch {
		case err == nil:
			s.mu.Lock()
			s.cart = cached
			s.cart.SessionID = s.session.ID
			s.cart.UserID = s.session.UserID
			s.mu.Unlock()
		case errors.Is(err, cache.ErrCacheMiss):
		default:
			logger.Printf(ctx, "failed to read cart cache for session %s: %v", s.session.ID, err)
		}

		if s.Session().Authenticated() {
			s.pullRemote(ctx)
		}
	})
}

// Authenticate attaches a user to the session and reconciles with that
// user's remote cart.
func (s *CartSynchronizer) Authenticate(ctx context.Context, userID string) {
	s.mu.Lock()
	if s.session.UserID == userID {
		s.mu.Unlock()
		return
	}
	s.session.UserID = userID
	s.cart.UserID = userID
	s.mu.Unlock()

	logger.Printf(ctx, "session %s authenticated as %s", s.session.ID, userID)
	s.pullRemote(ctx)
}

// Logout detaches the user. The local cart stays with the session.
func (s *CartSynchronizer) Logout() {
	s.mu.Lock()
	s.session.UserID = ""
	s.cart.UserID = ""
	s.mu.Unlock()
}

// pullRemote replaces local state with a non-empty remote cart. When the
// remote cart is empty the local lines are pushed instead.
func (s *CartSynchronizer) pullRemote(ctx context.Context) {
	userID := s.Session().UserID

	var lines []domain.LineItem
	err := s.mirror.Do(ctx, userID, "load", func(ctx context.Context) error {
		var err error
		lines, err = s.remote.GetLines(ctx, userID)
		return err
	})
	if err != nil {
		logger.Printf(ctx, "failed to load remote cart for %s: %v", userID, err)
		return
	}

	s.mu.Lock()
	if len(lines) == 0 {
		local := s.cloneItems()
		s.mu.Unlock()
		if len(local) > 0 {
			s.syncFullCart(ctx, userID, local)
		}
		return
	}
	s.cart.Items = lines
	snapshot := s.touch()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	logger.Printf(ctx, "loaded %d remote lines for %s", len(lines), userID)
}

// SyncFullCart overwrites the remote cart with the local lines.
func (s *CartSynchronizer) SyncFullCart(ctx context.Context) {
	session := s.Session()
	if !session.Authenticated() {
		return
	}
	s.mu.Lock()
	local := s.cloneItems()
	s.mu.Unlock()
	s.syncFullCart(ctx, session.UserID, local)
}

func (s *CartSynchronizer) syncFullCart(ctx context.Context, userID string, items []domain.LineItem) {
	s.mirror.Enqueue(ctx, userID, "replace cart", func(ctx context.Context) error {
		return s.remote.ReplaceAll(ctx, userID, items)
	})
}

// AddItem adds qty units of item, merging into an existing line of the same
// identity.
func (s *CartSynchronizer) AddItem(ctx context.Context, item domain.LineItem, qty int) (*domain.Cart, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidItem, qty)
	}
	if item.IsCustom() && item.ID == "" {
		item.ID = domain.NewCustomLineID()
	}
	if item.ID == "" {
		return nil, fmt.Errorf("%w: missing item id", ErrInvalidItem)
	}
	if item.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: negative price", ErrInvalidItem)
	}

	s.mu.Lock()
	var line domain.LineItem
	if i := indexOfLine(s.cart.Items, item); i >= 0 {
		s.cart.Items[i].Quantity += qty
		line = s.cart.Items[i]
	} else {
		item.Quantity = qty
		if item.AddedAt.IsZero() {
			item.AddedAt = time.Now().UTC()
		}
		s.cart.Items = append(s.cart.Items, item)
		line = item
	}
	snapshot := s.touch()
	session := s.session
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	if session.Authenticated() {
		s.mirror.Enqueue(ctx, session.UserID, "upsert line", func(ctx context.Context) error {
			return s.remote.UpsertLine(ctx, session.UserID, line)
		})
	}
	return snapshot, nil
}

// RemoveItem drops the line with the given id.
func (s *CartSynchronizer) RemoveItem(ctx context.Context, itemID string) (*domain.Cart, error) {
	s.mu.Lock()
	i, ok := s.cart.Find(itemID)
	if !ok {
		s.mu.Unlock()
		return nil, ErrLineNotFound
	}
	removed := s.cart.Items[i]
	s.cart.Items = append(s.cart.Items[:i], s.cart.Items[i+1:]...)
	snapshot := s.touch()
	session := s.session
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	if session.Authenticated() {
		s.enqueueDelete(ctx, session.UserID, removed)
	}
	return snapshot, nil
}

// UpdateQuantity applies delta to a line. A result below one removes the line.
func (s *CartSynchronizer) UpdateQuantity(ctx context.Context, itemID string, delta int) (*domain.Cart, error) {
	s.mu.Lock()
	i, ok := s.cart.Find(itemID)
	if !ok {
		s.mu.Unlock()
		return nil, ErrLineNotFound
	}

	line := s.cart.Items[i]
	line.Quantity = max(0, line.Quantity+delta)
	if line.Quantity == 0 {
		s.cart.Items = append(s.cart.Items[:i], s.cart.Items[i+1:]...)
	} else {
		s.cart.Items[i] = line
	}
	snapshot := s.touch()
	session := s.session
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	if !session.Authenticated() {
		return snapshot, nil
	}
	if line.Quantity == 0 {
		s.enqueueDelete(ctx, session.UserID, line)
	} else {
		s.mirror.Enqueue(ctx, session.UserID, "update quantity", func(ctx context.Context) error {
			return s.remote.UpsertLine(ctx, session.UserID, line)
		})
	}
	return snapshot, nil
}

func (s *CartSynchronizer) enqueueDelete(ctx context.Context, userID string, line domain.LineItem) {
	s.mirror.Enqueue(ctx, userID, "delete line", func(ctx context.Context) error {
		err := s.remote.DeleteLine(ctx, userID, line)
		if errors.Is(err, repository.ErrItemNotFound) {
			return nil
		}
		return err
	})
}

// Clear empties the cart and cancels the user's pending orders. Both remote
// operations run concurrently and both are awaited; a failure of either is
// reported in a *ClearError while the local cart stays empty.
func (s *CartSynchronizer) Clear(ctx context.Context) error {
	return s.clear(ctx, true)
}

// ClearCartOnly empties the cart and leaves orders alone. Used once an order
// has been paid.
func (s *CartSynchronizer) ClearCartOnly(ctx context.Context) error {
	return s.clear(ctx, false)
}

func (s *CartSynchronizer) clear(ctx context.Context, cancelOrders bool) error {
	s.mu.Lock()
	s.cart.Items = nil
	s.touch()
	session := s.session
	s.mu.Unlock()

	if err := s.cache.Delete(ctx, session.ID); err != nil {
		logger.Printf(ctx, "failed to delete cart cache for session %s: %v", session.ID, err)
	}
	if !session.Authenticated() {
		return nil
	}

	var cartErr, ordersErr error
	var g errgroup.Group
	g.Go(func() error {
		cartErr = s.mirror.Do(ctx, session.UserID, "delete cart", func(ctx context.Context) error {
			_, err := s.remote.DeleteAll(ctx, session.UserID)
			return err
		})
		return nil
	})
	if cancelOrders && s.orders != nil {
		g.Go(func() error {
			ordersErr = s.orders.CancelPending(ctx, session.UserID)
			return nil
		})
	}
	_ = g.Wait()

	if cartErr == nil && ordersErr == nil {
		return nil
	}
	err := &ClearError{CartErr: cartErr, OrdersErr: ordersErr}
	logger.Printf(ctx, "clear for %s: %v", session.UserID, err)
	return err
}

func (s *CartSynchronizer) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Snapshot returns a copy of the current cart.
func (s *CartSynchronizer) Snapshot() *domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Clone()
}

func (s *CartSynchronizer) Totals() domain.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Totals(s.fee)
}

func (s *CartSynchronizer) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.cart.Items {
		n += item.Quantity
	}
	return n
}

func (s *CartSynchronizer) persist(ctx context.Context, snapshot *domain.Cart) {
	if err := s.cache.Set(ctx, snapshot.SessionID, snapshot); err != nil {
		logger.Printf(ctx, "failed to write cart cache for session %s: %v", snapshot.SessionID, err)
	}
}

// touch must be called with mu held.
func (s *CartSynchronizer) touch() *domain.Cart {
	now := time.Now().UTC()
	s.cart.UpdatedAt = now
	s.lastSeen = now
	return s.cart.Clone()
}

func (s *CartSynchronizer) cloneItems() []domain.LineItem {
	out := make([]domain.LineItem, len(s.cart.Items))
	copy(out, s.cart.Items)
	return out
}

func (s *CartSynchronizer) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *CartSynchronizer) markSeen() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// indexOfLine matches catalog lines by id and custom lines by id or by their
// canonical details, the same rule the remote mirror applies.
func indexOfLine(items []domain.LineItem, item domain.LineItem) int {
	key := ""
	if item.IsCustom() {
		key = item.MatchKey()
	}
	for i := range items {
		if items[i].ID == item.ID {
			return i
		}
		if key != "" && items[i].IsCustom() && items[i].MatchKey() == key {
			return i
		}
	}
	return -1
}
