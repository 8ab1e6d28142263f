package service

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/cache"
	"github.com/fjod/go_cart/storefront/internal/repository"
	"github.com/shopspring/decimal"
)

const defaultIdleTTL = 2 * time.Hour

// SessionRegistry hands out one CartSynchronizer per session id. Idle
// synchronizers are dropped; their carts survive in the session cache.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*CartSynchronizer
	idleTTL  time.Duration
	lastScan time.Time

	cache  cache.CartCache
	remote repository.CartRepository
	mirror *Mirror
	orders OrderCanceller
	fee    decimal.Decimal
}

func NewSessionRegistry(c cache.CartCache, remote repository.CartRepository, mirror *Mirror, orders OrderCanceller, fee decimal.Decimal, idleTTL time.Duration) *SessionRegistry {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &SessionRegistry{
		sessions: make(map[string]*CartSynchronizer),
		idleTTL:  idleTTL,
		lastScan: time.Now(),
		cache:    c,
		remote:   remote,
		mirror:   mirror,
		orders:   orders,
		fee:      fee,
	}
}

// Get returns the loaded synchronizer for sessionID and aligns its
// authentication with userID. An empty userID logs the session out.
func (r *SessionRegistry) Get(ctx context.Context, sessionID, userID string) *CartSynchronizer {
	r.mu.Lock()
	r.evictIdle()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = NewCartSynchronizer(Session{ID: sessionID, UserID: userID}, r.cache, r.remote, r.mirror, r.orders, r.fee)
		r.sessions[sessionID] = s
	}
	r.mu.Unlock()

	s.Load(ctx)
	s.markSeen()

	current := s.Session().UserID
	switch {
	case userID != "" && userID != current:
		s.Authenticate(ctx, userID)
	case userID == "" && current != "":
		s.Logout()
	}
	return s
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// evictIdle must be called with mu held.
func (r *SessionRegistry) evictIdle() {
	now := time.Now()
	if now.Sub(r.lastScan) < r.idleTTL/4 {
		return
	}
	r.lastScan = now
	for id, s := range r.sessions {
		if now.Sub(s.idleSince()) > r.idleTTL {
			delete(r.sessions, id)
		}
	}
}
