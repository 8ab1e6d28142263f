package repository

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

var (
	ErrCartNotFound = errors.New("cart not found")
	ErrItemNotFound = errors.New("item not found in cart")
)

// CartRepository is the remote per-user mirror of the cart. Catalog lines are
// matched by product id, custom lines by their canonical detail payload.
type CartRepository interface {
	GetLines(ctx context.Context, userID string) ([]domain.LineItem, error)
	UpsertLine(ctx context.Context, userID string, item domain.LineItem) error
	DeleteLine(ctx context.Context, userID string, item domain.LineItem) error
	DeleteAll(ctx context.Context, userID string) (int64, error)
	ReplaceAll(ctx context.Context, userID string, items []domain.LineItem) error
}
