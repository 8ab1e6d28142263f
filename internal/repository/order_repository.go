package repository

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order is not pending")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	InsertCustomDetails(ctx context.Context, records []domain.CustomDetailRecord) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetPendingOrder(ctx context.Context, ownerID string) (*domain.Order, error)
	UpdateOrderTotal(ctx context.Context, id uuid.UUID, total decimal.Decimal) error
	MarkPaid(ctx context.Context, id uuid.UUID) error
	DeletePendingOrders(ctx context.Context, ownerID string) (int64, error)
	ListOrdersByOwner(ctx context.Context, ownerID string) ([]*domain.Order, error)
}
