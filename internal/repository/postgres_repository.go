package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, owner_id, total, delivery_address, payment_method, status, created_at, updated_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(cred *Credentials) (*Repository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	log.Println("connected to postgres")
	return &Repository{db: db}, nil
}

// NewRepositoryWithDB wraps an already opened handle.
func NewRepositoryWithDB(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "orders_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

// CreateOrder inserts the order and its items in one transaction. The id and
// timestamps are generated by the database and written back into order.
func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO orders (owner_id, total, delivery_address, payment_method, status)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING id, created_at, updated_at`

	if order.Status == domain.OrderStatusNone {
		order.Status = domain.OrderStatusPending
	}
	err = tx.QueryRowContext(ctx, query,
		order.OwnerID,
		order.Total,
		order.DeliveryAddress,
		order.PaymentMethod,
		order.Status,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	itemQuery := `INSERT INTO order_items (order_id, product_id, kind, name, quantity, unit_price, observation)
	              VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, item := range order.Items {
		var productID sql.NullString
		if item.ProductID != "" {
			productID = sql.NullString{String: item.ProductID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, itemQuery,
			order.ID,
			productID,
			item.Kind,
			item.Name,
			item.Quantity,
			item.UnitPrice,
			item.Observation,
		); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) {
				return fmt.Errorf("insert order item (%s): %w", pqErr.Code, err)
			}
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	return nil
}

func (r *Repository) InsertCustomDetails(ctx context.Context, records []domain.CustomDetailRecord) error {
	query := `INSERT INTO custom_details (order_id, owner_id, details, quantity) VALUES ($1, $2, $3, $4)`
	for _, rec := range records {
		detailsJSON, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("marshal custom details: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, query, rec.OrderID, rec.OwnerID, detailsJSON, rec.Quantity); err != nil {
			return fmt.Errorf("insert custom details: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}

	items, err := r.orderItems(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

// GetPendingOrder returns the newest PENDING order of the owner.
func (r *Repository) GetPendingOrder(ctx context.Context, ownerID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
	          WHERE owner_id = $1 AND status = $2
	          ORDER BY created_at DESC LIMIT 1`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, ownerID, domain.OrderStatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pending order: %w", err)
	}
	return order, nil
}

func (r *Repository) UpdateOrderTotal(ctx context.Context, id uuid.UUID, total decimal.Decimal) error {
	query := `UPDATE orders SET total = $2, updated_at = NOW() WHERE id = $1 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, id, total, domain.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("update order total: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order total: %w", err)
	}
	if n == 0 {
		return ErrOrderNotPending
	}
	return nil
}

// MarkPaid moves a PENDING order to PAID. Marking an already PAID order is a
// no-op.
func (r *Repository) MarkPaid(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, id, domain.OrderStatusPaid, domain.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status domain.OrderStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("query order status: %w", err)
	}
	if status == domain.OrderStatusPaid {
		return nil
	}
	return ErrOrderNotPending
}

// DeletePendingOrders cancels every PENDING order of the owner by removing it.
func (r *Repository) DeletePendingOrders(ctx context.Context, ownerID string) (int64, error) {
	query := `DELETE FROM orders WHERE owner_id = $1 AND status = $2`

	result, err := r.db.ExecContext(ctx, query, ownerID, domain.OrderStatusPending)
	if err != nil {
		return 0, fmt.Errorf("delete pending orders: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete pending orders: %w", err)
	}
	return n, nil
}

func (r *Repository) ListOrdersByOwner(ctx context.Context, ownerID string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query orders by owner: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return orders, nil
}

func (r *Repository) orderItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderItem, error) {
	query := `SELECT product_id, kind, name, quantity, unit_price, observation
	          FROM order_items WHERE order_id = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		var productID sql.NullString
		if err := rows.Scan(&productID, &item.Kind, &item.Name, &item.Quantity, &item.UnitPrice, &item.Observation); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.ProductID = productID.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	err := row.Scan(
		&order.ID,
		&order.OwnerID,
		&order.Total,
		&order.DeliveryAddress,
		&order.PaymentMethod,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
