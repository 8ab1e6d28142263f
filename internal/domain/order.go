package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PickupAddress is stored when no line carries a delivery address.
const PickupAddress = "Retirada no Balcão"

type OrderStatus string

const (
	OrderStatusNone      OrderStatus = ""
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCancelled
}

// String representation (for logging)
func (s OrderStatus) String() string {
	if s == OrderStatusNone {
		return "NONE"
	}
	return string(s)
}

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusNone:    {OrderStatusPending},
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled},
}

func CanTransitionTo(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodPix  PaymentMethod = "pix"
	PaymentMethodCash PaymentMethod = "cash"
	PaymentMethodCard PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodPix, PaymentMethodCash, PaymentMethodCard:
		return true
	}
	return false
}

type OrderItem struct {
	ProductID   string          `json:"product_id,omitempty"`
	Kind        ItemKind        `json:"kind"`
	Name        string          `json:"name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Observation string          `json:"observation,omitempty"`
}

// CustomDetailRecord is the structured detail extracted from a custom line.
type CustomDetailRecord struct {
	OrderID  uuid.UUID     `json:"order_id"`
	OwnerID  string        `json:"owner_id"`
	Details  CustomDetails `json:"details"`
	Quantity int           `json:"quantity"`
}

type Order struct {
	ID              uuid.UUID       `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Total           decimal.Decimal `json:"total"`
	DeliveryAddress string          `json:"delivery_address"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	Status          OrderStatus     `json:"status"`
	Items           []OrderItem     `json:"items,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderStatusEvent is a row-change notification for a single order.
type OrderStatusEvent struct {
	OrderID    string      `json:"order_id"`
	Event      string      `json:"event"`
	Status     OrderStatus `json:"status"`
	OccurredAt time.Time   `json:"occurred_at"`
}

const EventUpdate = "UPDATE"

// DeliveryAddressFor picks the first delivered line with an address, falling
// back to counter pickup.
func DeliveryAddressFor(items []LineItem) string {
	for _, item := range items {
		if item.HasDelivery() && item.DeliveryAddress != "" {
			return item.DeliveryAddress
		}
	}
	return PickupAddress
}

func OrderItemsFrom(items []LineItem) []OrderItem {
	out := make([]OrderItem, 0, len(items))
	for _, item := range items {
		oi := OrderItem{
			Kind:      item.Kind,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
		if !item.IsCustom() {
			oi.ProductID = item.ID
		} else {
			oi.Observation = item.Details.Key()
		}
		out = append(out, oi)
	}
	return out
}

func CustomDetailRecordsFrom(orderID uuid.UUID, ownerID string, items []LineItem) []CustomDetailRecord {
	var out []CustomDetailRecord
	for _, item := range items {
		if !item.IsCustom() || len(item.Details) == 0 {
			continue
		}
		out = append(out, CustomDetailRecord{
			OrderID:  orderID,
			OwnerID:  ownerID,
			Details:  item.Details,
			Quantity: item.Quantity,
		})
	}
	return out
}
