package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ItemKind string

const (
	ItemKindCatalog ItemKind = "catalog"
	ItemKindCustom  ItemKind = "custom"
)

const (
	customIDPrefix = "custom-"
	lineKeyPrefix  = "line:"
)

// CustomDetails is the structured payload of a custom line (meal customization).
// Two custom lines are the same line when their canonical keys are equal.
type CustomDetails map[string]any

// Key renders details as canonical JSON; encoding/json sorts map keys.
func (d CustomDetails) Key() string {
	if len(d) == 0 {
		return ""
	}
	b, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(b)
}

type LineItem struct {
	ID              string          `json:"id"`
	Kind            ItemKind        `json:"kind"`
	Name            string          `json:"name"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Quantity        int             `json:"quantity"`
	ImageRef        string          `json:"image_ref,omitempty"`
	Details         CustomDetails   `json:"details,omitempty"`
	DeliveryAddress string          `json:"delivery_address,omitempty"`
	AddedAt         time.Time       `json:"added_at"`
}

// NewCustomLineID generates a client-side id for a custom line. It is never a
// remote primary key.
func NewCustomLineID() string {
	return customIDPrefix + uuid.NewString()
}

func IsCustomLineID(id string) bool {
	return strings.HasPrefix(id, customIDPrefix)
}

func (l LineItem) IsCustom() bool {
	return l.Kind == ItemKindCustom
}

// MatchKey identifies a custom line across devices: its canonical details,
// or its own line id when it carries none.
func (l LineItem) MatchKey() string {
	if key := l.Details.Key(); key != "" {
		return key
	}
	return lineKeyPrefix + l.ID
}

// LineIDFromMatchKey returns the line id embedded by MatchKey for a line
// without details.
func LineIDFromMatchKey(key string) (string, bool) {
	if !strings.HasPrefix(key, lineKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, lineKeyPrefix), true
}

// HasDelivery reports whether the line is delivered rather than picked up.
func (l LineItem) HasDelivery() bool {
	return l.IsCustom()
}

func (l LineItem) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is the session cart snapshot. Totals are derived on every read.
type Cart struct {
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id,omitempty"`
	Items     []LineItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Totals struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Total       decimal.Decimal `json:"total"`
}

func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

func (c *Cart) Find(id string) (int, bool) {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// Totals computes subtotal, delivery fee and total. The flat fee applies only
// when at least one line is delivered.
func (c *Cart) Totals(fee decimal.Decimal) Totals {
	subtotal := decimal.Zero
	delivery := false
	for _, item := range c.Items {
		subtotal = subtotal.Add(item.LineTotal())
		if item.HasDelivery() {
			delivery = true
		}
	}
	t := Totals{Subtotal: subtotal, DeliveryFee: decimal.Zero}
	if delivery {
		t.DeliveryFee = fee
	}
	t.Total = t.Subtotal.Add(t.DeliveryFee)
	return t
}

// Clone returns a deep enough copy for handing out to readers.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Items = make([]LineItem, len(c.Items))
	copy(out.Items, c.Items)
	return &out
}
