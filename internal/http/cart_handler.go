package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const maxLineQuantity = 99

// Carts resolves the synchronizer of a session.
type Carts interface {
	Get(ctx context.Context, sessionID, userID string) *service.CartSynchronizer
}

type CartHandler struct {
	carts Carts
}

func NewCartHandler(carts Carts) *CartHandler {
	return &CartHandler{carts: carts}
}

type AddItemRequestDTO struct {
	ID              string               `json:"id"`
	Kind            domain.ItemKind      `json:"kind"`
	Name            string               `json:"name"`
	UnitPrice       decimal.Decimal      `json:"unit_price"`
	Quantity        int                  `json:"quantity"`
	ImageRef        string               `json:"image_ref"`
	Details         domain.CustomDetails `json:"details"`
	DeliveryAddress string               `json:"delivery_address"`
}

type UpdateQuantityRequestDTO struct {
	Delta int `json:"delta"`
}

type CartResponseDTO struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id,omitempty"`
	Items       []domain.LineItem `json:"items"`
	ItemCount   int               `json:"item_count"`
	Subtotal    decimal.Decimal   `json:"subtotal"`
	DeliveryFee decimal.Decimal   `json:"delivery_fee"`
	Total       decimal.Decimal   `json:"total"`
}

type ClearResponseDTO struct {
	Cart     CartResponseDTO `json:"cart"`
	Warnings []string        `json:"warnings,omitempty"`
}

func (h *CartHandler) cartFor(r *http.Request) *service.CartSynchronizer {
	return h.carts.Get(r.Context(), getSessionID(r.Context()), getUserID(r.Context()))
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, cartResponse(h.cartFor(r)))
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Kind == "" {
		req.Kind = domain.ItemKindCatalog
	}
	if req.Kind != domain.ItemKindCatalog && req.Kind != domain.ItemKindCustom {
		respondError(w, http.StatusBadRequest, "invalid_kind", "kind must be catalog or custom")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 1 || req.Quantity > maxLineQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_name", "name is required")
		return
	}

	cart := h.cartFor(r)
	_, err := cart.AddItem(r.Context(), domain.LineItem{
		ID:              req.ID,
		Kind:            req.Kind,
		Name:            req.Name,
		UnitPrice:       req.UnitPrice,
		ImageRef:        req.ImageRef,
		Details:         req.Details,
		DeliveryAddress: req.DeliveryAddress,
	}, req.Quantity)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cartResponse(cart))
}

// PATCH /api/v1/cart/items/{id}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Delta == 0 {
		respondError(w, http.StatusBadRequest, "invalid_delta", "delta must not be zero")
		return
	}

	cart := h.cartFor(r)
	if _, err := cart.UpdateQuantity(r.Context(), itemID, req.Delta); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(cart))
}

// DELETE /api/v1/cart/items/{id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	cart := h.cartFor(r)
	if _, err := cart.RemoveItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(cart))
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	cart := h.cartFor(r)
	err := cart.Clear(r.Context())

	resp := ClearResponseDTO{Cart: cartResponse(cart)}
	var clearErr *service.ClearError
	if errors.As(err, &clearErr) {
		if clearErr.CartErr != nil {
			resp.Warnings = append(resp.Warnings, "remote cart could not be cleared")
		}
		if clearErr.OrdersErr != nil {
			resp.Warnings = append(resp.Warnings, "pending orders could not be cancelled")
		}
	} else if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func cartResponse(cart *service.CartSynchronizer) CartResponseDTO {
	snap := cart.Snapshot()
	totals := cart.Totals()
	items := snap.Items
	if items == nil {
		items = []domain.LineItem{}
	}
	return CartResponseDTO{
		SessionID:   snap.SessionID,
		UserID:      snap.UserID,
		Items:       items,
		ItemCount:   cart.ItemCount(),
		Subtotal:    totals.Subtotal,
		DeliveryFee: totals.DeliveryFee,
		Total:       totals.Total,
	}
}
