package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Orders is the order lifecycle as seen by the HTTP layer.
type Orders interface {
	Checkout(ctx context.Context, cart *service.CartSynchronizer, method domain.PaymentMethod) (*service.CheckoutResult, error)
	Attach(ctx context.Context, orderID uuid.UUID, cart *service.CartSynchronizer) (*domain.Order, error)
	ConfirmPaymentManually(ctx context.Context, orderID uuid.UUID) error
	OnOrderPaid(orderID uuid.UUID, cb service.PaidCallback) func()
	ListOrders(ctx context.Context, ownerID string) ([]*domain.Order, error)
	PayloadFor(order *domain.Order) (string, error)
	QRCodeFor(order *domain.Order) ([]byte, error)
}

type OrderHandler struct {
	carts    Carts
	orders   Orders
	upgrader websocket.Upgrader
}

func NewOrderHandler(carts Carts, orders Orders) *OrderHandler {
	return &OrderHandler{
		carts:  carts,
		orders: orders,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type CheckoutRequestDTO struct {
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
}

type OrderStatusDTO struct {
	OrderID string             `json:"order_id"`
	Status  domain.OrderStatus `json:"status"`
}

func (h *OrderHandler) cartFor(r *http.Request) *service.CartSynchronizer {
	return h.carts.Get(r.Context(), getSessionID(r.Context()), getUserID(r.Context()))
}

// POST /api/v1/checkout
func (h *OrderHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	res, err := h.orders.Checkout(r.Context(), h.cartFor(r), req.PaymentMethod)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// GET /api/v1/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orders, err := h.orders.ListOrders(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// attach resolves {id} to an order of the caller. It writes the error
// response itself and returns nil on failure.
func (h *OrderHandler) attach(w http.ResponseWriter, r *http.Request) (*domain.Order, *service.CartSynchronizer) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order id must be a UUID")
		return nil, nil
	}
	cart := h.cartFor(r)
	order, err := h.orders.Attach(r.Context(), orderID, cart)
	if err != nil {
		handleServiceError(w, err)
		return nil, nil
	}
	return order, cart
}

// GET /api/v1/orders/{id}/payload
func (h *OrderHandler) GetPayload(w http.ResponseWriter, r *http.Request) {
	order, _ := h.attach(w, r)
	if order == nil {
		return
	}
	payload, err := h.orders.PayloadFor(order)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, payload)
}

// GET /api/v1/orders/{id}/qrcode
func (h *OrderHandler) GetQRCode(w http.ResponseWriter, r *http.Request) {
	order, _ := h.attach(w, r)
	if order == nil {
		return
	}
	png, err := h.orders.QRCodeFor(order)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// POST /api/v1/orders/{id}/confirm
func (h *OrderHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	order, _ := h.attach(w, r)
	if order == nil {
		return
	}
	if err := h.orders.ConfirmPaymentManually(r.Context(), order.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OrderStatusDTO{OrderID: order.ID.String(), Status: domain.OrderStatusPaid})
}

// GET /api/v1/orders/{id}/events
//
// Upgrades to a websocket and sends a single status message once the order
// is paid, then closes.
func (h *OrderHandler) Events(w http.ResponseWriter, r *http.Request) {
	order, _ := h.attach(w, r)
	if order == nil {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed for order %s: %v", order.ID, err)
		return
	}
	defer conn.Close()

	paid := make(chan struct{}, 1)
	unsubscribe := h.orders.OnOrderPaid(order.ID, func(uuid.UUID) {
		select {
		case paid <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// the client never sends; a read error means it went away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-paid:
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(OrderStatusDTO{OrderID: order.ID.String(), Status: domain.OrderStatusPaid}); err != nil {
			log.Printf("failed to send paid event for order %s: %v", order.ID, err)
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "paid"),
			time.Now().Add(time.Second))
	case <-gone:
	}
}
