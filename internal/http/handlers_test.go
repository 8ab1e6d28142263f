package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cart/storefront/internal/cache"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/pix"
	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

// nopCartRepo is an empty remote cart that accepts every write.
type nopCartRepo struct{}

func (nopCartRepo) GetLines(context.Context, string) ([]domain.LineItem, error) { return nil, nil }
func (nopCartRepo) UpsertLine(context.Context, string, domain.LineItem) error { return nil }
func (nopCartRepo) DeleteLine(context.Context, string, domain.LineItem) error { return nil }
func (nopCartRepo) DeleteAll(context.Context, string) (int64, error) { return 0, nil }
func (nopCartRepo) ReplaceAll(context.Context, string, []domain.LineItem) error { return nil }

type fakeCanceller struct{ err error }

func (f fakeCanceller) CancelPending(context.Context, string) error { return f.err }

type fakeOrders struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*domain.Order
	callbacks map[uuid.UUID][]service.PaidCallback
	err       error
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		orders:    make(map[uuid.UUID]*domain.Order),
		callbacks: make(map[uuid.UUID][]service.PaidCallback),
	}
}

func (f *fakeOrders) Checkout(_ context.Context, cart *service.CartSynchronizer, method domain.PaymentMethod) (*service.CheckoutResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !cart.Session().Authenticated() {
		return nil, service.ErrNotAuthenticated
	}
	if cart.Snapshot().IsEmpty() {
		return nil, service.ErrEmptyCart
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	order := &domain.Order{ID: uuid.New(), OwnerID: cart.Session().UserID, Total: cart.Totals().Total, PaymentMethod: method, Status: domain.OrderStatusPending}
	f.orders[order.ID] = order
	return &service.CheckoutResult{OrderID: order.ID, Status: order.Status, Total: order.Total, Payload: "payload"}, nil
}

func (f *fakeOrders) Attach(_ context.Context, orderID uuid.UUID, cart *service.CartSynchronizer) (*domain.Order, error) {
	if !cart.Session().Authenticated() {
		return nil, service.ErrNotAuthenticated
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.OwnerID != cart.Session().UserID {
		return nil, service.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (f *fakeOrders) ConfirmPaymentManually(_ context.Context, orderID uuid.UUID) error {
	f.mu.Lock()
	o := f.orders[orderID]
	o.Status = domain.OrderStatusPaid
	cbs := f.callbacks[orderID]
	delete(f.callbacks, orderID)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(orderID)
	}
	return nil
}

func (f *fakeOrders) OnOrderPaid(orderID uuid.UUID, cb service.PaidCallback) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[orderID] = append(f.callbacks[orderID], cb)
	return func() {}
}

func (f *fakeOrders) subscribers(orderID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callbacks[orderID])
}

func (f *fakeOrders) ListOrders(_ context.Context, ownerID string) ([]*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Order
	for _, o := range f.orders {
		if o.OwnerID == ownerID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeOrders) PayloadFor(order *domain.Order) (string, error) {
	return pix.Merchant{Key: "+5581999999999", Name: "Loja", City: "Cidade"}.Encode(order.Total)
}

func (f *fakeOrders) QRCodeFor(order *domain.Order) ([]byte, error) {
	return pix.Merchant{Key: "+5581999999999", Name: "Loja", City: "Cidade"}.QRCode(order.Total)
}

func (f *fakeOrders) add(owner string, status domain.OrderStatus) *domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &domain.Order{ID: uuid.New(), OwnerID: owner, Total: decimal.RequireFromString("65"), Status: status}
	f.orders[o.ID] = o
	return o
}

type testServer struct {
	handler http.Handler
	orders  *fakeOrders
	mr      *miniredis.Miniredis
}

func newTestServer(t *testing.T, canceller service.OrderCanceller) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mirror := service.NewMirror(1, 8, time.Second, nil)
	t.Cleanup(mirror.Close)

	registry := service.NewSessionRegistry(cache.NewRedisCache(client, 0), nopCartRepo{}, mirror, canceller, decimal.RequireFromString("5.00"), time.Hour)
	orders := newFakeOrders()
	return &testServer{
		handler: NewRouter(RouterConfig{Carts: registry, Orders: orders, JWTSecret: testSecret, RequestTimeout: 5 * time.Second}),
		orders:  orders,
		mr:      mr,
	}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, sessionID, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeCart(t *testing.T, rec *httptest.ResponseRecorder) CartResponseDTO {
	t.Helper()
	var resp CartResponseDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetCart_AssignsSession(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/cart/", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sessionID := rec.Header().Get(SessionHeader)
	assert.NotEmpty(t, sessionID)
	resp := decodeCart(t, rec)
	assert.Equal(t, sessionID, resp.SessionID)
	assert.Empty(t, resp.Items)
}

func TestAddItem_ThenTotals(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/cart/items", "sess-1", "", AddItemRequestDTO{
		Kind: domain.ItemKindCustom, Name: "Quentinha", UnitPrice: decimal.RequireFromString("30.00"), Quantity: 2,
		Details: domain.CustomDetails{"protein": "beef"}, DeliveryAddress: "Rua A, 10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeCart(t, rec)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "60.00", resp.Subtotal.StringFixed(2))
	assert.Equal(t, "5.00", resp.DeliveryFee.StringFixed(2))
	assert.Equal(t, "65.00", resp.Total.StringFixed(2))
	assert.Equal(t, 2, resp.ItemCount)
	assert.True(t, s.mr.Exists("cart:sess-1"))
}

func TestAddItem_Validation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"bad json", "nope", "invalid_request"},
		{"quantity too high", AddItemRequestDTO{ID: "1", Name: "Suco", Quantity: 100}, "invalid_quantity"},
		{"negative quantity", AddItemRequestDTO{ID: "1", Name: "Suco", Quantity: -1}, "invalid_quantity"},
		{"unknown kind", AddItemRequestDTO{ID: "1", Name: "Suco", Kind: "gift"}, "invalid_kind"},
		{"missing name", AddItemRequestDTO{ID: "1"}, "invalid_name"},
		{"missing id", AddItemRequestDTO{Name: "Suco"}, "invalid_argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/cart/items", "sess-1", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var errResp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
			assert.Equal(t, tt.code, errResp.Code)
		})
	}
}

func TestUpdateAndRemoveItem(t *testing.T) {
	s := newTestServer(t, nil)
	add := AddItemRequestDTO{ID: "7", Name: "Suco", UnitPrice: decimal.RequireFromString("5.00"), Quantity: 1}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/cart/items", "sess-1", "", add).Code)

	rec := s.do(t, http.MethodPatch, "/api/v1/cart/items/7", "sess-1", "", UpdateQuantityRequestDTO{Delta: 2})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeCart(t, rec).Items[0].Quantity)

	rec = s.do(t, http.MethodPatch, "/api/v1/cart/items/7", "sess-1", "", UpdateQuantityRequestDTO{Delta: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/cart/items/7", "sess-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCart(t, rec).Items)

	rec = s.do(t, http.MethodDelete, "/api/v1/cart/items/7", "sess-1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearCart_ReportsPartialFailure(t *testing.T) {
	s := newTestServer(t, fakeCanceller{err: errors.New("postgres down")})
	bearer := token(t, "user-1")
	add := AddItemRequestDTO{ID: "7", Name: "Suco", UnitPrice: decimal.RequireFromString("5.00")}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/cart/items", "sess-1", bearer, add).Code)

	rec := s.do(t, http.MethodDelete, "/api/v1/cart/", "sess-1", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ClearResponseDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Cart.Items)
	assert.Equal(t, []string{"pending orders could not be cancelled"}, resp.Warnings)
	assert.False(t, s.mr.Exists("cart:sess-1"))
}

func TestInvalidBearerRejected(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/cart/", "sess-1", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).SignedString([]byte("other"))
	require.NoError(t, err)
	rec = s.do(t, http.MethodGet, "/api/v1/cart/", "sess-1", other, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckout(t *testing.T) {
	s := newTestServer(t, nil)
	add := AddItemRequestDTO{ID: "7", Name: "Suco", UnitPrice: decimal.RequireFromString("5.00")}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/cart/items", "sess-1", "", add).Code)

	rec := s.do(t, http.MethodPost, "/api/v1/checkout", "sess-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bearer := token(t, "user-1")
	rec = s.do(t, http.MethodPost, "/api/v1/checkout", "sess-1", bearer, CheckoutRequestDTO{PaymentMethod: domain.PaymentMethodPix})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res service.CheckoutResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, domain.OrderStatusPending, res.Status)
	assert.Equal(t, "5.00", res.Total.StringFixed(2))
}

func TestCheckout_EmptyCartAndRemoteDown(t *testing.T) {
	s := newTestServer(t, nil)
	bearer := token(t, "user-1")

	rec := s.do(t, http.MethodPost, "/api/v1/checkout", "sess-1", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.orders.err = service.ErrRemoteUnavailable
	rec = s.do(t, http.MethodPost, "/api/v1/checkout", "sess-1", bearer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOrderPayloadAndQRCode(t *testing.T) {
	s := newTestServer(t, nil)
	order := s.orders.add("user-1", domain.OrderStatusPending)
	bearer := token(t, "user-1")

	rec := s.do(t, http.MethodGet, "/api/v1/orders/"+order.ID.String()+"/payload", "sess-1", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "000201"))
	assert.Contains(t, rec.Body.String(), "540565.00")

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+order.ID.String()+"/qrcode", "sess-1", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+order.ID.String()+"/payload", "sess-2", token(t, "user-2"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/not-a-uuid/payload", "sess-1", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmAndListOrders(t *testing.T) {
	s := newTestServer(t, nil)
	order := s.orders.add("user-1", domain.OrderStatusPending)
	bearer := token(t, "user-1")

	rec := s.do(t, http.MethodPost, "/api/v1/orders/"+order.ID.String()+"/confirm", "sess-1", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/", "sess-1", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []domain.Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&orders))
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusPaid, orders[0].Status)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/", "sess-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOrderEvents_SendsPaid(t *testing.T) {
	s := newTestServer(t, nil)
	order := s.orders.add("user-1", domain.OrderStatusPending)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set(SessionHeader, "sess-1")
	header.Set("Authorization", "Bearer "+token(t, "user-1"))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/orders/" + order.ID.String() + "/events"

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.orders.subscribers(order.ID) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.orders.ConfirmPaymentManually(context.Background(), order.ID))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg OrderStatusDTO
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, order.ID.String(), msg.OrderID)
	assert.Equal(t, domain.OrderStatusPaid, msg.Status)
}
