package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jogardn/storefront/internal/catalog"
	"github.com/jogardn/storefront/internal/changefeed"
	"github.com/jogardn/storefront/internal/circuitbreaker"
	"github.com/jogardn/storefront/internal/inventory"
	"github.com/jogardn/storefront/internal/orders"
	"github.com/jogardn/storefront/internal/prefs"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/internal/store/memory"
	"github.com/jogardn/storefront/internal/synchronizer"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	store    *memory.Store
	view     *synchronizer.Synchronizer
	prefs    *prefs.MemoryStore
	router   http.Handler
	breakers *circuitbreaker.Manager
	product  models.Product
}

func newAPIFixture(t *testing.T, initialize bool) *apiFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	broker := changefeed.NewBroker(256, logger)
	t.Cleanup(broker.Close)
	st := memory.New(broker, "test", logger)
	seeded := st.Seed(models.Product{
		ID:       "p-coat",
		Name:     "Wool Coat",
		Brand:    "Magdee",
		Category: models.CategoryOuter,
		Price:    450000,
		Stock:    5,
		Sizes:    []string{"S", "M"},
		Colors:   []string{"Black"},
	})

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: 100,
		Timeout:     time.Minute,
		IsFailure:   store.IsBackendFailure,
	}, logger)
	guard := store.NewGuard(breakers.Breaker("store"), time.Second)

	view := synchronizer.New(st, broker, synchronizer.Options{LoadTimeout: time.Second}, logger)
	if initialize {
		_, err := view.Init(context.Background())
		require.NoError(t, err)
	}
	t.Cleanup(view.Dispose)

	cache := prefs.NewMemoryStore()
	ledger := inventory.NewLedger(st, guard, logger)
	handler := NewHandler(Deps{
		Workflow: orders.NewWorkflow(ledger, st, st, guard, cache, logger),
		Status:   orders.NewStatusMachine(st, guard, view, logger),
		Catalog:  catalog.NewService(st, st, guard, view, logger),
		View:     view,
		Prefs:    cache,
		Breakers: breakers,
	}, logger)

	return &apiFixture{
		store:   st,
		view:    view,
		prefs:   cache,
		router:   NewRouter(handler, nil, logger),
		breakers: breakers,
		product:  seeded[0],
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var payload map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func errorCode(payload map[string]interface{}) string {
	e, _ := payload["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func (f *apiFixture) placeOrder(t *testing.T, quantity int) (*httptest.ResponseRecorder, map[string]interface{}) {
	return f.do(t, http.MethodPost, "/orders", models.PlaceOrderRequest{
		ProductID:     f.product.ID,
		CustomerName:  "Rina",
		CustomerPhone: "010-1234-5678",
		Address:       "Seoul",
		Size:          "M",
		Color:         "Black",
		Quantity:      quantity,
	})
}

func TestHealthReportsLoadingUntilInit(t *testing.T) {
	f := newAPIFixture(t, false)

	rec, payload := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "loading", payload["status"])

	rec, payload = f.do(t, http.MethodGet, "/products", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "LOADING", errorCode(payload))

	_, err := f.view.Init(context.Background())
	require.NoError(t, err)

	rec, payload = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", payload["status"])
}

func TestHealthReportsOpenBreaker(t *testing.T) {
	f := newAPIFixture(t, true)
	breaker := f.breakers.Get("store")
	require.NotNil(t, breaker)
	for i := 0; i < 100; i++ {
		_ = breaker.Execute(func() error { return errors.New("store down") })
	}

	rec, payload := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", payload["status"])
	assert.Equal(t, []interface{}{"store"}, payload["open_breakers"])
}

func TestPlaceOrderThroughAPI(t *testing.T) {
	f := newAPIFixture(t, true)

	rec, payload := f.placeOrder(t, 2)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := payload["order"].(map[string]interface{})
	assert.Equal(t, "PENDING", order["status"])
	assert.Equal(t, "Wool Coat", order["product_name"])

	// Visible locally without waiting for the feed.
	rec, payload = f.do(t, http.MethodGet, "/orders/"+order["id"].(string), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		p, err := f.view.Product(f.product.ID)
		return err == nil && p.Stock == 3
	}, time.Second, 5*time.Millisecond)

	rec, payload = f.do(t, http.MethodGet, "/prefs/last-phone", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "010-1234-5678", payload["phone"])
}

func TestPlaceOrderErrorsMapToCodes(t *testing.T) {
	f := newAPIFixture(t, true)

	rec, payload := f.placeOrder(t, 6)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_STOCK", errorCode(payload))
	assert.Equal(t, false, payload["success"])

	rec, payload = f.placeOrder(t, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(payload))

	rec, payload = f.do(t, http.MethodPost, "/orders", models.PlaceOrderRequest{
		ProductID: "missing", CustomerName: "A", CustomerPhone: "1", Address: "B", Quantity: 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(payload))

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	f.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestOrderStatusAndDelete(t *testing.T) {
	f := newAPIFixture(t, true)
	_, payload := f.placeOrder(t, 1)
	id := payload["order"].(map[string]interface{})["id"].(string)

	rec, payload := f.do(t, http.MethodPatch, "/orders/"+id+"/status", models.StatusUpdateRequest{Status: models.OrderStatusShipped})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SHIPPED", payload["order"].(map[string]interface{})["status"])

	rec, payload = f.do(t, http.MethodPatch, "/orders/"+id+"/status", models.StatusUpdateRequest{Status: "LOST"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, payload = f.do(t, http.MethodGet, "/orders?status=shipped", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), payload["count"])

	rec, _ = f.do(t, http.MethodGet, "/orders?status=LOST", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/orders/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, payload = f.do(t, http.MethodDelete, "/orders/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(payload))
}

func TestLookupAndCustomers(t *testing.T) {
	f := newAPIFixture(t, true)
	f.placeOrder(t, 1)
	f.placeOrder(t, 3)

	rec, payload := f.do(t, http.MethodGet, "/orders/lookup?phone="+url.QueryEscape("01012345678"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), payload["count"])

	rec, _ = f.do(t, http.MethodGet, "/orders/lookup?phone=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, payload = f.do(t, http.MethodGet, "/customers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), payload["count"])
	customer := payload["customers"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(2), customer["order_count"])
	assert.Equal(t, float64(1800000), customer["total_spent"])
	assert.Equal(t, "VIP", customer["tier"])
}

func TestProductAdmin(t *testing.T) {
	f := newAPIFixture(t, true)

	rec, payload := f.do(t, http.MethodPost, "/products", models.ProductRequest{
		Name:     "Denim",
		Category: models.CategoryBottom,
		Price:    99000,
		Stock:    4,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := payload["product"].(map[string]interface{})["id"].(string)

	rec, payload = f.do(t, http.MethodPost, "/products/"+id+"/featured", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["product"].(map[string]interface{})["is_featured"])

	rec, payload = f.do(t, http.MethodGet, "/products?featured=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), payload["count"])

	rec, payload = f.do(t, http.MethodPut, "/products/"+id, models.ProductRequest{
		Name:     "Wide Denim",
		Category: models.CategoryBottom,
		Price:    109000,
		Stock:    4,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Wide Denim", payload["product"].(map[string]interface{})["name"])

	rec, payload = f.do(t, http.MethodPost, "/products", models.ProductRequest{Name: "", Category: "HAT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(payload))

	rec, _ = f.do(t, http.MethodDelete, "/products/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/products/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsAndInquiry(t *testing.T) {
	f := newAPIFixture(t, true)

	rec, payload := f.do(t, http.MethodPost, "/products/"+f.product.ID+"/inquiry", map[string]string{
		"customer_name": "Rina", "customer_phone": "010", "size": "M", "color": "Black",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no admin phone configured yet")

	rec, _ = f.do(t, http.MethodPut, "/settings", models.Settings{BusinessName: "Magdee Seoul", AdminPhone: "+82 10-9999-0000"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, payload = f.do(t, http.MethodGet, "/settings", nil)
	assert.Equal(t, "Magdee Seoul", payload["settings"].(map[string]interface{})["business_name"])

	rec, payload = f.do(t, http.MethodPost, "/products/"+f.product.ID+"/inquiry", map[string]string{
		"customer_name": "Rina", "customer_phone": "010", "size": "M", "color": "Black",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, payload["message"], "[Magdee Seoul Purchase Request]")
	assert.Contains(t, payload["link"], "https://wa.me/821099990000?text=")

	rec, _ = f.do(t, http.MethodPut, "/settings", models.Settings{BusinessName: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t, true)
	rec, _ := f.do(t, http.MethodOptions, "/orders", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
