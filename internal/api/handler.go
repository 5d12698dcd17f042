// Package api exposes the storefront over HTTP. Reads are served from the
// synchronizer's local view; writes go through the workflow, status
// machine and catalog services.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/catalog"
	"github.com/jogardn/storefront/internal/circuitbreaker"
	"github.com/jogardn/storefront/internal/contact"
	"github.com/jogardn/storefront/internal/orders"
	"github.com/jogardn/storefront/internal/prefs"
	"github.com/jogardn/storefront/internal/synchronizer"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// View is the synchronized local state the handlers read from.
type View interface {
	Loading() bool
	Products() ([]models.Product, error)
	Product(id string) (models.Product, error)
	Orders(statuses ...models.OrderStatus) ([]models.Order, error)
	Order(id string) (models.Order, error)
	OrdersByPhone(phone string) ([]models.Order, error)
	Settings() (models.Settings, error)
	Customers() ([]models.Customer, error)
	Confirm(token synchronizer.Token, result synchronizer.Mutation) error
}

type Handler struct {
	workflow *orders.Workflow
	status   *orders.StatusMachine
	catalog  *catalog.Service
	view     View
	prefs    prefs.Store
	breakers *circuitbreaker.Manager
	logger   *logrus.Logger
}

type Deps struct {
	Workflow *orders.Workflow
	Status   *orders.StatusMachine
	Catalog  *catalog.Service
	View     View
	Prefs    prefs.Store
	Breakers *circuitbreaker.Manager
}

func NewHandler(deps Deps, logger *logrus.Logger) *Handler {
	return &Handler{
		workflow: deps.Workflow,
		status:   deps.Status,
		catalog:  deps.Catalog,
		view:     deps.View,
		prefs:    deps.Prefs,
		breakers: deps.Breakers,
		logger:   logger,
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status":  "healthy",
		"service": "storefront",
	}
	if h.breakers != nil {
		payload["circuit_breakers"] = h.breakers.GetAllMetrics()
		if open := h.breakers.OpenBackends(); len(open) > 0 {
			payload["status"] = "degraded"
			payload["open_breakers"] = open
		}
	}
	if h.view.Loading() {
		payload["status"] = "loading"
		h.respondWithJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	h.respondWithJSON(w, http.StatusOK, payload)
}

// Products

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.view.Products()
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}

	q := r.URL.Query()
	category := models.Category(strings.ToUpper(q.Get("category")))
	featured := q.Get("featured") == "true"
	bestSeller := q.Get("best_seller") == "true"

	filtered := make([]models.Product, 0, len(products))
	for _, p := range products {
		if category != "" && p.Category != category {
			continue
		}
		if featured && !p.IsFeatured {
			continue
		}
		if bestSeller && !p.IsBestSeller {
			continue
		}
		filtered = append(filtered, p)
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"products": filtered,
		"count":    len(filtered),
	})
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.view.Product(mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithProduct(w, http.StatusOK, &product)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req models.ProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.catalog.CreateProduct(r.Context(), req)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithProduct(w, http.StatusCreated, created)
}

func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req models.ProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	updated, err := h.catalog.UpdateProduct(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithProduct(w, http.StatusOK, updated)
}

func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteProduct(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Product deleted",
	})
}

func (h *Handler) ToggleFeatured(w http.ResponseWriter, r *http.Request) {
	updated, err := h.catalog.ToggleFeatured(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithProduct(w, http.StatusOK, updated)
}

func (h *Handler) ToggleBestSeller(w http.ResponseWriter, r *http.Request) {
	updated, err := h.catalog.ToggleBestSeller(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithProduct(w, http.StatusOK, updated)
}

// Inquiry builds the purchase-request message for a product and the chat
// link that opens it with the shop's admin phone.
func (h *Handler) Inquiry(w http.ResponseWriter, r *http.Request) {
	var in contact.Inquiry
	if !h.decode(w, r, &in) {
		return
	}
	product, err := h.view.Product(mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	settings, err := h.view.Settings()
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}

	in.Product = product
	message := contact.InquiryMessage(settings.BusinessName, in)
	link, err := contact.WhatsAppLink(settings.AdminPhone, message)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": message,
		"link":    link,
	})
}

// Settings

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.view.Settings()
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": settings,
	})
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var in models.Settings
	if !h.decode(w, r, &in) {
		return
	}
	saved, err := h.catalog.UpdateSettings(r.Context(), in)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": saved,
	})
}

// Orders

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.PlaceOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.workflow.PlaceOrder(r.Context(), req)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}

	// The change feed delivers the same record; confirming here makes it
	// visible to this instance's reads right away.
	if err := h.view.Confirm(0, synchronizer.OrderMutation(models.ChangeInsert, *order)); err != nil {
		h.logger.WithError(err).WithField("order_id", order.ID).Debug("Order not recorded locally")
	}

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order placed",
		Order:   order,
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var statuses []models.OrderStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !status.Valid() {
				h.respondWithAppError(w, r, apperr.Validation("status", "unknown status "+strconv.Quote(string(status))))
				return
			}
			statuses = append(statuses, status)
		}
	}

	list, err := h.view.Orders(statuses...)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithOrders(w, list)
}

func (h *Handler) LookupOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.view.OrdersByPhone(r.URL.Query().Get("phone"))
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithOrders(w, list)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.view.Order(mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Order: &order})
}

func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req models.StatusUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	updated, err := h.status.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order status updated",
		Order:   updated,
	})
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.status.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order deleted",
	})
}

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	list, err := h.view.Customers()
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"customers": list,
		"count":     len(list),
	})
}

// LastPhone returns the phone number used for the most recent order placed
// from this instance, for pre-filling the checkout form.
func (h *Handler) LastPhone(w http.ResponseWriter, r *http.Request) {
	phone, err := h.prefs.LastPhone()
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read last phone")
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"phone":   phone,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		h.logger.WithError(err).WithField("path", r.URL.Path).Warn("Failed to decode request body")
		h.respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return false
	}
	return true
}

func (h *Handler) respondWithProduct(w http.ResponseWriter, code int, product *models.Product) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": true,
		"product": product,
	})
}

func (h *Handler) respondWithOrders(w http.ResponseWriter, list []models.Order) {
	if list == nil {
		list = []models.Order{}
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  list,
		"count":   len(list),
	})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// respondWithAppError maps err through the apperr taxonomy. A view that is
// still loading its first snapshot answers 503.
func (h *Handler) respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, synchronizer.ErrLoading) || errors.Is(err, synchronizer.ErrFetchFailed) {
		h.respondWithError(w, http.StatusServiceUnavailable, "LOADING", err.Error())
		return
	}

	code, status := apperr.Code(err)
	fields := logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   code,
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(fields).Error("Request failed")
	} else {
		h.logger.WithError(err).WithFields(fields).Debug("Request rejected")
	}
	h.respondWithError(w, status, code, err.Error())
}
