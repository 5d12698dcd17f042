// Package orders places orders against reserved stock and moves orders
// through their status lifecycle.
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/inventory"
	"github.com/jogardn/storefront/internal/prefs"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const defaultReleaseTimeout = 10 * time.Second

type Workflow struct {
	ledger   *inventory.Ledger
	products store.ProductStore
	orders   store.OrderStore
	guard    *store.Guard
	prefs    prefs.Store
	logger   *logrus.Logger

	// ReleaseTimeout bounds the compensating release, which runs detached
	// from the caller's context.
	ReleaseTimeout time.Duration
}

func NewWorkflow(ledger *inventory.Ledger, products store.ProductStore, orders store.OrderStore, guard *store.Guard, cache prefs.Store, logger *logrus.Logger) *Workflow {
	return &Workflow{
		ledger:         ledger,
		products:       products,
		orders:         orders,
		guard:          guard,
		prefs:          cache,
		logger:         logger,
		ReleaseTimeout: defaultReleaseTimeout,
	}
}

// PlaceOrder reserves stock and records the order. After it returns either
// both happened or neither did; if undoing the reservation fails the error
// is apperr.ErrInconsistentState. There are no retries.
func (w *Workflow) PlaceOrder(ctx context.Context, req models.PlaceOrderRequest) (*models.Order, error) {
	req = normalize(req)
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var product *models.Product
	err := w.guard.Do(ctx, "get product", func(ctx context.Context) error {
		var err error
		product, err = w.products.GetProduct(ctx, req.ProductID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if req, err = validateOptions(req, product); err != nil {
		return nil, err
	}

	reservation, err := w.ledger.Reserve(ctx, req.ProductID, req.Quantity)
	if err != nil {
		return nil, err
	}

	order, err := w.record(ctx, req, reservation)
	if err != nil {
		return nil, err
	}

	w.rememberPhone(req.CustomerPhone)

	w.logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"product_id": order.ProductID,
		"quantity":   order.Quantity,
		"total":      order.Total(),
	}).Info("Order placed")

	return order, nil
}

// record inserts the order for a held reservation and commits it. Any
// failure or panic before the commit releases the reservation.
func (w *Workflow) record(ctx context.Context, req models.PlaceOrderRequest, reservation *inventory.Reservation) (order *models.Order, err error) {
	committed := false
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithFields(logrus.Fields{
				"product_id": req.ProductID,
				"panic":      r,
			}).Error("Order insert panicked")
			if committed {
				return
			}
			order, err = nil, apperr.Persistence("insert order", fmt.Errorf("panic: %v", r))
		}
		if err != nil && !committed {
			err = w.compensate(ctx, reservation, err)
		}
	}()

	order, err = w.insert(ctx, req, reservation)
	if err != nil {
		return nil, err
	}
	w.ledger.Commit(req.ProductID, req.Quantity)
	committed = true
	return order, nil
}

// rememberPhone is best effort; the order is already stored.
func (w *Workflow) rememberPhone(phone string) {
	if w.prefs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Remembering customer phone panicked")
		}
	}()
	if err := w.prefs.RememberPhone(phone); err != nil {
		w.logger.WithError(err).Warn("Failed to remember customer phone")
	}
}

func (w *Workflow) insert(ctx context.Context, req models.PlaceOrderRequest, r *inventory.Reservation) (*models.Order, error) {
	draft := &models.Order{
		ProductID:     req.ProductID,
		ProductName:   r.Product.Name,
		Price:         r.Product.Price,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Address:       req.Address,
		Size:          req.Size,
		Color:         req.Color,
		Quantity:      r.Quantity,
		Status:        models.OrderStatusPending,
	}

	var created *models.Order
	err := w.guard.Do(ctx, "insert order", func(ctx context.Context) error {
		var err error
		created, err = w.orders.InsertOrder(ctx, draft)
		return err
	})
	return created, err
}

// compensate releases the reservation on a context the caller cannot cancel.
func (w *Workflow) compensate(ctx context.Context, r *inventory.Reservation, cause error) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.ReleaseTimeout)
	defer cancel()

	productID := r.Product.ID
	if _, err := w.ledger.Release(releaseCtx, productID, r.Quantity); err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"product_id": productID,
			"quantity":   r.Quantity,
			"cause":      cause.Error(),
		}).Error("Stock ledger drift: failed to release reservation after order failure")
		return apperr.Inconsistent(productID, r.Quantity, cause, err)
	}

	w.logger.WithError(cause).WithFields(logrus.Fields{
		"product_id": productID,
		"quantity":   r.Quantity,
	}).Warn("Order failed, reservation released")
	return cause
}

func normalize(req models.PlaceOrderRequest) models.PlaceOrderRequest {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.Address = strings.TrimSpace(req.Address)
	req.Size = strings.TrimSpace(req.Size)
	req.Color = strings.TrimSpace(req.Color)
	return req
}

func validateRequest(req models.PlaceOrderRequest) error {
	switch {
	case req.ProductID == "":
		return apperr.Validation("product_id", "is required")
	case req.CustomerName == "":
		return apperr.Validation("customer_name", "is required")
	case req.CustomerPhone == "":
		return apperr.Validation("customer_phone", "is required")
	case req.Address == "":
		return apperr.Validation("address", "is required")
	case req.Quantity < 1:
		return apperr.Validation("quantity", "must be at least 1")
	}
	return nil
}

// validateOptions requires a listed size and color when the product offers
// any, and clears them when it offers none.
func validateOptions(req models.PlaceOrderRequest, p *models.Product) (models.PlaceOrderRequest, error) {
	if len(p.Sizes) == 0 {
		req.Size = ""
	} else if !p.HasSize(req.Size) {
		return req, apperr.Validation("size", fmt.Sprintf("must be one of %s", strings.Join(p.Sizes, ", ")))
	}

	if len(p.Colors) == 0 {
		req.Color = ""
	} else if !p.HasColor(req.Color) {
		return req, apperr.Validation("color", fmt.Sprintf("must be one of %s", strings.Join(p.Colors, ", ")))
	}
	return req, nil
}
