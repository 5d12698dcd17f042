// Package inventory reserves and releases product stock. Every reservation
// is the store's single conditional decrement, so concurrent buyers can
// never drive stock below zero.
package inventory

import (
	"context"
	"sync"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// Reservation is a successful decrement. Product is the record as of the
// decrement and is what an order snapshots.
type Reservation struct {
	Product   models.Product
	Quantity  int
	Remaining int
}

type Ledger struct {
	products store.ProductStore
	guard    *store.Guard
	logger   *logrus.Logger

	mu sync.Mutex
	// in-flight reservations per product, reserved but not yet committed
	// to an order or released
	outstanding map[string]int
}

func NewLedger(products store.ProductStore, guard *store.Guard, logger *logrus.Logger) *Ledger {
	return &Ledger{
		products:    products,
		guard:       guard,
		logger:      logger,
		outstanding: make(map[string]int),
	}
}

// Reserve decrements stock by quantity iff stock >= quantity. On
// apperr.ErrInsufficientStock stock is unchanged.
func (l *Ledger) Reserve(ctx context.Context, productID string, quantity int) (*Reservation, error) {
	if productID == "" {
		return nil, apperr.Validation("product_id", "is required")
	}
	if quantity < 1 {
		return nil, apperr.Validation("quantity", "must be at least 1")
	}

	var product *models.Product
	err := l.guard.Do(ctx, "reserve stock", func(ctx context.Context) error {
		var err error
		product, err = l.products.DecrementStock(ctx, productID, quantity)
		return err
	})
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"product_id": productID,
			"quantity":   quantity,
		}).Info("Stock reservation rejected")
		return nil, err
	}

	l.mu.Lock()
	l.outstanding[productID] += quantity
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"product_id": productID,
		"quantity":   quantity,
		"remaining":  product.Stock,
	}).Info("Stock reserved")

	return &Reservation{
		Product:   product.Clone(),
		Quantity:  quantity,
		Remaining: product.Stock,
	}, nil
}

// Commit marks a reservation as settled by an order. It is no longer
// eligible for release.
func (l *Ledger) Commit(productID string, quantity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settle(productID, quantity)
}

// Release adds quantity back to stock and returns the new stock. Releasing
// more than is outstanding is logged as a ledger bug but still applied.
// The write bypasses the circuit breaker so a release is always attempted.
func (l *Ledger) Release(ctx context.Context, productID string, quantity int) (int, error) {
	if quantity < 1 {
		return 0, apperr.Validation("quantity", "must be at least 1")
	}

	l.mu.Lock()
	outstanding := l.outstanding[productID]
	l.mu.Unlock()
	if quantity > outstanding {
		l.logger.WithFields(logrus.Fields{
			"product_id":  productID,
			"quantity":    quantity,
			"outstanding": outstanding,
		}).Warn("Release exceeds outstanding reservations")
	}

	var product *models.Product
	err := l.guard.DoCompensating(ctx, "release stock", func(ctx context.Context) error {
		var err error
		product, err = l.products.IncrementStock(ctx, productID, quantity)
		return err
	})
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.settle(productID, quantity)
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"product_id": productID,
		"quantity":   quantity,
		"stock":      product.Stock,
	}).Info("Stock released")

	return product.Stock, nil
}

// Outstanding returns the units reserved for productID that are neither
// committed nor released.
func (l *Ledger) Outstanding(productID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding[productID]
}

// settle must be called with mu held.
func (l *Ledger) settle(productID string, quantity int) {
	remaining := l.outstanding[productID] - quantity
	if remaining <= 0 {
		delete(l.outstanding, productID)
		return
	}
	l.outstanding[productID] = remaining
}
