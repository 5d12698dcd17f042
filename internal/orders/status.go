package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/internal/synchronizer"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// Mirror is the optimistic local view the status machine writes through.
type Mirror interface {
	Order(id string) (models.Order, error)
	ApplyOptimistic(m synchronizer.Mutation) (synchronizer.Token, error)
	Confirm(token synchronizer.Token, result synchronizer.Mutation) error
	Rollback(token synchronizer.Token) error
	Refresh(ctx context.Context, table models.Table, id string) error
}

// StatusMachine changes order status. Any status may follow any other.
type StatusMachine struct {
	orders store.OrderStore
	guard  *store.Guard
	mirror Mirror
	logger *logrus.Logger
}

func NewStatusMachine(orders store.OrderStore, guard *store.Guard, mirror Mirror, logger *logrus.Logger) *StatusMachine {
	return &StatusMachine{
		orders: orders,
		guard:  guard,
		mirror: mirror,
		logger: logger,
	}
}

func (m *StatusMachine) SetStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	if orderID == "" {
		return nil, apperr.Validation("order_id", "is required")
	}
	if !status.Valid() {
		return nil, apperr.Validation("status", fmt.Sprintf("unknown status %q", status))
	}

	var token synchronizer.Token
	if current, err := m.mirror.Order(orderID); err == nil {
		from := current.Status
		current.Status = status
		token = m.optimistic(synchronizer.OrderMutation(models.ChangeUpdate, current))
		m.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"from":     from,
			"to":       status,
		}).Debug("Status change applied optimistically")
	}

	var updated *models.Order
	err := m.guard.Do(ctx, "update order status", func(ctx context.Context) error {
		var err error
		updated, err = m.orders.UpdateOrderStatus(ctx, orderID, status)
		return err
	})
	if err != nil {
		m.revert(ctx, token, orderID, err)
		return nil, err
	}

	if err := m.mirror.Confirm(token, synchronizer.OrderMutation(models.ChangeUpdate, *updated)); err != nil {
		m.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to confirm status change locally")
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   updated.Status,
	}).Info("Order status updated")
	return updated, nil
}

// Delete removes an order. A delete that affects no rows was blocked or
// raced with another delete and is reported as not found.
func (m *StatusMachine) Delete(ctx context.Context, orderID string) error {
	if orderID == "" {
		return apperr.Validation("order_id", "is required")
	}

	token := m.optimistic(synchronizer.DeleteMutation(models.TableOrders, orderID))

	var affected int64
	err := m.guard.Do(ctx, "delete order", func(ctx context.Context) error {
		var err error
		affected, err = m.orders.DeleteOrder(ctx, orderID)
		return err
	})
	if err == nil && affected == 0 {
		err = fmt.Errorf("delete order %s: no rows affected: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		m.revert(ctx, token, orderID, err)
		return err
	}

	if err := m.mirror.Confirm(token, synchronizer.DeleteMutation(models.TableOrders, orderID)); err != nil {
		m.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to confirm delete locally")
	}
	m.logger.WithField("order_id", orderID).Info("Order deleted")
	return nil
}

func (m *StatusMachine) optimistic(mutation synchronizer.Mutation) synchronizer.Token {
	token, err := m.mirror.ApplyOptimistic(mutation)
	if err != nil {
		m.logger.WithError(err).WithField("order_id", mutation.ID).Debug("Skipping optimistic update")
		return 0
	}
	return token
}

// revert drops the optimistic overlay and re-reads the order so the local
// view matches the store again.
func (m *StatusMachine) revert(ctx context.Context, token synchronizer.Token, orderID string, cause error) {
	if err := m.mirror.Rollback(token); err != nil {
		m.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to roll back optimistic update")
	}

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.guard.Timeout())
	defer cancel()
	if err := m.mirror.Refresh(refreshCtx, models.TableOrders, orderID); err != nil && !errors.Is(err, synchronizer.ErrLoading) {
		m.logger.WithError(err).WithField("order_id", orderID).Warn("Corrective refresh failed")
	}

	m.logger.WithError(cause).WithField("order_id", orderID).Warn("Order change failed, local view reverted")
}
