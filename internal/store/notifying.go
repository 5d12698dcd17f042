package store

import (
	"context"

	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// Notifying wraps a backend that has no native change stream and publishes
// a change event after every successful mutation. Events for concurrent
// writes to the same record may be published out of order; subscribers
// resolve that with the record Version.
type Notifying struct {
	Store
	publisher Publisher
	origin    string
	logger    *logrus.Logger
}

func NewNotifying(inner Store, publisher Publisher, origin string, logger *logrus.Logger) *Notifying {
	return &Notifying{
		Store:     inner,
		publisher: publisher,
		origin:    origin,
		logger:    logger,
	}
}

func (n *Notifying) InsertProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	created, err := n.Store.InsertProduct(ctx, p)
	if err == nil {
		n.emit(models.TableProducts, models.ChangeInsert, created.ID, created)
	}
	return created, err
}

func (n *Notifying) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	updated, err := n.Store.UpdateProduct(ctx, p)
	if err == nil {
		n.emit(models.TableProducts, models.ChangeUpdate, updated.ID, updated)
	}
	return updated, err
}

func (n *Notifying) SetProductFlag(ctx context.Context, id string, flag ProductFlag, value bool) (*models.Product, error) {
	updated, err := n.Store.SetProductFlag(ctx, id, flag, value)
	if err == nil {
		n.emit(models.TableProducts, models.ChangeUpdate, updated.ID, updated)
	}
	return updated, err
}

func (n *Notifying) DeleteProduct(ctx context.Context, id string) (int64, error) {
	affected, err := n.Store.DeleteProduct(ctx, id)
	if err == nil && affected > 0 {
		n.emit(models.TableProducts, models.ChangeDelete, id, nil)
	}
	return affected, err
}

func (n *Notifying) DecrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	updated, err := n.Store.DecrementStock(ctx, id, quantity)
	if err == nil {
		n.emit(models.TableProducts, models.ChangeUpdate, updated.ID, updated)
	}
	return updated, err
}

func (n *Notifying) IncrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	updated, err := n.Store.IncrementStock(ctx, id, quantity)
	if err == nil {
		n.emit(models.TableProducts, models.ChangeUpdate, updated.ID, updated)
	}
	return updated, err
}

func (n *Notifying) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	created, err := n.Store.InsertOrder(ctx, o)
	if err == nil {
		n.emit(models.TableOrders, models.ChangeInsert, created.ID, created)
	}
	return created, err
}

func (n *Notifying) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (*models.Order, error) {
	updated, err := n.Store.UpdateOrderStatus(ctx, id, status)
	if err == nil {
		n.emit(models.TableOrders, models.ChangeUpdate, updated.ID, updated)
	}
	return updated, err
}

func (n *Notifying) DeleteOrder(ctx context.Context, id string) (int64, error) {
	affected, err := n.Store.DeleteOrder(ctx, id)
	if err == nil && affected > 0 {
		n.emit(models.TableOrders, models.ChangeDelete, id, nil)
	}
	return affected, err
}

func (n *Notifying) ReplaceSettings(ctx context.Context, s *models.Settings) (*models.Settings, error) {
	saved, err := n.Store.ReplaceSettings(ctx, s)
	if err == nil {
		n.emit(models.TableSettings, models.ChangeUpdate, models.SettingsID, saved)
	}
	return saved, err
}

func (n *Notifying) emit(table models.Table, changeType models.ChangeType, id string, record interface{}) {
	event, err := models.NewChangeEvent(table, changeType, id, record, n.origin)
	if err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"table":     table,
			"record_id": id,
		}).Error("Failed to build change event")
		return
	}
	n.publisher.Publish(event)
}
