package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Origin marks events that came out of the database triggers.
const Origin = "postgres"

const fetchTimeout = 5 * time.Second

// RowFetcher reads back the row a notification points at. *Store
// implements it.
type RowFetcher interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetSettings(ctx context.Context) (*models.Settings, error)
}

// Listener turns NOTIFY payloads from the change triggers into change events.
type Listener struct {
	listener  *pq.Listener
	rows      RowFetcher
	publisher store.Publisher
	logger    *logrus.Logger
}

type notification struct {
	Table   models.Table      `json:"table"`
	Type    models.ChangeType `json:"type"`
	ID      string            `json:"id"`
	Version int64             `json:"version"`
}

func NewListener(dsn string, rows RowFetcher, publisher store.Publisher, logger *logrus.Logger) (*Listener, error) {
	l := &Listener{rows: rows, publisher: publisher, logger: logger}

	l.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logger.WithError(err).Warn("Change listener connection lost")
		case pq.ListenerEventReconnected:
			logger.Info("Change listener reconnected, requesting resync")
			publisher.Publish(models.ResyncEvent(Origin))
		}
	})
	if err := l.listener.Listen(NotifyChannel); err != nil {
		l.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	return l, nil
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	l.logger.WithField("channel", NotifyChannel).Info("Listening for database changes")
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.listener.Notify:
			if n == nil {
				// Sent after a reconnect; the callback already asked for a resync.
				continue
			}
			l.handle(ctx, n.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.WithError(err).Warn("Change listener ping failed")
				}
			}()
		}
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

// handle publishes the change a payload describes. A row that cannot be
// read back turns into a resync so subscribers reload instead of missing it.
func (l *Listener) handle(ctx context.Context, payload string) {
	n, err := parseNotification(payload)
	if err != nil {
		l.logger.WithError(err).WithField("payload_size", len(payload)).Warn("Dropping malformed change notification")
		return
	}

	event, err := l.event(ctx, n)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Deleted since; its DELETE notification follows.
		l.logger.WithFields(logrus.Fields{
			"table":     n.Table,
			"record_id": n.ID,
		}).Debug("Changed row already gone")
	case err != nil:
		l.logger.WithError(err).WithFields(logrus.Fields{
			"table":     n.Table,
			"record_id": n.ID,
		}).Warn("Failed to read changed row, requesting resync")
		l.publisher.Publish(models.ResyncEvent(Origin))
	default:
		l.publisher.Publish(event)
	}
}

// event builds the change event for n, reading the current row unless the
// row was deleted. The row may be newer than n.Version; subscribers keep
// the highest version they see.
func (l *Listener) event(ctx context.Context, n notification) (models.ChangeEvent, error) {
	if n.Type == models.ChangeDelete {
		return models.NewChangeEvent(n.Table, n.Type, n.ID, nil, Origin)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var (
		record interface{}
		err    error
	)
	switch n.Table {
	case models.TableProducts:
		var p *models.Product
		if p, err = l.rows.GetProduct(fetchCtx, n.ID); err == nil {
			record = p
		}
	case models.TableOrders:
		var o *models.Order
		if o, err = l.rows.GetOrder(fetchCtx, n.ID); err == nil {
			record = o
		}
	case models.TableSettings:
		var s *models.Settings
		if s, err = l.rows.GetSettings(fetchCtx); err == nil {
			record = s
		}
	}
	if err != nil {
		return models.ChangeEvent{}, err
	}
	return models.NewChangeEvent(n.Table, n.Type, n.ID, record, Origin)
}

func parseNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("invalid notification payload: %w", err)
	}

	switch n.Type {
	case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
	default:
		return notification{}, fmt.Errorf("unknown change type %q", n.Type)
	}

	switch n.Table {
	case models.TableSettings:
		n.ID = models.SettingsID
	case models.TableProducts, models.TableOrders:
		if n.ID == "" {
			return notification{}, fmt.Errorf("%s notification without record id", n.Table)
		}
	default:
		return notification{}, fmt.Errorf("unknown table %q", n.Table)
	}
	return n, nil
}
