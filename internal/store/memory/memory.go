// Package memory is an in-process store backend. It publishes change events
// inside its critical section, so subscribers observe writes in the order
// they were applied.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type Store struct {
	mu        sync.Mutex
	products  map[string]models.Product
	orders    map[string]models.Order
	settings  *models.Settings
	publisher store.Publisher
	origin    string
	logger    *logrus.Logger
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store. publisher may be nil.
func New(publisher store.Publisher, origin string, logger *logrus.Logger) *Store {
	return &Store{
		products:  make(map[string]models.Product),
		orders:    make(map[string]models.Order),
		publisher: publisher,
		origin:    origin,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Seed inserts products keeping their ids when set.
func (s *Store) Seed(products ...models.Product) []models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	seeded := make([]models.Product, 0, len(products))
	for _, p := range products {
		p = p.Clone()
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.now()
		}
		p.UpdatedAt = p.CreatedAt
		p.Version = 1
		s.products[p.ID] = p
		s.emit(models.TableProducts, models.ChangeInsert, p.ID, p)
		seeded = append(seeded, p.Clone())
	}
	return seeded
}

func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p.Clone())
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].CreatedAt.After(products[j].CreatedAt)
	})
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	p = p.Clone()
	return &p, nil
}

func (s *Store) InsertProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := p.Clone()
	created.ID = uuid.New().String()
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	created.Version = 1
	s.products[created.ID] = created
	s.emit(models.TableProducts, models.ChangeInsert, created.ID, created)

	created = created.Clone()
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[p.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Version != p.Version {
		return nil, store.ErrConflict
	}

	updated := p.Clone()
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now()
	updated.Version = current.Version + 1
	s.products[updated.ID] = updated
	s.emit(models.TableProducts, models.ChangeUpdate, updated.ID, updated)

	updated = updated.Clone()
	return &updated, nil
}

func (s *Store) SetProductFlag(ctx context.Context, id string, flag store.ProductFlag, value bool) (*models.Product, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("unknown product flag %q", flag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if flag == store.FlagFeatured {
		p.IsFeatured = value
	} else {
		p.IsBestSeller = value
	}
	p.UpdatedAt = s.now()
	p.Version++
	s.products[id] = p
	s.emit(models.TableProducts, models.ChangeUpdate, id, p)

	p = p.Clone()
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return 0, nil
	}
	delete(s.products, id)
	s.emit(models.TableProducts, models.ChangeDelete, id, nil)
	return 1, nil
}

func (s *Store) DecrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	return s.adjustStock(ctx, id, -quantity)
}

func (s *Store) IncrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	return s.adjustStock(ctx, id, quantity)
}

func (s *Store) adjustStock(ctx context.Context, id string, delta int) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Stock+delta < 0 {
		return nil, store.ErrInsufficientStock
	}

	p.Stock += delta
	p.UpdatedAt = s.now()
	p.Version++
	s.products[id] = p
	s.emit(models.TableProducts, models.ChangeUpdate, id, p)

	p = p.Clone()
	return &p, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (s *Store) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := *o
	created.ID = uuid.New().String()
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	created.Version = 1
	s.orders[created.ID] = created
	s.emit(models.TableOrders, models.ChangeInsert, created.ID, created)
	return &created, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = s.now()
	o.Version++
	s.orders[id] = o
	s.emit(models.TableOrders, models.ChangeUpdate, id, o)
	return &o, nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return 0, nil
	}
	delete(s.orders, id)
	s.emit(models.TableOrders, models.ChangeDelete, id, nil)
	return 1, nil
}

func (s *Store) GetSettings(ctx context.Context) (*models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings == nil {
		defaults := models.DefaultSettings()
		return &defaults, nil
	}
	settings := *s.settings
	return &settings, nil
}

func (s *Store) ReplaceSettings(ctx context.Context, settings *models.Settings) (*models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *settings
	saved.UpdatedAt = s.now()
	saved.Version = 1
	if s.settings != nil {
		saved.Version = s.settings.Version + 1
	}
	s.settings = &saved
	s.emit(models.TableSettings, models.ChangeUpdate, models.SettingsID, saved)

	result := saved
	return &result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) emit(table models.Table, changeType models.ChangeType, id string, record interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := models.NewChangeEvent(table, changeType, id, record, s.origin)
	if err != nil {
		s.logger.WithError(err).WithField("record_id", id).Error("Failed to build change event")
		return
	}
	s.publisher.Publish(event)
}

func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("memory.Store(products=%d, orders=%d)", len(s.products), len(s.orders))
}
