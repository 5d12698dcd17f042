package synchronizer

import (
	"context"
	"sort"

	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// Token identifies a pending optimistic mutation. The zero Token is never
// issued.
type Token uint64

// Mutation is the after-image of one write. Exactly one of Product, Order
// or Settings is set for INSERT and UPDATE; DELETE needs only ID.
type Mutation struct {
	Table    models.Table
	Type     models.ChangeType
	ID       string
	Product  *models.Product
	Order    *models.Order
	Settings *models.Settings
}

type Snapshot struct {
	Products []models.Product
	Orders   []models.Order
	Settings models.Settings
}

type record[T any] struct {
	value   T
	version int64
	seq     uint64
}

// table holds confirmed rows. Deleted ids are remembered because store ids
// are never reused, so any later event for them is stale.
type table[T any] struct {
	rows       map[string]record[T]
	tombstones map[string]struct{}
}

func newTable[T any]() *table[T] {
	return &table[T]{
		rows:       make(map[string]record[T]),
		tombstones: make(map[string]struct{}),
	}
}

type outcome int

const (
	applied outcome = iota
	unchanged
	stale
)

// upsert keeps the highest version seen for id.
func (t *table[T]) upsert(id string, value T, version int64, seq uint64) outcome {
	if _, gone := t.tombstones[id]; gone {
		return stale
	}
	if current, ok := t.rows[id]; ok {
		if version < current.version {
			return stale
		}
		if version == current.version {
			return unchanged
		}
	}
	t.rows[id] = record[T]{value: value, version: version, seq: seq}
	return applied
}

func (t *table[T]) remove(id string) outcome {
	t.tombstones[id] = struct{}{}
	if _, ok := t.rows[id]; !ok {
		return unchanged
	}
	delete(t.rows, id)
	return applied
}

func (t *table[T]) get(id string) (T, bool) {
	r, ok := t.rows[id]
	return r.value, ok
}

// merge folds a freshly loaded snapshot in. Rows missing from the snapshot
// are deleted unless they were written after the load started.
func (t *table[T]) merge(values []T, idOf func(T) string, versionOf func(T) int64, startSeq, seq uint64) {
	present := make(map[string]struct{}, len(values))
	for _, v := range values {
		id := idOf(v)
		present[id] = struct{}{}
		t.upsert(id, v, versionOf(v), seq)
	}
	for id, r := range t.rows {
		if _, ok := present[id]; !ok && r.seq <= startSeq {
			t.remove(id)
		}
	}
}

type overlay struct {
	token    Token
	mutation Mutation
}

// state is owned by the reconciliation goroutine.
type state struct {
	products *table[models.Product]
	orders   *table[models.Order]
	settings record[models.Settings]

	overlays  []overlay
	nextToken Token
	seq       uint64

	ctx         context.Context
	events      <-chan models.ChangeEvent
	reloading   bool
	reloadAgain bool

	logger *logrus.Logger
}

func newState(ctx context.Context, logger *logrus.Logger) *state {
	return &state{
		ctx:      ctx,
		products: newTable[models.Product](),
		orders:   newTable[models.Order](),
		settings: record[models.Settings]{value: models.DefaultSettings()},
		logger:   logger,
	}
}

func productID(p models.Product) string     { return p.ID }
func productVersion(p models.Product) int64 { return p.Version }
func orderID(o models.Order) string         { return o.ID }
func orderVersion(o models.Order) int64     { return o.Version }

func (st *state) load(snap Snapshot, startSeq uint64) {
	st.seq++
	st.products.merge(snap.Products, productID, productVersion, startSeq, st.seq)
	st.orders.merge(snap.Orders, orderID, orderVersion, startSeq, st.seq)
	st.setSettings(snap.Settings)
}

func (st *state) setSettings(s models.Settings) outcome {
	if st.settings.seq != 0 {
		if s.Version < st.settings.version {
			return stale
		}
		if s.Version == st.settings.version {
			return unchanged
		}
	}
	st.settings = record[models.Settings]{value: s, version: s.Version, seq: st.seq}
	return applied
}

// applyEvent reconciles one pushed change. Malformed events are dropped.
func (st *state) applyEvent(event models.ChangeEvent) {
	m, err := mutationFromEvent(event)
	if err != nil {
		st.logger.WithError(err).WithFields(logrus.Fields{
			"event_id":  event.EventID,
			"table":     event.Table,
			"type":      event.Type,
			"record_id": event.RecordID,
		}).Warn("Dropping malformed change event")
		return
	}

	if st.applyConfirmed(m) == stale {
		st.logger.WithFields(logrus.Fields{
			"table":     event.Table,
			"record_id": event.RecordID,
		}).Debug("Dropping stale change event")
	}
}

// applyConfirmed writes a store-confirmed mutation to the base state.
func (st *state) applyConfirmed(m Mutation) outcome {
	st.seq++
	switch m.Table {
	case models.TableProducts:
		if m.Type == models.ChangeDelete {
			return st.products.remove(m.ID)
		}
		return st.products.upsert(m.ID, m.Product.Clone(), m.Product.Version, st.seq)
	case models.TableOrders:
		if m.Type == models.ChangeDelete {
			return st.orders.remove(m.ID)
		}
		return st.orders.upsert(m.ID, *m.Order, m.Order.Version, st.seq)
	case models.TableSettings:
		if m.Settings != nil {
			return st.setSettings(*m.Settings)
		}
	}
	return unchanged
}

func (st *state) addOverlay(m Mutation) Token {
	st.nextToken++
	st.overlays = append(st.overlays, overlay{token: st.nextToken, mutation: m})
	return st.nextToken
}

func (st *state) dropOverlay(token Token) bool {
	for i, o := range st.overlays {
		if o.token == token {
			st.overlays = append(st.overlays[:i], st.overlays[i+1:]...)
			return true
		}
	}
	return false
}

func (st *state) productView() map[string]models.Product {
	view := make(map[string]models.Product, len(st.products.rows))
	for id, r := range st.products.rows {
		view[id] = r.value
	}
	for _, o := range st.overlays {
		m := o.mutation
		if m.Table != models.TableProducts {
			continue
		}
		if m.Type == models.ChangeDelete {
			delete(view, m.ID)
		} else {
			view[m.ID] = *m.Product
		}
	}
	return view
}

func (st *state) orderView() map[string]models.Order {
	view := make(map[string]models.Order, len(st.orders.rows))
	for id, r := range st.orders.rows {
		view[id] = r.value
	}
	for _, o := range st.overlays {
		m := o.mutation
		if m.Table != models.TableOrders {
			continue
		}
		if m.Type == models.ChangeDelete {
			delete(view, m.ID)
		} else {
			view[m.ID] = *m.Order
		}
	}
	return view
}

func (st *state) settingsView() models.Settings {
	settings := st.settings.value
	for _, o := range st.overlays {
		if o.mutation.Table == models.TableSettings && o.mutation.Settings != nil {
			settings = *o.mutation.Settings
		}
	}
	return settings
}

func sortedProducts(view map[string]models.Product) []models.Product {
	products := make([]models.Product, 0, len(view))
	for _, p := range view {
		products = append(products, p.Clone())
	}
	sort.Slice(products, func(i, j int) bool {
		if !products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].CreatedAt.After(products[j].CreatedAt)
		}
		return products[i].ID < products[j].ID
	})
	return products
}

func sortedOrders(view map[string]models.Order, keep func(models.Order) bool) []models.Order {
	orders := make([]models.Order, 0, len(view))
	for _, o := range view {
		if keep == nil || keep(o) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	return orders
}
