package synchronizer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/changefeed"
	"github.com/jogardn/storefront/internal/store/memory"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu      sync.Mutex
	streams []chan models.ChangeEvent
	fail    int
}

func (f *fakeFeed) Stream(ctx context.Context) (<-chan models.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("feed unavailable")
	}
	ch := make(chan models.ChangeEvent, 16)
	f.streams = append(f.streams, ch)
	return ch, nil
}

func (f *fakeFeed) push(event models.ChangeEvent) {
	f.mu.Lock()
	ch := f.streams[len(f.streams)-1]
	f.mu.Unlock()
	ch <- event
}

func (f *fakeFeed) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.streams[len(f.streams)-1])
}

func (f *fakeFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// flakyLoader fails ListProducts while failing is set.
type flakyLoader struct {
	*memory.Store
	mu      sync.Mutex
	failing bool
}

func (l *flakyLoader) ListProducts(ctx context.Context) ([]models.Product, error) {
	l.mu.Lock()
	failing := l.failing
	l.mu.Unlock()
	if failing {
		return nil, errors.New("store unreachable")
	}
	return l.Store.ListProducts(ctx)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newSynced(t *testing.T, loader Loader, feed Feed) *Synchronizer {
	t.Helper()
	s := New(loader, feed, Options{LoadTimeout: time.Second, MaxBackoff: 50 * time.Millisecond}, testLogger())
	_, err := s.Init(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	return s
}

func changeEvent(t *testing.T, table models.Table, changeType models.ChangeType, id string, record interface{}) models.ChangeEvent {
	t.Helper()
	event, err := models.NewChangeEvent(table, changeType, id, record, "remote")
	require.NoError(t, err)
	return event
}

func TestInitLoadsSnapshot(t *testing.T) {
	st := memory.New(nil, "test", testLogger())
	st.Seed(models.Product{ID: "p1", Name: "Coat", Stock: 3})
	_, err := st.ReplaceSettings(context.Background(), &models.Settings{BusinessName: "Shop"})
	require.NoError(t, err)

	s := New(st, &fakeFeed{}, Options{}, testLogger())
	assert.True(t, s.Loading())
	_, err = s.Products()
	assert.ErrorIs(t, err, ErrLoading)

	snap, err := s.Init(context.Background())
	require.NoError(t, err)
	defer s.Dispose()

	assert.False(t, s.Loading())
	assert.Len(t, snap.Products, 1)
	settings, err := s.Settings()
	require.NoError(t, err)
	assert.Equal(t, "Shop", settings.BusinessName)
}

func TestInitFailureCanBeRetried(t *testing.T) {
	loader := &flakyLoader{Store: memory.New(nil, "test", testLogger()), failing: true}
	s := New(loader, &fakeFeed{}, Options{}, testLogger())
	defer s.Dispose()

	_, err := s.Init(context.Background())
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.True(t, s.Loading())

	loader.mu.Lock()
	loader.failing = false
	loader.mu.Unlock()
	_, err = s.Init(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Loading())
}

func TestInitSubscribeFailure(t *testing.T) {
	s := New(memory.New(nil, "test", testLogger()), &fakeFeed{fail: 1}, Options{}, testLogger())
	_, err := s.Init(context.Background())
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestApplyRemoteEventIsIdempotent(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})

	order := models.Order{ID: "o1", CustomerPhone: "0811", Quantity: 1, Status: models.OrderStatusPending, Version: 1}
	event := changeEvent(t, models.TableOrders, models.ChangeInsert, "o1", order)

	require.NoError(t, s.ApplyRemoteEvent(event))
	require.NoError(t, s.ApplyRemoteEvent(event))

	orders, err := s.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order, orders[0])
}

func TestStaleEventIsDropped(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})

	newer := models.Product{ID: "p1", Name: "Coat", Stock: 1, Version: 3}
	older := models.Product{ID: "p1", Name: "Coat", Stock: 5, Version: 2}

	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableProducts, models.ChangeUpdate, "p1", newer)))
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableProducts, models.ChangeUpdate, "p1", older)))

	p, err := s.Product("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)
}

func TestDeletedEntityIsNotResurrected(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})

	order := models.Order{ID: "o1", Quantity: 1, Version: 2}
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableOrders, models.ChangeInsert, "o1", order)))
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableOrders, models.ChangeDelete, "o1", nil)))

	order.Version = 3
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableOrders, models.ChangeUpdate, "o1", order)))

	_, err := s.Order("o1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})

	events := []models.ChangeEvent{
		{Table: models.TableProducts, Type: models.ChangeUpdate, RecordID: "p1", Record: json.RawMessage(`{"stock":"many"}`)},
		{Table: "customers", Type: models.ChangeInsert, RecordID: "c1", Record: json.RawMessage(`{}`)},
		{Table: models.TableOrders, Type: "UPSERT", RecordID: "o1", Record: json.RawMessage(`{"id":"o1"}`)},
		{Table: models.TableOrders, Type: models.ChangeInsert, RecordID: "", Record: json.RawMessage(`{}`)},
		{Table: models.TableOrders, Type: models.ChangeInsert, RecordID: "o2"},
		{Table: models.TableOrders, Type: models.ChangeInsert, RecordID: "o3", Record: json.RawMessage(`{"id":"other"}`)},
	}
	for _, event := range events {
		require.NoError(t, s.ApplyRemoteEvent(event))
	}

	products, err := s.Products()
	require.NoError(t, err)
	assert.Empty(t, products)
	orders, err := s.Orders()
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOptimisticOverlaySurvivesRemoteEvent(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})

	base := models.Order{ID: "o1", Status: models.OrderStatusPending, Quantity: 1, Version: 1}
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableOrders, models.ChangeInsert, "o1", base)))

	shipped := base
	shipped.Status = models.OrderStatusShipped
	token, err := s.ApplyOptimistic(OrderMutation(models.ChangeUpdate, shipped))
	require.NoError(t, err)
	assert.NotZero(t, token)

	// Someone else cancels it in the meantime.
	cancelled := base
	cancelled.Status = models.OrderStatusCancelled
	cancelled.Version = 2
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableOrders, models.ChangeUpdate, "o1", cancelled)))

	o, err := s.Order("o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, o.Status, "pending overlay wins while unconfirmed")

	require.NoError(t, s.Rollback(token))
	o, err = s.Order("o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, o.Status, "rollback exposes the pushed state")
}

func TestConfirmFoldsStoreResult(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})

	base := models.Order{ID: "o1", Status: models.OrderStatusPending, Quantity: 1, Version: 1}
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableOrders, models.ChangeInsert, "o1", base)))

	after := base
	after.Status = models.OrderStatusCompleted
	token, err := s.ApplyOptimistic(OrderMutation(models.ChangeUpdate, after))
	require.NoError(t, err)

	after.Version = 2
	require.NoError(t, s.Confirm(token, OrderMutation(models.ChangeUpdate, after)))

	// The echo of our own write is a no-op.
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableOrders, models.ChangeUpdate, "o1", after)))

	o, err := s.Order("o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, o.Status)
	assert.Equal(t, int64(2), o.Version)
}

func TestOptimisticDelete(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})

	p := models.Product{ID: "p1", Name: "Hat", Version: 1}
	require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableProducts, models.ChangeInsert, "p1", p)))

	token, err := s.ApplyOptimistic(DeleteMutation(models.TableProducts, "p1"))
	require.NoError(t, err)
	_, err = s.Product("p1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.Rollback(token))
	_, err = s.Product("p1")
	assert.NoError(t, err)
}

func TestApplyOptimisticRejectsInvalidMutation(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})

	_, err := s.ApplyOptimistic(Mutation{Table: models.TableOrders, Type: models.ChangeUpdate, ID: "o1"})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestRefresh(t *testing.T) {
	st := memory.New(nil, "test", testLogger())
	s := newSynced(t, st, &fakeFeed{})
	ctx := context.Background()

	o, err := st.InsertOrder(ctx, &models.Order{CustomerPhone: "0811", Quantity: 1, Status: models.OrderStatusPending})
	require.NoError(t, err)

	require.NoError(t, s.Refresh(ctx, models.TableOrders, o.ID))
	got, err := s.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = st.DeleteOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(ctx, models.TableOrders, o.ID))
	_, err = s.Order(o.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFeedLossTriggersResubscribeAndReload(t *testing.T) {
	st := memory.New(nil, "test", testLogger())
	feed := &fakeFeed{}
	s := newSynced(t, st, feed)

	// A write the synchronizer never hears about.
	st.Seed(models.Product{ID: "p1", Name: "Scarf", Stock: 2})
	feed.fail = 1
	feed.drop()

	assert.Eventually(t, func() bool {
		_, err := s.Product("p1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, feed.subscriptions(), "initial stream plus one resubscription")

	feed.push(changeEvent(t, models.TableProducts, models.ChangeDelete, "p1", nil))
	assert.Eventually(t, func() bool {
		_, err := s.Product("p1")
		return errors.Is(err, apperr.ErrNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestResyncEventReloads(t *testing.T) {
	st := memory.New(nil, "test", testLogger())
	feed := &fakeFeed{}
	s := newSynced(t, st, feed)

	st.Seed(models.Product{ID: "p1", Name: "Scarf", Stock: 2})
	feed.push(models.ResyncEvent("postgres"))

	assert.Eventually(t, func() bool {
		products, err := s.Products()
		return err == nil && len(products) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentInstancesConverge(t *testing.T) {
	logger := testLogger()
	broker := changefeed.NewBroker(1024, logger)
	st := memory.New(broker, "test", logger)
	seeded := st.Seed(
		models.Product{ID: "p1", Name: "Coat", Stock: 50},
		models.Product{ID: "p2", Name: "Boots", Stock: 50},
	)
	require.Len(t, seeded, 2)

	first := newSynced(t, st, broker)
	second := newSynced(t, st, broker)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "p1"
			if i%2 == 0 {
				id = "p2"
			}
			_, _ = st.DecrementStock(ctx, id, 1)
			_, _ = st.InsertOrder(ctx, &models.Order{ProductID: id, Quantity: 1, CustomerPhone: "0811", Status: models.OrderStatusPending})
		}(i)
	}
	wg.Wait()

	stored, err := st.ListProducts(ctx)
	require.NoError(t, err)
	want := make(map[string]models.Product, len(stored))
	for _, p := range stored {
		want[p.ID] = p
	}

	for _, s := range []*Synchronizer{first, second} {
		assert.Eventually(t, func() bool {
			products, err := s.Products()
			if err != nil || len(products) != len(want) {
				return false
			}
			for _, p := range products {
				if p.Stock != want[p.ID].Stock || p.Version != want[p.ID].Version {
					return false
				}
			}
			orders, err := s.Orders()
			return err == nil && len(orders) == 20
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestReadsAndFilters(t *testing.T) {
	s := newSynced(t, memory.New(nil, "test", testLogger()), &fakeFeed{})
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	orders := []models.Order{
		{ID: "o1", CustomerPhone: "0811-111", Status: models.OrderStatusPending, Price: 2000000, Quantity: 1, CreatedAt: now, Version: 1},
		{ID: "o2", CustomerPhone: "0811111", Status: models.OrderStatusShipped, Price: 1000, Quantity: 1, CreatedAt: now.Add(time.Hour), Version: 1},
		{ID: "o3", CustomerPhone: "0822", Status: models.OrderStatusCancelled, Price: 1000, Quantity: 1, CreatedAt: now.Add(2 * time.Hour), Version: 1},
	}
	for _, o := range orders {
		require.NoError(t, s.ApplyRemoteEvent(changeEvent(t, models.TableOrders, models.ChangeInsert, o.ID, o)))
	}

	all, err := s.Orders()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "o3", all[0].ID, "newest first")

	pending, err := s.Orders(models.OrderStatusPending, models.OrderStatusShipped)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	byPhone, err := s.OrdersByPhone("0811 111")
	require.NoError(t, err)
	assert.Len(t, byPhone, 2)

	_, err = s.OrdersByPhone("call me")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	customers, err := s.Customers()
	require.NoError(t, err)
	require.Len(t, customers, 3)
	assert.Equal(t, "0822", customers[0].Phone)
}

func TestDispose(t *testing.T) {
	s := New(memory.New(nil, "test", testLogger()), &fakeFeed{}, Options{}, testLogger())
	_, err := s.Init(context.Background())
	require.NoError(t, err)

	s.Dispose()
	s.Dispose()

	_, err = s.Products()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = s.Init(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
	assert.False(t, s.Loading())
}
