package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/changefeed"
	"github.com/jogardn/storefront/internal/store/memory"
	"github.com/jogardn/storefront/internal/synchronizer"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusFixture struct {
	store   *faultyStore
	mirror  *synchronizer.Synchronizer
	machine *StatusMachine
	order   models.Order
}

func newStatusFixture(t *testing.T) *statusFixture {
	t.Helper()
	logger := testLogger()
	broker := changefeed.NewBroker(64, logger)
	fs := &faultyStore{Store: memory.New(broker, "test", logger)}

	order, err := fs.InsertOrder(context.Background(), &models.Order{
		ProductID:     "p1",
		ProductName:   "Wool Coat",
		Price:         450000,
		CustomerName:  "Rina",
		CustomerPhone: "0811",
		Address:       "Jl. Melati 5",
		Quantity:      1,
		Status:        models.OrderStatusPending,
	})
	require.NoError(t, err)

	mirror := synchronizer.New(fs, broker, synchronizer.Options{LoadTimeout: time.Second}, logger)
	_, err = mirror.Init(context.Background())
	require.NoError(t, err)
	t.Cleanup(mirror.Dispose)

	return &statusFixture{
		store:   fs,
		mirror:  mirror,
		machine: NewStatusMachine(fs, testGuard(logger), mirror, logger),
		order:   *order,
	}
}

func TestSetStatusAnyToAny(t *testing.T) {
	for _, from := range models.OrderStatuses {
		for _, to := range models.OrderStatuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				f := newStatusFixture(t)
				ctx := context.Background()

				_, err := f.machine.SetStatus(ctx, f.order.ID, from)
				require.NoError(t, err)

				updated, err := f.machine.SetStatus(ctx, f.order.ID, to)
				require.NoError(t, err)
				assert.Equal(t, to, updated.Status)

				local, err := f.mirror.Order(f.order.ID)
				require.NoError(t, err)
				assert.Equal(t, to, local.Status)
			})
		}
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	f := newStatusFixture(t)

	_, err := f.machine.SetStatus(context.Background(), f.order.ID, "LOST")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	stored, err := f.store.GetOrder(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
}

func TestSetStatusIsVisibleBeforeStoreConfirms(t *testing.T) {
	f := newStatusFixture(t)

	var during models.OrderStatus
	f.store.beforeUpdate = func() {
		o, err := f.mirror.Order(f.order.ID)
		if err == nil {
			during = o.Status
		}
	}

	_, err := f.machine.SetStatus(context.Background(), f.order.ID, models.OrderStatusShipped)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, during)
}

func TestSetStatusFailureRollsBack(t *testing.T) {
	f := newStatusFixture(t)
	f.store.updateErr = errors.New("write timeout")

	_, err := f.machine.SetStatus(context.Background(), f.order.ID, models.OrderStatusCompleted)
	assert.ErrorIs(t, err, apperr.ErrPersistence)

	local, err := f.mirror.Order(f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, local.Status)
}

func TestSetStatusMissingOrderRefreshesMirror(t *testing.T) {
	f := newStatusFixture(t)

	// Removed from the store behind the mirror's back.
	f.store.Store = memory.New(nil, "test", testLogger())

	_, err := f.machine.SetStatus(context.Background(), f.order.ID, models.OrderStatusShipped)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.mirror.Order(f.order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteOrder(t *testing.T) {
	f := newStatusFixture(t)

	require.NoError(t, f.machine.Delete(context.Background(), f.order.ID))

	_, err := f.mirror.Order(f.order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.store.GetOrder(context.Background(), f.order.ID)
	assert.Error(t, err)
}

func TestDeleteBlockedIsNotFound(t *testing.T) {
	f := newStatusFixture(t)
	f.store.deleteNoop = true

	err := f.machine.Delete(context.Background(), f.order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	local, err := f.mirror.Order(f.order.ID)
	require.NoError(t, err, "blocked delete is rolled back locally")
	assert.Equal(t, f.order.ID, local.ID)
}
