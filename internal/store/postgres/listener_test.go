package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	products map[string]*models.Product
	orders   map[string]*models.Order
	settings *models.Settings
	err      error
}

func (f *fakeRows) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.products[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeRows) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	if o, ok := f.orders[id]; ok {
		return o, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeRows) GetSettings(ctx context.Context) (*models.Settings, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.settings, nil
}

type published struct {
	events []models.ChangeEvent
}

func (p *published) Publish(event models.ChangeEvent) {
	p.events = append(p.events, event)
}

func newTestListener(rows *fakeRows) (*Listener, *published) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	pub := &published{}
	return &Listener{rows: rows, publisher: pub, logger: logger}, pub
}

func TestParseNotification(t *testing.T) {
	n, err := parseNotification(`{"table":"products","type":"UPDATE","id":"p1","version":3}`)
	require.NoError(t, err)
	assert.Equal(t, models.TableProducts, n.Table)
	assert.Equal(t, models.ChangeUpdate, n.Type)
	assert.Equal(t, "p1", n.ID)
	assert.Equal(t, int64(3), n.Version)
}

func TestParseNotificationSettingsUsesSingletonID(t *testing.T) {
	n, err := parseNotification(`{"table":"settings","type":"INSERT","id":"","version":1}`)
	require.NoError(t, err)
	assert.Equal(t, models.SettingsID, n.ID)
}

func TestParseNotificationRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `nope`},
		{"unknown table", `{"table":"users","type":"INSERT","id":"1","version":1}`},
		{"unknown type", `{"table":"orders","type":"TRUNCATE","id":"1","version":1}`},
		{"missing id", `{"table":"orders","type":"INSERT","version":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseNotification(tt.payload)
			assert.Error(t, err)
		})
	}
}

func TestListenerReadsBackLargeRows(t *testing.T) {
	long := strings.Repeat("wool ", 4000)
	l, pub := newTestListener(&fakeRows{products: map[string]*models.Product{
		"p1": {ID: "p1", Name: "Coat", Description: long, Stock: 2, Version: 3},
	}})

	l.handle(context.Background(), `{"table":"products","type":"UPDATE","id":"p1","version":3}`)

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, models.TableProducts, event.Table)
	assert.Equal(t, models.ChangeUpdate, event.Type)
	assert.Equal(t, "p1", event.RecordID)
	assert.Equal(t, Origin, event.Origin)

	p, err := event.DecodeProduct()
	require.NoError(t, err)
	assert.Equal(t, long, p.Description)
	assert.Equal(t, 2, p.Stock)
	assert.Equal(t, int64(3), p.Version)
}

func TestListenerDeleteCarriesNoRecord(t *testing.T) {
	l, pub := newTestListener(&fakeRows{err: errors.New("must not be called")})

	l.handle(context.Background(), `{"table":"orders","type":"DELETE","id":"o1","version":2}`)

	require.Len(t, pub.events, 1)
	assert.Equal(t, models.ChangeDelete, pub.events[0].Type)
	assert.Equal(t, "o1", pub.events[0].RecordID)
	assert.Nil(t, pub.events[0].Record)
}

func TestListenerSettingsChange(t *testing.T) {
	l, pub := newTestListener(&fakeRows{settings: &models.Settings{BusinessName: "Shop", Version: 2}})

	l.handle(context.Background(), `{"table":"settings","type":"UPDATE","id":"singleton","version":2}`)

	require.Len(t, pub.events, 1)
	assert.Equal(t, models.SettingsID, pub.events[0].RecordID)
	settings, err := pub.events[0].DecodeSettings()
	require.NoError(t, err)
	assert.Equal(t, "Shop", settings.BusinessName)
}

func TestListenerSkipsRowDeletedSince(t *testing.T) {
	l, pub := newTestListener(&fakeRows{})

	l.handle(context.Background(), `{"table":"orders","type":"INSERT","id":"gone","version":1}`)
	assert.Empty(t, pub.events)
}

func TestListenerReadFailureRequestsResync(t *testing.T) {
	l, pub := newTestListener(&fakeRows{err: errors.New("connection reset")})

	l.handle(context.Background(), `{"table":"products","type":"UPDATE","id":"p1","version":4}`)

	require.Len(t, pub.events, 1)
	assert.Equal(t, models.ChangeResync, pub.events[0].Type)
	assert.Equal(t, Origin, pub.events[0].Origin)
}

func TestListenerDropsMalformedPayload(t *testing.T) {
	l, pub := newTestListener(&fakeRows{})

	l.handle(context.Background(), `{"table":"products","type":"UPDATE"}`)
	assert.Empty(t, pub.events)
}
