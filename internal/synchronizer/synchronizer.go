// Package synchronizer keeps an in-process copy of products, orders and
// settings consistent with the store. Pushed change events and local
// optimistic writes are serialized through one reconciliation goroutine.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/customers"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrLoading     = errors.New("synchronizer is loading")
	ErrFetchFailed = errors.New("initial fetch failed")
	ErrDisposed    = errors.New("synchronizer is disposed")
)

// Loader reads authoritative state. store.Store and client.StorefrontClient both
// satisfy it.
type Loader interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	GetSettings(ctx context.Context) (*models.Settings, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
}

// Feed delivers change events until ctx is done. A closed channel while ctx
// is still live means the feed was lost.
type Feed interface {
	Stream(ctx context.Context) (<-chan models.ChangeEvent, error)
}

type Options struct {
	// LoadTimeout bounds each snapshot or refresh read.
	LoadTimeout time.Duration
	// MaxBackoff caps the delay between resubscribe and reload attempts.
	MaxBackoff time.Duration
}

type Synchronizer struct {
	loader  Loader
	feed    Feed
	options Options
	logger  *logrus.Logger

	ops chan func(*state)

	mu           sync.Mutex
	initializing bool
	running      bool
	disposed     bool
	cancel       context.CancelFunc
	done         chan struct{}
}

func New(loader Loader, feed Feed, options Options, logger *logrus.Logger) *Synchronizer {
	if options.LoadTimeout <= 0 {
		options.LoadTimeout = 10 * time.Second
	}
	if options.MaxBackoff <= 0 {
		options.MaxBackoff = 30 * time.Second
	}
	return &Synchronizer{
		loader:  loader,
		feed:    feed,
		options: options,
		logger:  logger,
		ops:     make(chan func(*state)),
	}
}

// Init subscribes to the feed, then loads the initial snapshot. Events that
// arrive during the load are applied after it. Init may be retried after a
// failure.
func (s *Synchronizer) Init(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	switch {
	case s.disposed:
		s.mu.Unlock()
		return Snapshot{}, ErrDisposed
	case s.running || s.initializing:
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("synchronizer already initialized")
	}
	s.initializing = true
	s.mu.Unlock()

	snap, runCtx, cancel, events, err := s.start(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializing = false
	if err != nil {
		return Snapshot{}, err
	}
	if s.disposed {
		cancel()
		return Snapshot{}, ErrDisposed
	}

	st := newState(runCtx, s.logger)
	st.events = events
	st.load(snap, 0)

	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, st)

	s.logger.WithFields(logrus.Fields{
		"products": len(snap.Products),
		"orders":   len(snap.Orders),
	}).Info("Synchronizer initialized")

	return snap, nil
}

func (s *Synchronizer) start(ctx context.Context) (Snapshot, context.Context, context.CancelFunc, <-chan models.ChangeEvent, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	events, err := s.feed.Stream(runCtx)
	if err != nil {
		cancel()
		return Snapshot{}, nil, nil, nil, fmt.Errorf("%w: subscribe: %v", ErrFetchFailed, err)
	}

	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		cancel()
		return Snapshot{}, nil, nil, nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return snap, runCtx, cancel, events, nil
}

// Dispose stops the reconciliation goroutine and the feed subscription.
func (s *Synchronizer) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	running, done := s.running, s.done
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if running {
		<-done
	}
	s.logger.Info("Synchronizer disposed")
}

// Loading reports whether the initial snapshot has not been loaded yet.
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && !s.disposed
}

func (s *Synchronizer) loadSnapshot(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.LoadTimeout)
	defer cancel()

	products, err := s.loader.ListProducts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load products: %w", err)
	}
	orders, err := s.loader.ListOrders(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load orders: %w", err)
	}
	settings, err := s.loader.GetSettings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	return Snapshot{Products: products, Orders: orders, Settings: *settings}, nil
}

func (s *Synchronizer) run(ctx context.Context, st *state) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op(st)
		case event, ok := <-st.events:
			if !ok {
				st.events = nil
				s.logger.Warn("Change feed lost, resubscribing")
				go s.resubscribe(ctx)
				continue
			}
			s.applyEvent(st, event)
		}
	}
}

func (s *Synchronizer) applyEvent(st *state, event models.ChangeEvent) {
	if event.Type == models.ChangeResync {
		s.logger.WithField("origin", event.Origin).Info("Resync requested")
		s.requestReload(st)
		return
	}
	st.applyEvent(event)
}

// requestReload starts a background reload, or queues one behind the reload
// already running. Runs on the loop.
func (s *Synchronizer) requestReload(st *state) {
	if st.reloading {
		st.reloadAgain = true
		return
	}
	st.reloading = true
	go s.reload(st.ctx, st.seq)
}

func (s *Synchronizer) resubscribe(ctx context.Context) {
	backoff := 100 * time.Millisecond
	for {
		events, err := s.feed.Stream(ctx)
		if err == nil {
			s.send(ctx, func(st *state) {
				st.events = events
				s.requestReload(st)
			})
			return
		}
		s.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("Failed to resubscribe to change feed")
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = s.nextBackoff(backoff)
	}
}

// reload merges a fresh snapshot into the base state. Rows written after
// startSeq are kept even when the snapshot no longer has them.
func (s *Synchronizer) reload(ctx context.Context, startSeq uint64) {
	backoff := 100 * time.Millisecond
	for {
		snap, err := s.loadSnapshot(ctx)
		if err == nil {
			s.send(ctx, func(st *state) {
				st.load(snap, startSeq)
				st.reloading = false
				if st.reloadAgain {
					st.reloadAgain = false
					s.requestReload(st)
				}
			})
			s.logger.WithFields(logrus.Fields{
				"products": len(snap.Products),
				"orders":   len(snap.Orders),
			}).Info("Synchronizer reloaded")
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("Failed to reload state")
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = s.nextBackoff(backoff)
	}
}

func (s *Synchronizer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Synchronizer) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > s.options.MaxBackoff {
		d = s.options.MaxBackoff
	}
	return d
}

// send queues op from an internal goroutine.
func (s *Synchronizer) send(ctx context.Context, op func(*state)) {
	select {
	case s.ops <- op:
	case <-ctx.Done():
	}
}

// do runs fn on the reconciliation goroutine and waits for it.
func (s *Synchronizer) do(fn func(*state)) error {
	s.mu.Lock()
	running, disposed, done := s.running, s.disposed, s.done
	s.mu.Unlock()

	if disposed {
		return ErrDisposed
	}
	if !running {
		return ErrLoading
	}

	finished := make(chan struct{})
	select {
	case s.ops <- func(st *state) {
		fn(st)
		close(finished)
	}:
	case <-done:
		return ErrDisposed
	}

	select {
	case <-finished:
		return nil
	case <-done:
		return ErrDisposed
	}
}

// ApplyRemoteEvent reconciles one pushed change: upsert or delete by id,
// keeping the highest version per entity. Malformed and stale events are
// dropped.
func (s *Synchronizer) ApplyRemoteEvent(event models.ChangeEvent) error {
	return s.do(func(st *state) {
		s.applyEvent(st, event)
	})
}

// ApplyOptimistic overlays m on the confirmed state until Confirm or
// Rollback is called with the returned token.
func (s *Synchronizer) ApplyOptimistic(m Mutation) (Token, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	var token Token
	err := s.do(func(st *state) {
		token = st.addOverlay(m)
	})
	return token, err
}

// Confirm drops the overlay for token and records result, the store's
// after-image, in the confirmed state. A zero token only records result.
func (s *Synchronizer) Confirm(token Token, result Mutation) error {
	if err := result.Validate(); err != nil {
		return err
	}
	return s.do(func(st *state) {
		st.dropOverlay(token)
		st.applyConfirmed(result)
	})
}

// Rollback discards the overlay for token.
func (s *Synchronizer) Rollback(token Token) error {
	return s.do(func(st *state) {
		if !st.dropOverlay(token) && token != 0 {
			s.logger.WithField("token", token).Debug("Rollback of unknown token")
		}
	})
}

// Refresh re-reads one entity from the loader and folds it in. An entity the
// loader no longer has is removed.
func (s *Synchronizer) Refresh(ctx context.Context, table models.Table, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.LoadTimeout)
	defer cancel()

	var (
		m   Mutation
		err error
	)
	switch table {
	case models.TableProducts:
		var p *models.Product
		if p, err = s.loader.GetProduct(ctx, id); err == nil {
			m = ProductMutation(models.ChangeUpdate, *p)
		}
	case models.TableOrders:
		var o *models.Order
		if o, err = s.loader.GetOrder(ctx, id); err == nil {
			m = OrderMutation(models.ChangeUpdate, *o)
		}
	case models.TableSettings:
		var settings *models.Settings
		if settings, err = s.loader.GetSettings(ctx); err == nil {
			m = SettingsMutation(*settings)
		}
	default:
		return fmt.Errorf("%w: unknown table %q", ErrInvalidMutation, table)
	}

	if isNotFound(err) {
		m = DeleteMutation(table, id)
	} else if err != nil {
		return fmt.Errorf("refresh %s %s: %w", table, id, err)
	}

	return s.do(func(st *state) {
		st.applyConfirmed(m)
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, apperr.ErrNotFound)
}

func (s *Synchronizer) Products() ([]models.Product, error) {
	var products []models.Product
	err := s.do(func(st *state) {
		products = sortedProducts(st.productView())
	})
	return products, err
}

func (s *Synchronizer) Product(id string) (models.Product, error) {
	var (
		p  models.Product
		ok bool
	)
	err := s.do(func(st *state) {
		p, ok = st.productView()[id]
		p = p.Clone()
	})
	if err != nil {
		return models.Product{}, err
	}
	if !ok {
		return models.Product{}, fmt.Errorf("product %s: %w", id, apperr.ErrNotFound)
	}
	return p, nil
}

// Orders returns orders newest first, limited to the given statuses when any
// are passed.
func (s *Synchronizer) Orders(statuses ...models.OrderStatus) ([]models.Order, error) {
	var keep func(models.Order) bool
	if len(statuses) > 0 {
		keep = func(o models.Order) bool {
			for _, status := range statuses {
				if o.Status == status {
					return true
				}
			}
			return false
		}
	}

	var orders []models.Order
	err := s.do(func(st *state) {
		orders = sortedOrders(st.orderView(), keep)
	})
	return orders, err
}

func (s *Synchronizer) Order(id string) (models.Order, error) {
	var (
		o  models.Order
		ok bool
	)
	err := s.do(func(st *state) {
		o, ok = st.orderView()[id]
	})
	if err != nil {
		return models.Order{}, err
	}
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return o, nil
}

// OrdersByPhone matches on the digits of the phone number only.
func (s *Synchronizer) OrdersByPhone(phone string) ([]models.Order, error) {
	want := digits(phone)
	if want == "" {
		return nil, apperr.Validation("phone", "must contain digits")
	}

	var orders []models.Order
	err := s.do(func(st *state) {
		orders = sortedOrders(st.orderView(), func(o models.Order) bool {
			return digits(o.CustomerPhone) == want
		})
	})
	return orders, err
}

func (s *Synchronizer) Settings() (models.Settings, error) {
	var settings models.Settings
	err := s.do(func(st *state) {
		settings = st.settingsView()
	})
	return settings, err
}

func (s *Synchronizer) Customers() ([]models.Customer, error) {
	orders, err := s.Orders()
	if err != nil {
		return nil, err
	}
	return customers.Derive(orders), nil
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
