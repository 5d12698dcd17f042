// Package changefeed fans store change events out to in-process subscribers.
package changefeed

import (
	"context"
	"sync"

	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultBuffer = 256

// Filter selects events by table and type. Empty lists match everything.
// RESYNC markers are delivered to every subscriber regardless of filter.
type Filter struct {
	Tables []models.Table
	Types  []models.ChangeType
}

func (f Filter) Match(event models.ChangeEvent) bool {
	if event.Type == models.ChangeResync {
		return true
	}
	if len(f.Tables) > 0 {
		found := false
		for _, t := range f.Tables {
			if t == event.Table {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if t == event.Type {
				return true
			}
		}
		return false
	}
	return true
}

// Broker serializes publication so every subscriber observes the same order.
// A subscriber whose buffer is full is dropped and its channel closed; it is
// expected to resubscribe and reload.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *logrus.Logger
}

type Subscription struct {
	id     uint64
	filter Filter
	ch     chan models.ChangeEvent
	broker *Broker
}

func NewBroker(buffer int, logger *logrus.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a subscription. On a closed broker the returned
// subscription's channel is already closed.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		filter: filter,
		ch:     make(chan models.ChangeEvent, b.buffer),
		broker: b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Broker) Publish(event models.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.WithFields(logrus.Fields{
				"subscription_id": id,
				"table":           event.Table,
				"record_id":       event.RecordID,
			}).Warn("Change subscriber too slow, dropping subscription")
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// Stream subscribes to every table until ctx is done.
func (b *Broker) Stream(ctx context.Context) (<-chan models.ChangeEvent, error) {
	sub := b.Subscribe(Filter{})
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub.Events(), nil
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Events is closed when the subscription ends for any reason.
func (s *Subscription) Events() <-chan models.ChangeEvent {
	return s.ch
}

func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}
