package events

import (
	"context"
	"time"

	"github.com/jogardn/storefront/internal/changefeed"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const resubscribeDelay = 100 * time.Millisecond

// ChangePublisher sends a change event to other instances.
type ChangePublisher interface {
	PublishChange(event models.ChangeEvent) error
}

// Bridge joins the local change broker with the shared topic. Events that
// originate on this instance are forwarded out; events from other origins
// are published into the local broker. RESYNC markers stay local.
type Bridge struct {
	broker    *changefeed.Broker
	publisher ChangePublisher
	origin    string
	logger    *logrus.Logger
}

func NewBridge(broker *changefeed.Broker, publisher ChangePublisher, origin string, logger *logrus.Logger) *Bridge {
	return &Bridge{
		broker:    broker,
		publisher: publisher,
		origin:    origin,
		logger:    logger,
	}
}

// Forward relays local events until ctx is done. A dropped subscription is
// replaced immediately.
func (b *Bridge) Forward(ctx context.Context) {
	filter := changefeed.Filter{Types: []models.ChangeType{models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete}}
	for {
		sub := b.broker.Subscribe(filter)
		b.drain(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("Kafka forwarder lost its subscription, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (b *Bridge) drain(ctx context.Context, sub *changefeed.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Type == models.ChangeResync || event.Origin != b.origin {
				continue
			}
			if err := b.publisher.PublishChange(event); err != nil {
				// Peers converge on their next reload.
				b.logger.WithError(err).WithField("record_id", event.RecordID).Warn("Change event not forwarded")
			}
		}
	}
}

// HandleChange publishes a remote event locally. Our own events echo back
// from the topic and are ignored.
func (b *Bridge) HandleChange(event models.ChangeEvent) error {
	if event.Origin == b.origin || event.Type == models.ChangeResync {
		return nil
	}
	b.broker.Publish(event)
	return nil
}
