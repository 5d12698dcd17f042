package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// ChangeHandler receives change events decoded from the topic.
type ChangeHandler interface {
	HandleChange(event models.ChangeEvent) error
}

type ChangeHandlerFunc func(event models.ChangeEvent) error

func (f ChangeHandlerFunc) HandleChange(event models.ChangeEvent) error {
	return f(event)
}

type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       ChangeHandler
	logger        *logrus.Logger
	topics        []string
}

type consumerGroupHandler struct {
	handler ChangeHandler
	logger  *logrus.Logger
}

// NewKafkaConsumer joins groupID. Every instance uses its own group so that
// each one sees the whole topic.
func NewKafkaConsumer(brokers []string, topic, groupID string, handler ChangeHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	config := newConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// A fresh instance loads a snapshot on start; only later changes matter.
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		topic = DefaultTopic
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		handler:       handler,
		logger:        logger,
		topics:        []string{topic},
	}, nil
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		handler: c.handler,
		logger:  c.logger,
	}

	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.consumerGroup.Close()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			// A message that cannot be decoded will never decode; mark it
			// either way so the partition keeps moving.
			if err := h.handleMessage(message); err != nil {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("Failed to handle change message")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handleMessage(message *sarama.ConsumerMessage) error {
	var event models.ChangeEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return err
	}
	h.logger.WithFields(logrus.Fields{
		"table":     event.Table,
		"type":      event.Type,
		"record_id": event.RecordID,
		"origin":    event.Origin,
	}).Debug("Received change event from Kafka")
	return h.handler.HandleChange(event)
}
