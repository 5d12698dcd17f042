package events

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultTopic = "storefront.changes"

func newConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	return config
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers []string, topic string, logger *logrus.Logger) (*KafkaProducer, error) {
	config := newConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	// Changes to one record must stay ordered, so route by key.
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaProducerFrom(producer, topic, logger), nil
}

// NewKafkaProducerFrom wraps an existing sarama producer.
func NewKafkaProducerFrom(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaProducer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaProducer{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

func messageKey(event models.ChangeEvent) string {
	return fmt.Sprintf("%s:%s", event.Table, event.RecordID)
}

func (p *KafkaProducer) PublishChange(event models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(messageKey(event)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("origin"), Value: []byte(event.Origin)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"table":     event.Table,
			"record_id": event.RecordID,
		}).Error("Failed to send change event to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     p.topic,
		"partition": partition,
		"offset":    offset,
		"table":     event.Table,
		"type":      event.Type,
		"record_id": event.RecordID,
	}).Debug("Change event published to Kafka")
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
