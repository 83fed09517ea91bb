package eventlog

import (
	"context"
	"fmt"

	"github.com/Shopify/sarama"

	"github.com/abstack/abx"
	"github.com/abstack/abx/encoding"
)

// KafkaConfig carries the broker addresses and topic of the event stream.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// DefaultKafkaConfig points at a local broker.
var DefaultKafkaConfig = KafkaConfig{
	Brokers: []string{"127.0.0.1:9093"},
	Topic:   "abx-experiment-events",
}

// KafkaSink posts JSON-encoded domain events to a Kafka topic. Messages are
// keyed by event name so consumers can partition create and change streams.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to the configured brokers.
// Pass a nil saramaConfig to use the defaults below.
func NewKafkaSink(config KafkaConfig, saramaConfig *sarama.Config) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("can't initialize Kafka sink with no broker")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("can't initialize Kafka sink with no topic")
	}
	if saramaConfig == nil {
		saramaConfig = sarama.NewConfig()
		saramaConfig.Version = sarama.V2_6_0_0
		saramaConfig.Producer.Partitioner = sarama.NewRandomPartitioner
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
		saramaConfig.Producer.Return.Successes = true
	}
	p, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{producer: p, topic: config.Topic}, nil
}

// Post implements Sink.
func (s *KafkaSink) Post(ctx context.Context, event abx.DomainEvent) error {
	ba, err := encoding.DefaultMarshaler.Marshal(event)
	if err != nil {
		return fmt.Errorf("error marshaling event %s: %v", event.EventName(), err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(event.EventName()),
		Partition: -1,
		Value:     sarama.ByteEncoder(ba),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("error sending event %s: %v", event.EventName(), err)
	}
	return nil
}

// Close shuts the underlying producer down.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
