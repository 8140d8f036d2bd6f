package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"blockci/internal/logfields"
)

// KafkaSource consumes JSON trigger events from a Kafka (or Redpanda)
// topic as part of a consumer group.
type KafkaSource struct {
	Brokers []string
	Topic   string
	Group   string
	Logger  *slog.Logger
}

func (s *KafkaSource) Run(ctx context.Context, h Handler) error {
	if len(s.Brokers) == 0 {
		return fmt.Errorf("at least one broker address is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.Brokers...),
		kgo.ConsumerGroup(s.Group),
		kgo.ConsumeTopics(s.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Close()
	logger.Info("Listening for events on Kafka", "topic", s.Topic, "group", s.Group)

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			logger.Warn("Kafka fetch error", "topic", fe.Topic, "partition", fe.Partition, logfields.Error(fe.Err))
		}
		fetches.EachRecord(func(record *kgo.Record) {
			deliver(ctx, logger, "kafka", record.Value, h)
		})
	}
}

// PublishKafka sends one encoded event to topic, keyed by key.
func PublishKafka(ctx context.Context, brokers []string, topic, key string, data []byte) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...), kgo.AllowAutoTopicCreation())
	if err != nil {
		return fmt.Errorf("failed to create Kafka client: %w", err)
	}
	defer client.Close()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: data}
	if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}
