package pkgkafka

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
)

// EnsureTopics creates the given topics when missing and waits until every
// partition of each has a leader.
func EnsureTopics(ctx context.Context, cfg *KafkaConfig, topics ...string) error {
	adminClient, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Host,
	})
	if err != nil {
		return err
	}
	defer adminClient.Close()

	specs := make([]kafka.TopicSpecification, 0, len(topics))
	for _, topic := range topics {
		specs = append(specs, kafka.TopicSpecification{
			Topic:             topic,
			NumPartitions:     cfg.NumPartitions,
			ReplicationFactor: cfg.ReplicationFactor,
		})
	}

	createCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	results, err := adminClient.CreateTopics(createCtx, specs)
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() == kafka.ErrTopicAlreadyExists {
			logrus.WithField("TOPIC", result.Topic).Debug("Topic already exists")
			continue
		}
		if result.Error.Code() != kafka.ErrNoError {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
		logrus.WithField("TOPIC", result.Topic).Info("Topic created")
	}

	for _, topic := range topics {
		if err := waitForTopicReady(ctx, adminClient, topic); err != nil {
			return err
		}
	}
	return nil
}

func waitForTopicReady(ctx context.Context, adminClient *kafka.AdminClient, topicName string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		metadata, err := adminClient.GetMetadata(&topicName, false, 5000)
		if err != nil {
			logrus.Errorf("Metadata fetch failed %v\n", err)
		} else if topicReady(metadata, topicName) {
			logrus.WithField("TOPIC", topicName).Info("Topic ready")
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("topic %s not ready: %w", topicName, ctx.Err())
		case <-ticker.C:
		}
	}
}

func topicReady(metadata *kafka.Metadata, topicName string) bool {
	topicMeta, exists := metadata.Topics[topicName]
	if !exists || len(topicMeta.Partitions) == 0 {
		return false
	}
	for _, partition := range topicMeta.Partitions {
		if partition.Error.Code() != kafka.ErrNoError {
			return false
		}
		if partition.Leader == -1 {
			return false
		}
	}
	return true
}
