// Package kafka connects the event bus to a Kafka cluster. Messages carrying
// a partition key land on a stable partition, so one run's lifecycle events
// stay ordered for every consumer.
package kafka

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/spooldev/spool/pkg/events"
)

// consumerGroupPrefix keeps spool consumer groups recognizable on a shared
// cluster; each service name gets its own group and thus its own offsets.
const consumerGroupPrefix = "spool."

func CreateChannel(logger watermill.LoggerAdapter, serviceName string) (*kafka.Publisher, *kafka.Subscriber, error) {
	brokers, err := brokerList()
	if err != nil {
		return nil, nil, err
	}

	marshaler := kafka.NewWithPartitioningMarshaler(partitionKey)

	subscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	subscriberConfig.ClientID = "spool-" + serviceName
	subscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			OverwriteSaramaConfig: subscriberConfig,
			ConsumerGroup:         consumerGroupPrefix + serviceName,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build kafka subscriber: %w", err)
	}

	publisherConfig := sarama.NewConfig()
	publisherConfig.ClientID = "spool-" + serviceName
	publisherConfig.Producer.RequiredAcks = sarama.WaitForAll
	publisherConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build kafka publisher: %w", err)
	}

	return publisher, subscriber, nil
}

// partitionKey routes keyed events by the key the publisher stamped on them;
// unkeyed messages spread across partitions by their uuid.
func partitionKey(_ string, msg *message.Message) (string, error) {
	key := msg.Metadata.Get(events.EventMetadataKey)
	if key != "" {
		return key, nil
	}

	return msg.UUID, nil
}

func brokerList() ([]string, error) {
	raw := os.Getenv("KAFKA_BROKERS")
	if raw == "" {
		return nil, errors.New("KAFKA_BROKERS environment variable is not set")
	}

	brokers := make([]string, 0, 3)

	for _, broker := range strings.Split(raw, ",") {
		broker = strings.TrimSpace(broker)
		if broker != "" {
			brokers = append(brokers, broker)
		}
	}

	if len(brokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS contains no broker addresses")
	}

	return brokers, nil
}
