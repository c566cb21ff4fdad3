package output

import (
	"context"
	"strings"

	"github.com/IBM/sarama"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func init() {
	Register("kafka", func(_ context.Context, params map[string]string) (Output, error) {
		brokers := params["brokers"]
		topic := params["topic"]
		if brokers == "" || topic == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "kafka output requires 'brokers' and 'topic' parameters")
		}

		cfg := sarama.NewConfig()
		cfg.Producer.RequiredAcks = sarama.WaitForAll
		cfg.Producer.Retry.Max = 3
		cfg.Producer.Return.Successes = true
		// Keyed partitioning plus single in-flight preserves per-stream
		// ordering end to end.
		cfg.Producer.Partitioner = sarama.NewHashPartitioner
		cfg.Net.MaxOpenRequests = 1
		cfg.Producer.Idempotent = true

		producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), cfg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to kafka")
		}

		return NewKafkaOutput(producer, topic), nil
	})
}

// KafkaOutput publishes one message per entry. Messages are keyed by
// stream identity so all entries for a stream land on one partition in
// flush order.
type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaOutput creates a Kafka sink over an existing producer.
func NewKafkaOutput(producer sarama.SyncProducer, topic string) *KafkaOutput {
	return &KafkaOutput{producer: producer, topic: topic}
}

// Flush implements Output.
func (o *KafkaOutput) Flush(_ context.Context, identity models.Identity, entries []models.LogEntry) error {
	messages := make([]*sarama.ProducerMessage, 0, len(entries))
	for _, entry := range entries {
		data, err := encodeNDJSON(identity, []models.LogEntry{entry})
		if err != nil {
			return err
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: o.topic,
			Key:   sarama.StringEncoder(identity.String()),
			Value: sarama.ByteEncoder(data),
		})
	}

	if err := o.producer.SendMessages(messages); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "kafka publish failed")
	}
	return nil
}

// Close implements Output.
func (o *KafkaOutput) Close(_ context.Context) error {
	if err := o.producer.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "kafka producer close failed")
	}
	return nil
}
