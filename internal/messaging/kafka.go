// Package messaging publishes pool events to Kafka and consumes them in the
// share archiver. Payloads are protobuf Structs.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gompsolo/pkg/circuit"
	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/log"
	"github.com/bardlex/gompsolo/pkg/retry"
)

// KafkaClient wraps kafka-go with protobuf payloads and per-topic writers
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a client. onStateChange may be nil.
func NewKafkaClient(brokers []string, logger *log.Logger, onStateChange func(name string, from, to circuit.State)) *KafkaClient {
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange:   onStateChange,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.MessagingConfig(),
	}
}

// GetProducer returns the writer for a topic, creating it on first use
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer returns the reader for a topic and group, creating it on first use
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	// the archiver must see every event, so a new group starts at the beginning
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishProto publishes a protobuf message keyed by key
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				publishErr := errors.Wrap(err, errors.ErrorTypeMessaging, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
				publishErr.Retryable = true
				return publishErr
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// ConsumeProto reads one message into msg and returns its key
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	kafkaMsg, err := circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				readErr := errors.Wrap(err, errors.ErrorTypeMessaging, "read_message",
					"failed to read message from Kafka")
				readErr.Retryable = ctx.Err() == nil
				return kafka.Message{}, readErr
			}
			return m, nil
		})
	})
	if err != nil {
		return "", err
	}

	// a payload that does not decode is not a broker fault
	if err := proto.Unmarshal(kafkaMsg.Value, msg); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeMalformed, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("topic", kafkaMsg.Topic).
			WithContext("message_size", len(kafkaMsg.Value))
	}

	key := string(kafkaMsg.Key)
	k.logger.Debug("consumed message", "topic", kafkaMsg.Topic, "key", key, "size", len(kafkaMsg.Value))
	return key, nil
}

// MessageHandler handles one consumed message
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, msg proto.Message) error
}

// StartConsumer consumes a topic until ctx is cancelled
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)

	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		msg := msgFactory()
		key, err := k.ConsumeProto(ctx, reader, msg)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			k.logger.WithError(err).Error("failed to consume message", "topic", topic)
			if !errors.IsType(err, errors.ErrorTypeMalformed) {
				// breaker open or broker down
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			continue
		}

		if err := handler.HandleMessage(ctx, key, msg); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "topic", topic, "key", key)
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
