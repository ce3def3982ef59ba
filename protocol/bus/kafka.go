package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/gartenio/core/logger"
)

// KafkaBus produces envelopes to a Kafka topic and consumes them in a
// consumer group. Envelopes are keyed by tenant and device id, so one
// device's messages stay in order within a partition.
type KafkaBus struct {
	config Configuration
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	cancels []context.CancelFunc
}

// NewKafkaBus returns a bus on the configured Kafka topic.
func NewKafkaBus(config Configuration) (*KafkaBus, error) {
	if len(config.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka bus needs at least one broker")
	}
	if config.KafkaTopic == "" {
		return nil, fmt.Errorf("kafka bus needs a topic")
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.KafkaBrokers...),
		Topic:    config.KafkaTopic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaBus{config: config, writer: writer}, nil
}

// Publish implements Bus.
func (b *KafkaBus) Publish(ctx context.Context, e Envelope) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
	})
}

// Subscribe implements Bus. Each subscription runs its own reader
// goroutine inside the configured consumer group.
func (b *KafkaBus) Subscribe(handler Handler) (func(), error) {
	groupID := b.config.KafkaGroupID
	if groupID == "" {
		groupID = "gartenio"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.config.KafkaBrokers,
		GroupID: groupID,
		Topic:   b.config.KafkaTopic,
	})
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	go func() {
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				logger.Default().Warningln("bus: kafka read error:", err.Error())
				continue
			}
			var e Envelope
			if err := json.Unmarshal(m.Value, &e); err != nil {
				logger.Default().Warningln("bus: cannot decode envelope:", err.Error())
				continue
			}
			handler(logger.ContextWithLoggerFromData(ctx, e.LogContext), e)
		}
	}()

	return func() {
		cancel()
		if err := reader.Close(); err != nil {
			logger.Default().Warningln("bus: cannot close kafka reader:", err.Error())
		}
	}, nil
}

// Shutdown implements Bus.
func (b *KafkaBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels {
		cancel()
	}
	var firstErr error
	for _, reader := range b.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
