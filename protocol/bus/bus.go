/*Package bus carries standardized device messages from the protocol
manager to downstream consumers.

Two drivers exist: an in-process driver for single-binary deployments
and tests, and a Kafka driver for deployments where consumers run in
separate services. The envelope serializes the request-scoped logger
context, so a consumer can continue the log trail of the request that
produced the message.
*/
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// DriverType selects the bus implementation.
type DriverType string

// The supported drivers.
const (
	// DriverTypeMemory dispatches in-process.
	DriverTypeMemory DriverType = "memory"
	// DriverTypeKafka produces to and consumes from a Kafka topic.
	DriverTypeKafka DriverType = "kafka"
)

// Configuration selects and configures the bus driver.
type Configuration struct {
	DriverType DriverType `json:"driver_type"`

	// Kafka driver settings.
	KafkaBrokers []string `json:"kafka_brokers"`
	KafkaTopic   string   `json:"kafka_topic"`
	KafkaGroupID string   `json:"kafka_group_id"`
}

// Envelope is the standardized message the manager republishes for
// every inbound device message.
type Envelope struct {
	Type        string          `json:"type"`
	Protocol    string          `json:"protocol"`
	Topic       string          `json:"topic"`
	TenantID    string          `json:"tenantId"`
	DeviceType  string          `json:"deviceType"`
	DeviceID    string          `json:"deviceId"`
	SubDeviceID string          `json:"subDeviceId,omitempty"`
	Channel     string          `json:"channel"`
	Payload     []byte          `json:"payload"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	LogContext  json.RawMessage `json:"logContext,omitempty"`
}

// Key returns the partitioning key for the envelope. Messages of one
// device stay ordered relative to each other.
func (e Envelope) Key() string {
	return e.TenantID + "/" + e.DeviceID
}

// Handler consumes a single envelope.
type Handler func(ctx context.Context, e Envelope)

// Bus is the internal message bus.
type Bus interface {
	// Publish hands an envelope to the bus.
	Publish(ctx context.Context, e Envelope) error
	// Subscribe registers a handler for all envelopes. The returned
	// function cancels the subscription.
	Subscribe(handler Handler) (cancel func(), err error)
	// Shutdown flushes and closes the bus.
	Shutdown(ctx context.Context) error
}

// New creates the bus selected by the configuration.
func New(config Configuration) (Bus, error) {
	switch config.DriverType {
	case DriverTypeMemory, "":
		return NewMemoryBus(), nil
	case DriverTypeKafka:
		return NewKafkaBus(config)
	}
	return nil, fmt.Errorf("unknown bus driver type '%s'", config.DriverType)
}
