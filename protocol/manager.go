package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/iot/topic"
	"github.com/relabs-tech/gartenio/protocol/bus"
)

// Manager owns one adapter per enabled protocol, fans their inbound
// traffic into the internal bus, and routes outbound messages to the
// right transport.
type Manager struct {
	bus bus.Bus

	mu       sync.RWMutex
	adapters map[Protocol]Adapter
	order    []Protocol
}

// NewManager returns a manager publishing to the given bus.
func NewManager(b bus.Bus) *Manager {
	if b == nil {
		panic("protocol manager needs a bus")
	}
	return &Manager{
		bus:      b,
		adapters: make(map[Protocol]Adapter),
	}
}

// Register adds an adapter. Registration order is the shutdown order.
func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := a.Protocol()
	if _, ok := m.adapters[p]; ok {
		return fmt.Errorf("adapter for protocol '%s' already registered", p)
	}
	m.adapters[p] = a
	m.order = append(m.order, p)
	return nil
}

// Adapter returns the adapter for a protocol.
func (m *Manager) Adapter(p Protocol) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[p]
	return a, ok
}

// Initialize connects all registered adapters. Each adapter gets the
// manager's event callbacks; a failing adapter aborts the startup.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	order := append([]Protocol(nil), m.order...)
	adapters := make(map[Protocol]Adapter, len(m.adapters))
	for p, a := range m.adapters {
		adapters[p] = a
	}
	m.mu.RUnlock()

	for _, p := range order {
		a := adapters[p]
		protocol := p
		events := Events{
			OnMessage: func(ctx context.Context, t string, payload []byte) {
				m.handleInbound(ctx, protocol, t, payload)
			},
			OnConnected: func() {
				logger.Default().Infoln("adapter connected:", protocol)
			},
			OnDisconnected: func(err error) {
				rlog := logger.Default().WithField("protocol", protocol)
				if err != nil {
					rlog = rlog.WithError(err)
				}
				rlog.Warningln("adapter disconnected, retrying")
			},
			OnError: func(err error) {
				logger.Default().WithField("protocol", protocol).Warningln("adapter error:", err.Error())
			},
		}
		if err := a.Initialize(ctx, events); err != nil {
			return fmt.Errorf("cannot initialize %s adapter: %w", p, err)
		}
	}
	return nil
}

// handleInbound parses and classifies a device message and republishes
// it on the bus. Messages with unparseable topics are dropped with a
// log line; unknown channels are forwarded as unclassified.
func (m *Manager) handleInbound(ctx context.Context, p Protocol, t string, payload []byte) {
	ctx, rlog := logger.ContextWithLogger(ctx)
	address, ok := topic.Parse(t)
	if !ok {
		rlog.Warningln("dropping message on unparseable topic:", t)
		return
	}
	messageType := Classify(address.Channels())
	if messageType == TypeUnclassified {
		rlog.Warningln("message on unclassified channel:", address.Channels())
	}

	e := bus.Envelope{
		Type:        string(messageType),
		Protocol:    string(p),
		Topic:       t,
		TenantID:    address.Tenant,
		DeviceType:  address.DeviceType,
		DeviceID:    address.DeviceID,
		SubDeviceID: address.SubDeviceID,
		Channel:     address.Channels(),
		Payload:     payload,
		ReceivedAt:  time.Now().UTC(),
		LogContext:  logger.SerializeLoggerContext(ctx),
	}
	if err := m.bus.Publish(ctx, e); err != nil {
		rlog.Errorln("cannot publish to bus:", err.Error())
	}
}

// SendToDevice publishes a message to a single device over the given
// protocol. The message type selects the channel the device listens
// on.
func (m *Manager) SendToDevice(ctx context.Context, tenantID, deviceID, deviceType string,
	messageType MessageType, payload []byte, p Protocol) error {

	a, ok := m.Adapter(p)
	if !ok {
		return fmt.Errorf("no adapter for protocol '%s'", p)
	}
	channel, ok := outboundChannels[messageType]
	if !ok {
		return fmt.Errorf("message type '%s' is not an outbound type", messageType)
	}
	t, err := topic.ForChannel(tenantID, deviceType, deviceID, channel)
	if err != nil {
		return err
	}
	return a.Publish(ctx, t, payload, PublishOptions{Qos: 1})
}

// PublishMessageQ1 publishes a raw topic with QoS 1 on the MQTT
// adapter, falling back to the first registered adapter. This is the
// hook the device shadow uses to push desired state.
func (m *Manager) PublishMessageQ1(t string, payload []byte) {
	m.mu.RLock()
	a, ok := m.adapters[ProtocolMQTT]
	if !ok && len(m.order) > 0 {
		a, ok = m.adapters[m.order[0]], true
	}
	m.mu.RUnlock()
	if !ok {
		logger.Default().Warningln("no adapter available for publish on:", t)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Publish(ctx, t, payload, PublishOptions{Qos: 1}); err != nil {
		logger.Default().Warningln("cannot publish on:", t, err.Error())
	}
}

// States returns the lifecycle state of every registered adapter.
func (m *Manager) States() map[Protocol]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make(map[Protocol]State, len(m.adapters))
	for p, a := range m.adapters {
		states[p] = a.State()
	}
	return states
}

// Shutdown shuts the adapters down in registration order. A failing
// adapter is logged and does not stop the remaining shutdowns.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	order := append([]Protocol(nil), m.order...)
	adapters := make(map[Protocol]Adapter, len(m.adapters))
	for p, a := range m.adapters {
		adapters[p] = a
	}
	m.mu.RUnlock()

	for _, p := range order {
		if err := adapters[p].Shutdown(ctx); err != nil {
			logger.Default().Errorln("cannot shut down adapter:", p, err.Error())
		}
	}
	if err := m.bus.Shutdown(ctx); err != nil {
		logger.Default().Errorln("cannot shut down bus:", err.Error())
	}
}
