package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/gartenio/protocol/bus"
)

type fakePublish struct {
	topic   string
	payload []byte
	opts    PublishOptions
}

type fakeAdapter struct {
	protocol     Protocol
	mu           sync.Mutex
	events       Events
	published    []fakePublish
	subscribed   []string
	shutdowns    int
	failPublish  error
	failShutdown error
	lifecycle    Lifecycle
}

func newFakeAdapter(p Protocol) *fakeAdapter {
	return &fakeAdapter{protocol: p}
}

func (a *fakeAdapter) Protocol() Protocol { return a.protocol }

func (a *fakeAdapter) Initialize(ctx context.Context, events Events) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = events
	if err := a.lifecycle.To(StateInitializing); err != nil {
		return err
	}
	if err := a.lifecycle.To(StateConnected); err != nil {
		return err
	}
	events.EmitConnected()
	return nil
}

func (a *fakeAdapter) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failPublish != nil {
		return a.failPublish
	}
	a.published = append(a.published, fakePublish{topic: topic, payload: payload, opts: opts})
	return nil
}

func (a *fakeAdapter) Subscribe(ctx context.Context, topic string, opts SubscribeOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribed = append(a.subscribed, topic)
	return nil
}

func (a *fakeAdapter) Unsubscribe(ctx context.Context, topic string) error { return nil }

func (a *fakeAdapter) State() State { return a.lifecycle.State() }

func (a *fakeAdapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdowns++
	if a.failShutdown != nil {
		return a.failShutdown
	}
	if err := a.lifecycle.To(StateShuttingDown); err != nil {
		return err
	}
	return a.lifecycle.To(StateClosed)
}

// inject delivers an inbound message as if the transport received it.
func (a *fakeAdapter) inject(topic string, payload []byte) {
	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	events.EmitMessage(context.Background(), topic, payload)
}

func newTestManager(t *testing.T, adapters ...*fakeAdapter) (*Manager, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus()
	m := NewManager(b)
	for _, a := range adapters {
		require.NoError(t, m.Register(a))
	}
	require.NoError(t, m.Initialize(context.Background()))
	return m, b
}

func TestManagerRejectsDuplicateProtocol(t *testing.T) {
	m := NewManager(bus.NewMemoryBus())
	require.NoError(t, m.Register(newFakeAdapter(ProtocolMQTT)))
	assert.Error(t, m.Register(newFakeAdapter(ProtocolMQTT)))
}

func TestManagerRepublishesInbound(t *testing.T) {
	a := newFakeAdapter(ProtocolMQTT)
	_, b := newTestManager(t, a)

	var got []bus.Envelope
	cancel, err := b.Subscribe(func(ctx context.Context, e bus.Envelope) {
		got = append(got, e)
	})
	require.NoError(t, err)
	defer cancel()

	a.inject("iot/acme/sensor/s1/telemetry", []byte(`{"temp":21}`))
	a.inject("iot/acme/sensor/s1/ota/progress", []byte(`{"pct":40}`))
	a.inject("iot/acme/gateway/gw1/subdev/sensor-1/telemetry", []byte(`{}`))

	require.Len(t, got, 3)
	assert.Equal(t, string(TypeTelemetry), got[0].Type)
	assert.Equal(t, "acme", got[0].TenantID)
	assert.Equal(t, "s1", got[0].DeviceID)
	assert.Equal(t, string(ProtocolMQTT), got[0].Protocol)
	assert.NotEmpty(t, got[0].LogContext)

	assert.Equal(t, string(TypeOtaProgress), got[1].Type)
	assert.Equal(t, "ota/progress", got[1].Channel)

	assert.Equal(t, "sensor-1", got[2].SubDeviceID)
	assert.Equal(t, "gw1", got[2].DeviceID)
}

func TestManagerForwardsUnknownChannelAsUnclassified(t *testing.T) {
	a := newFakeAdapter(ProtocolMQTT)
	_, b := newTestManager(t, a)

	var got []bus.Envelope
	cancel, err := b.Subscribe(func(ctx context.Context, e bus.Envelope) {
		got = append(got, e)
	})
	require.NoError(t, err)
	defer cancel()

	a.inject("iot/acme/sensor/s1/bogus", []byte(`{}`))
	require.Len(t, got, 1)
	assert.Equal(t, string(TypeUnclassified), got[0].Type)
}

func TestManagerDropsUnparseableTopic(t *testing.T) {
	a := newFakeAdapter(ProtocolMQTT)
	_, b := newTestManager(t, a)

	count := 0
	cancel, err := b.Subscribe(func(ctx context.Context, e bus.Envelope) { count++ })
	require.NoError(t, err)
	defer cancel()

	a.inject("not/a/device/topic", []byte(`{}`))
	a.inject("iot/acme/sensor", []byte(`{}`))
	assert.Equal(t, 0, count)
}

func TestManagerSendToDevice(t *testing.T) {
	mq := newFakeAdapter(ProtocolMQTT)
	ws := newFakeAdapter(ProtocolWebSocket)
	m, _ := newTestManager(t, mq, ws)

	err := m.SendToDevice(context.Background(), "acme", "s1", "sensor", TypeCommand, []byte(`{"op":"reboot"}`), ProtocolWebSocket)
	require.NoError(t, err)
	require.Len(t, ws.published, 1)
	assert.Equal(t, "iot/acme/sensor/s1/cmd", ws.published[0].topic)
	assert.Equal(t, byte(1), ws.published[0].opts.Qos)
	assert.Empty(t, mq.published)

	err = m.SendToDevice(context.Background(), "acme", "s1", "sensor", TypeShadowDesired, []byte(`{}`), ProtocolMQTT)
	require.NoError(t, err)
	require.Len(t, mq.published, 1)
	assert.Equal(t, "iot/acme/sensor/s1/shadow/desired", mq.published[0].topic)
}

func TestManagerSendToDeviceErrors(t *testing.T) {
	m, _ := newTestManager(t, newFakeAdapter(ProtocolMQTT))

	err := m.SendToDevice(context.Background(), "acme", "s1", "sensor", TypeCommand, nil, ProtocolCoAP)
	assert.Error(t, err)

	// inbound types are not valid outbound types
	err = m.SendToDevice(context.Background(), "acme", "s1", "sensor", TypeTelemetry, nil, ProtocolMQTT)
	assert.Error(t, err)
}

func TestManagerPublishMessageQ1PrefersMQTT(t *testing.T) {
	mq := newFakeAdapter(ProtocolMQTT)
	ws := newFakeAdapter(ProtocolWebSocket)
	m, _ := newTestManager(t, ws, mq)

	m.PublishMessageQ1("iot/acme/sensor/s1/shadow/desired", []byte(`{"led":"on"}`))
	require.Len(t, mq.published, 1)
	assert.Empty(t, ws.published)
}

func TestManagerShutdownContinuesPastFailures(t *testing.T) {
	first := newFakeAdapter(ProtocolMQTT)
	first.failShutdown = errors.New("socket stuck")
	second := newFakeAdapter(ProtocolWebSocket)
	m, _ := newTestManager(t, first, second)

	m.Shutdown(context.Background())
	assert.Equal(t, 1, first.shutdowns)
	assert.Equal(t, 1, second.shutdowns)
	assert.Equal(t, StateClosed, second.State())
}

func TestManagerStates(t *testing.T) {
	a := newFakeAdapter(ProtocolUDP)
	m, _ := newTestManager(t, a)
	states := m.States()
	assert.Equal(t, StateConnected, states[ProtocolUDP])
}
