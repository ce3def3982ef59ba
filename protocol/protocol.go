package protocol

import (
	"context"

	"github.com/relabs-tech/gartenio/iot/topic"
)

// Protocol identifies a device-facing transport.
type Protocol string

// The supported transports.
const (
	ProtocolMQTT      Protocol = "mqtt"
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolUDP       Protocol = "udp"
	ProtocolCoAP      Protocol = "coap"
)

// MessageType classifies a message by the channel it travelled on.
type MessageType string

// Inbound message types.
const (
	TypeTelemetry       MessageType = "telemetry"
	TypeStatus          MessageType = "status"
	TypeEvent           MessageType = "event"
	TypeCommandResponse MessageType = "cmdres"
	TypeOtaProgress     MessageType = "ota-progress"
	TypeOtaStatus       MessageType = "ota-status"
	TypeShadowReported  MessageType = "shadow-reported"
	// TypeUnclassified marks messages on channels outside the
	// reserved set. They are forwarded as-is, never silently folded
	// into telemetry.
	TypeUnclassified MessageType = "unclassified"
)

// Outbound message types.
const (
	TypeCommand       MessageType = "cmd"
	TypeConfig        MessageType = "cfg"
	TypeShadowDesired MessageType = "shadow-desired"
)

// Classify maps a channel (or channel/subchannel) to a message type.
func Classify(channels string) MessageType {
	switch channels {
	case topic.ChannelTelemetry:
		return TypeTelemetry
	case topic.ChannelStatus:
		return TypeStatus
	case topic.ChannelEvent:
		return TypeEvent
	case topic.ChannelCmdRes:
		return TypeCommandResponse
	case topic.ChannelOta + "/" + topic.SubchannelProgress:
		return TypeOtaProgress
	case topic.ChannelOta + "/" + topic.SubchannelStatus:
		return TypeOtaStatus
	case topic.ChannelShadow + "/" + topic.SubchannelReported:
		return TypeShadowReported
	}
	return TypeUnclassified
}

// outboundChannels maps outbound message types to the channel the
// device subscribes on.
var outboundChannels = map[MessageType]string{
	TypeCommand:       topic.ChannelCommand,
	TypeConfig:        topic.ChannelConfig,
	TypeShadowDesired: topic.ChannelShadow + "/" + topic.SubchannelDesired,
}

// PublishOptions carry transport hints for a single publish.
type PublishOptions struct {
	Qos    byte
	Retain bool
}

// SubscribeOptions carry transport hints for a subscription.
type SubscribeOptions struct {
	Qos byte
}

// Events are the callbacks an adapter raises. All fields are optional;
// adapters must tolerate nil callbacks.
type Events struct {
	// OnMessage delivers an inbound message.
	OnMessage func(ctx context.Context, topic string, payload []byte)
	// OnConnected fires whenever the adapter (re-)establishes its
	// transport.
	OnConnected func()
	// OnDisconnected fires when the transport is lost. The adapter
	// keeps retrying on its own.
	OnDisconnected func(err error)
	// OnError reports a transport error that did not change the
	// lifecycle state.
	OnError func(err error)
}

// EmitMessage invokes OnMessage if set.
func (e Events) EmitMessage(ctx context.Context, topic string, payload []byte) {
	if e.OnMessage != nil {
		e.OnMessage(ctx, topic, payload)
	}
}

// EmitConnected invokes OnConnected if set.
func (e Events) EmitConnected() {
	if e.OnConnected != nil {
		e.OnConnected()
	}
}

// EmitDisconnected invokes OnDisconnected if set.
func (e Events) EmitDisconnected(err error) {
	if e.OnDisconnected != nil {
		e.OnDisconnected(err)
	}
}

// EmitError invokes OnError if set.
func (e Events) EmitError(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// Adapter is a single device-facing transport. Implementations are
// safe for concurrent use once initialized.
type Adapter interface {
	// Protocol returns the transport this adapter serves.
	Protocol() Protocol
	// Initialize connects the transport and installs the event
	// callbacks. It may return with the adapter still disconnected;
	// the adapter then keeps retrying in the background.
	Initialize(ctx context.Context, events Events) error
	// Publish sends a payload to a topic.
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	// Subscribe registers interest in a topic. Subscriptions survive
	// reconnects.
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions) error
	// Unsubscribe removes a subscription.
	Unsubscribe(ctx context.Context, topic string) error
	// State returns the current lifecycle state.
	State() State
	// Shutdown stops the reconnect loop and releases the transport.
	Shutdown(ctx context.Context) error
}
