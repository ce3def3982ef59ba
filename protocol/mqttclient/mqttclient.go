/*Package mqttclient connects the protocol manager to an external MQTT
broker as a client. Reconnection is handled by the underlying client;
subscriptions are tracked and re-established on every reconnect.
*/
package mqttclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/gartenio/protocol"
)

// Config configures the MQTT adapter.
type Config struct {
	// BrokerURL is the broker address, e.g. "tcp://localhost:1883".
	BrokerURL string
	// ClientID identifies this connection at the broker.
	ClientID string
	Username string
	Password string
	// ConnectTimeout bounds the initial connect. Defaults to 10s.
	ConnectTimeout time.Duration
	// MaxReconnectInterval caps the reconnect backoff. Defaults to 1m.
	MaxReconnectInterval time.Duration
}

// Adapter is the MQTT protocol adapter.
type Adapter struct {
	config    Config
	lifecycle protocol.Lifecycle
	backoff   protocol.Backoff

	mu     sync.Mutex
	client pahomqtt.Client
	events protocol.Events
	subs   map[string]byte
}

// New returns an unconnected MQTT adapter.
func New(config Config) *Adapter {
	if config.BrokerURL == "" {
		panic("mqtt adapter needs a broker URL")
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = time.Minute
	}
	return &Adapter{
		config:  config,
		backoff: protocol.Backoff{Max: config.MaxReconnectInterval},
		subs:    make(map[string]byte),
	}
}

// Protocol implements protocol.Adapter.
func (a *Adapter) Protocol() protocol.Protocol { return protocol.ProtocolMQTT }

// State implements protocol.Adapter.
func (a *Adapter) State() protocol.State { return a.lifecycle.State() }

// Initialize implements protocol.Adapter. It connects to the broker
// and keeps reconnecting with backoff afterwards.
func (a *Adapter) Initialize(ctx context.Context, events protocol.Events) error {
	if err := a.lifecycle.To(protocol.StateInitializing); err != nil {
		return err
	}
	a.mu.Lock()
	a.events = events
	a.mu.Unlock()

	opts := pahomqtt.NewClientOptions().
		AddBroker(a.config.BrokerURL).
		SetClientID(a.config.ClientID).
		SetUsername(a.config.Username).
		SetPassword(a.config.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(a.config.MaxReconnectInterval).
		SetConnectTimeout(a.config.ConnectTimeout)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		if err := a.lifecycle.To(protocol.StateConnected); err == nil {
			a.backoff.Reset()
			events.EmitConnected()
			a.resubscribe(c)
		}
	})
	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		if lerr := a.lifecycle.To(protocol.StateDisconnected); lerr == nil {
			events.EmitDisconnected(err)
		}
	})
	opts.SetReconnectingHandler(func(c pahomqtt.Client, o *pahomqtt.ClientOptions) {
		a.backoff.Next()
	})

	client := pahomqtt.NewClient(opts)
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(a.config.ConnectTimeout) || token.Error() != nil {
		// the client keeps retrying in the background
		if err := a.lifecycle.To(protocol.StateDisconnected); err != nil {
			return err
		}
		events.EmitDisconnected(token.Error())
	}
	return nil
}

func (a *Adapter) resubscribe(c pahomqtt.Client) {
	a.mu.Lock()
	subs := make(map[string]byte, len(a.subs))
	for t, qos := range a.subs {
		subs[t] = qos
	}
	events := a.events
	a.mu.Unlock()

	for t, qos := range subs {
		token := c.Subscribe(t, qos, a.onMessage)
		if !token.WaitTimeout(a.config.ConnectTimeout) || token.Error() != nil {
			events.EmitError(fmt.Errorf("cannot resubscribe to '%s': %v", t, token.Error()))
		}
	}
}

func (a *Adapter) onMessage(c pahomqtt.Client, m pahomqtt.Message) {
	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	events.EmitMessage(context.Background(), m.Topic(), m.Payload())
}

// Publish implements protocol.Adapter.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, opts protocol.PublishOptions) error {
	client, err := a.connectedClient()
	if err != nil {
		return err
	}
	token := client.Publish(topic, opts.Qos, opts.Retain, payload)
	return a.wait(ctx, token, "publish to '"+topic+"'")
}

// Subscribe implements protocol.Adapter.
func (a *Adapter) Subscribe(ctx context.Context, topic string, opts protocol.SubscribeOptions) error {
	client, err := a.connectedClient()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.subs[topic] = opts.Qos
	a.mu.Unlock()

	token := client.Subscribe(topic, opts.Qos, a.onMessage)
	return a.wait(ctx, token, "subscribe to '"+topic+"'")
}

// Unsubscribe implements protocol.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, topic string) error {
	client, err := a.connectedClient()
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.subs, topic)
	a.mu.Unlock()

	token := client.Unsubscribe(topic)
	return a.wait(ctx, token, "unsubscribe from '"+topic+"'")
}

// Shutdown implements protocol.Adapter.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if err := a.lifecycle.To(protocol.StateShuttingDown); err != nil {
		return err
	}
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return a.lifecycle.To(protocol.StateClosed)
}

func (a *Adapter) connectedClient() (pahomqtt.Client, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("mqtt adapter is not initialized")
	}
	if a.lifecycle.ShuttingDown() {
		return nil, fmt.Errorf("mqtt adapter is shut down")
	}
	return client, nil
}

func (a *Adapter) wait(ctx context.Context, token pahomqtt.Token, what string) error {
	deadline, ok := ctx.Deadline()
	timeout := a.config.ConnectTimeout
	if ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timeout on %s", what)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("cannot %s: %w", what, err)
	}
	return nil
}
