/*Package coap connects the protocol manager to devices speaking CoAP
over UDP. Topics map to resource paths ("/" + topic): publishes POST
the payload, subscriptions observe the resource.

When the session dies the adapter redials with bounded exponential
backoff and re-establishes all observations.
*/
package coap

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
	"github.com/plgd-dev/go-coap/v2/udp/client"

	"github.com/relabs-tech/gartenio/protocol"
)

// Config configures the CoAP adapter.
type Config struct {
	// Address is the CoAP endpoint, e.g. "gateway.example.com:5683".
	Address string
	// RequestTimeout bounds a single request. Defaults to 10s.
	RequestTimeout time.Duration
	// MaxReconnectInterval caps the reconnect backoff. Defaults to 1m.
	MaxReconnectInterval time.Duration
}

// Adapter is the CoAP protocol adapter.
type Adapter struct {
	config    Config
	lifecycle protocol.Lifecycle
	backoff   protocol.Backoff

	mu           sync.Mutex
	conn         *client.ClientConn
	events       protocol.Events
	subs         map[string]struct{}
	observations map[string]*client.Observation
	done         chan struct{}
}

// New returns an unconnected CoAP adapter.
func New(config Config) *Adapter {
	if config.Address == "" {
		panic("coap adapter needs an address")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = time.Minute
	}
	return &Adapter{
		config:       config,
		backoff:      protocol.Backoff{Max: config.MaxReconnectInterval},
		subs:         make(map[string]struct{}),
		observations: make(map[string]*client.Observation),
		done:         make(chan struct{}),
	}
}

// Protocol implements protocol.Adapter.
func (a *Adapter) Protocol() protocol.Protocol { return protocol.ProtocolCoAP }

// State implements protocol.Adapter.
func (a *Adapter) State() protocol.State { return a.lifecycle.State() }

// Initialize implements protocol.Adapter.
func (a *Adapter) Initialize(ctx context.Context, events protocol.Events) error {
	if err := a.lifecycle.To(protocol.StateInitializing); err != nil {
		return err
	}
	a.mu.Lock()
	a.events = events
	a.mu.Unlock()

	if err := a.dial(); err != nil {
		if lerr := a.lifecycle.To(protocol.StateDisconnected); lerr != nil {
			return lerr
		}
		events.EmitDisconnected(err)
		go a.reconnectLoop()
		return nil
	}
	if err := a.lifecycle.To(protocol.StateConnected); err != nil {
		return err
	}
	events.EmitConnected()
	return nil
}

func (a *Adapter) dial() error {
	conn, err := coapudp.Dial(a.config.Address)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.observations = make(map[string]*client.Observation)
	subs := make([]string, 0, len(a.subs))
	for t := range a.subs {
		subs = append(subs, t)
	}
	a.mu.Unlock()

	for _, t := range subs {
		if err := a.observe(conn, t); err != nil {
			conn.Close()
			return err
		}
	}
	go a.watch(conn)
	return nil
}

// watch waits for the session to die and triggers the reconnect.
func (a *Adapter) watch(conn *client.ClientConn) {
	select {
	case <-a.done:
		return
	case <-conn.Done():
	}
	a.mu.Lock()
	current := a.conn == conn
	if current {
		a.conn = nil
	}
	a.mu.Unlock()
	if !current || a.lifecycle.ShuttingDown() {
		return
	}
	if err := a.lifecycle.To(protocol.StateDisconnected); err != nil {
		return
	}
	a.currentEvents().EmitDisconnected(fmt.Errorf("coap session closed"))
	go a.reconnectLoop()
}

func (a *Adapter) reconnectLoop() {
	for {
		select {
		case <-a.done:
			return
		case <-time.After(a.backoff.Next()):
		}
		if a.lifecycle.ShuttingDown() {
			return
		}
		if err := a.dial(); err != nil {
			a.currentEvents().EmitError(err)
			continue
		}
		if err := a.lifecycle.To(protocol.StateConnected); err != nil {
			return
		}
		a.backoff.Reset()
		a.currentEvents().EmitConnected()
		return
	}
}

func (a *Adapter) observe(conn *client.ClientConn, topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.RequestTimeout)
	defer cancel()
	observation, err := conn.Observe(ctx, "/"+topic, func(req *pool.Message) {
		body, err := req.ReadBody()
		if err != nil {
			a.currentEvents().EmitError(fmt.Errorf("cannot read notification body: %w", err))
			return
		}
		a.currentEvents().EmitMessage(context.Background(), topic, body)
	})
	if err != nil {
		return fmt.Errorf("cannot observe '%s': %w", topic, err)
	}
	a.mu.Lock()
	a.observations[topic] = observation
	a.mu.Unlock()
	return nil
}

func (a *Adapter) currentEvents() protocol.Events {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

func (a *Adapter) connectedConn() (*client.ClientConn, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if a.lifecycle.ShuttingDown() {
		return nil, fmt.Errorf("coap adapter is shut down")
	}
	if conn == nil {
		return nil, fmt.Errorf("coap adapter is not connected")
	}
	return conn, nil
}

// Publish implements protocol.Adapter.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, opts protocol.PublishOptions) error {
	conn, err := a.connectedConn()
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}
	res, err := conn.Post(ctx, "/"+topic, message.AppOctets, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("cannot publish to '%s': %w", topic, err)
	}
	switch res.Code() {
	case codes.Created, codes.Changed, codes.Content:
		return nil
	}
	return fmt.Errorf("cannot publish to '%s': %v", topic, res.Code())
}

// Subscribe implements protocol.Adapter.
func (a *Adapter) Subscribe(ctx context.Context, topic string, opts protocol.SubscribeOptions) error {
	conn, err := a.connectedConn()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.subs[topic] = struct{}{}
	_, observed := a.observations[topic]
	a.mu.Unlock()
	if observed {
		return nil
	}
	return a.observe(conn, topic)
}

// Unsubscribe implements protocol.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	delete(a.subs, topic)
	observation := a.observations[topic]
	delete(a.observations, topic)
	a.mu.Unlock()
	if observation == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}
	return observation.Cancel(ctx)
}

// Shutdown implements protocol.Adapter.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if err := a.lifecycle.To(protocol.StateShuttingDown); err != nil {
		return err
	}
	close(a.done)
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			return err
		}
	}
	return a.lifecycle.To(protocol.StateClosed)
}
