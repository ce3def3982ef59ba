/*Package ws connects the protocol manager to a websocket message
gateway. Frames are JSON objects with a type discriminator:

	{"type":"publish","topic":"...","payload":"<base64>","qos":1,"retain":false}
	{"type":"subscribe","topic":"...","qos":1}
	{"type":"unsubscribe","topic":"..."}
	{"type":"message","topic":"...","payload":"<base64>"}

The adapter redials with bounded exponential backoff when the
connection drops and replays its subscriptions after every reconnect.
*/
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/gartenio/protocol"
)

// Config configures the websocket adapter.
type Config struct {
	// URL is the gateway address, e.g. "wss://gateway.example.com/iot".
	URL string
	// HandshakeTimeout bounds the dial. Defaults to 10s.
	HandshakeTimeout time.Duration
	// MaxReconnectInterval caps the reconnect backoff. Defaults to 1m.
	MaxReconnectInterval time.Duration
}

type frame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Qos     byte   `json:"qos,omitempty"`
	Retain  bool   `json:"retain,omitempty"`
}

// Adapter is the websocket protocol adapter.
type Adapter struct {
	config    Config
	lifecycle protocol.Lifecycle
	backoff   protocol.Backoff
	dialer    *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	events protocol.Events
	subs   map[string]byte
	done   chan struct{}
}

// New returns an unconnected websocket adapter.
func New(config Config) *Adapter {
	if config.URL == "" {
		panic("websocket adapter needs a URL")
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = time.Minute
	}
	return &Adapter{
		config:  config,
		backoff: protocol.Backoff{Max: config.MaxReconnectInterval},
		dialer:  &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		subs:    make(map[string]byte),
		done:    make(chan struct{}),
	}
}

// Protocol implements protocol.Adapter.
func (a *Adapter) Protocol() protocol.Protocol { return protocol.ProtocolWebSocket }

// State implements protocol.Adapter.
func (a *Adapter) State() protocol.State { return a.lifecycle.State() }

// Initialize implements protocol.Adapter. The first dial happens
// synchronously; afterwards a background loop keeps the connection
// alive.
func (a *Adapter) Initialize(ctx context.Context, events protocol.Events) error {
	if err := a.lifecycle.To(protocol.StateInitializing); err != nil {
		return err
	}
	a.mu.Lock()
	a.events = events
	a.mu.Unlock()

	if err := a.dial(ctx); err != nil {
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

func (a *Adapter) dial(ctx context.Context) error {
	conn, _, err := a.dialer.DialContext(ctx, a.config.URL, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	subs := make(map[string]byte, len(a.subs))
	for t, qos := range a.subs {
		subs[t] = qos
	}
	a.mu.Unlock()

	for t, qos := range subs {
		if err := a.write(frame{Type: "subscribe", Topic: t, Qos: qos}); err != nil {
			conn.Close()
			return err
		}
	}
	go a.readLoop(conn)
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.connectionLost(conn, err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.currentEvents().EmitError(fmt.Errorf("cannot decode frame: %w", err))
			continue
		}
		if f.Type == "message" {
			a.currentEvents().EmitMessage(context.Background(), f.Topic, f.Payload)
		}
	}
}

func (a *Adapter) connectionLost(conn *websocket.Conn, err error) {
	a.mu.Lock()
	// a stale read loop of an already replaced connection must not
	// trigger another reconnect
	current := a.conn == conn
	if current {
		a.conn = nil
	}
	a.mu.Unlock()
	if !current || a.lifecycle.ShuttingDown() {
		return
	}
	if lerr := a.lifecycle.To(protocol.StateDisconnected); lerr != nil {
		return
	}
	a.currentEvents().EmitDisconnected(err)
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
		ctx, cancel := context.WithTimeout(context.Background(), a.config.HandshakeTimeout)
		err := a.dial(ctx)
		cancel()
		if err != nil {
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

func (a *Adapter) currentEvents() protocol.Events {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// write sends a frame. Gorilla connections allow only one concurrent
// writer, so all writes go through the adapter mutex.
func (a *Adapter) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("websocket adapter is not connected")
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// Publish implements protocol.Adapter.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, opts protocol.PublishOptions) error {
	return a.write(frame{Type: "publish", Topic: topic, Payload: payload, Qos: opts.Qos, Retain: opts.Retain})
}

// Subscribe implements protocol.Adapter.
func (a *Adapter) Subscribe(ctx context.Context, topic string, opts protocol.SubscribeOptions) error {
	a.mu.Lock()
	a.subs[topic] = opts.Qos
	a.mu.Unlock()
	return a.write(frame{Type: "subscribe", Topic: topic, Qos: opts.Qos})
}

// Unsubscribe implements protocol.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	delete(a.subs, topic)
	a.mu.Unlock()
	return a.write(frame{Type: "unsubscribe", Topic: topic})
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
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	return a.lifecycle.To(protocol.StateClosed)
}
