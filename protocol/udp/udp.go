/*Package udp connects the protocol manager to a datagram gateway.
Every datagram is one JSON frame:

	{"type":"publish","topic":"...","payload":"<base64>"}
	{"type":"subscribe","topic":"..."}
	{"type":"unsubscribe","topic":"..."}
	{"type":"message","topic":"...","payload":"<base64>"}

UDP is connectionless, so there is nothing to reconnect; the adapter
counts as connected once the socket is open. Subscriptions are
re-announced periodically because the gateway forgets silent peers.
*/
package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/gartenio/protocol"
)

const maxDatagramSize = 64 * 1024

// Config configures the UDP adapter.
type Config struct {
	// Address is the gateway address, e.g. "gateway.example.com:7700".
	Address string
	// AnnounceInterval is how often subscriptions are re-announced.
	// Defaults to 30s.
	AnnounceInterval time.Duration
}

type frame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Adapter is the UDP protocol adapter.
type Adapter struct {
	config    Config
	lifecycle protocol.Lifecycle

	mu     sync.Mutex
	conn   net.Conn
	events protocol.Events
	subs   map[string]struct{}
	done   chan struct{}
}

// New returns an unconnected UDP adapter.
func New(config Config) *Adapter {
	if config.Address == "" {
		panic("udp adapter needs a gateway address")
	}
	if config.AnnounceInterval <= 0 {
		config.AnnounceInterval = 30 * time.Second
	}
	return &Adapter{
		config: config,
		subs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Protocol implements protocol.Adapter.
func (a *Adapter) Protocol() protocol.Protocol { return protocol.ProtocolUDP }

// State implements protocol.Adapter.
func (a *Adapter) State() protocol.State { return a.lifecycle.State() }

// Initialize implements protocol.Adapter.
func (a *Adapter) Initialize(ctx context.Context, events protocol.Events) error {
	if err := a.lifecycle.To(protocol.StateInitializing); err != nil {
		return err
	}
	conn, err := net.Dial("udp", a.config.Address)
	if err != nil {
		return fmt.Errorf("cannot open udp socket: %w", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.events = events
	a.mu.Unlock()

	if err := a.lifecycle.To(protocol.StateConnected); err != nil {
		conn.Close()
		return err
	}
	go a.readLoop(conn)
	go a.announceLoop()
	events.EmitConnected()
	return nil
}

func (a *Adapter) readLoop(conn net.Conn) {
	buffer := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(buffer[:n], &f); err != nil {
			a.currentEvents().EmitError(fmt.Errorf("cannot decode datagram: %w", err))
			continue
		}
		if f.Type == "message" {
			a.currentEvents().EmitMessage(context.Background(), f.Topic, f.Payload)
		}
	}
}

// announceLoop periodically repeats all subscriptions.
func (a *Adapter) announceLoop() {
	ticker := time.NewTicker(a.config.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}
		a.mu.Lock()
		subs := make([]string, 0, len(a.subs))
		for t := range a.subs {
			subs = append(subs, t)
		}
		a.mu.Unlock()
		for _, t := range subs {
			if err := a.send(frame{Type: "subscribe", Topic: t}); err != nil {
				a.currentEvents().EmitError(err)
			}
		}
	}
}

func (a *Adapter) currentEvents() protocol.Events {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

func (a *Adapter) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(data) > maxDatagramSize {
		return fmt.Errorf("frame for '%s' exceeds datagram size", f.Topic)
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("udp adapter is not initialized")
	}
	_, err = conn.Write(data)
	return err
}

// Publish implements protocol.Adapter. QoS is meaningless on UDP, the
// options are accepted and ignored.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, opts protocol.PublishOptions) error {
	if a.lifecycle.ShuttingDown() {
		return fmt.Errorf("udp adapter is shut down")
	}
	return a.send(frame{Type: "publish", Topic: topic, Payload: payload})
}

// Subscribe implements protocol.Adapter.
func (a *Adapter) Subscribe(ctx context.Context, topic string, opts protocol.SubscribeOptions) error {
	if a.lifecycle.ShuttingDown() {
		return fmt.Errorf("udp adapter is shut down")
	}
	a.mu.Lock()
	a.subs[topic] = struct{}{}
	a.mu.Unlock()
	return a.send(frame{Type: "subscribe", Topic: topic})
}

// Unsubscribe implements protocol.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	delete(a.subs, topic)
	a.mu.Unlock()
	return a.send(frame{Type: "unsubscribe", Topic: topic})
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
		conn.Close()
	}
	return a.lifecycle.To(protocol.StateClosed)
}
