/*Package rest connects the protocol manager to devices speaking plain
HTTP. Publishes POST the payload to the gateway; subscriptions are
long-polled, one poll loop per topic.

HTTP is stateless, so "connected" means the gateway answered the last
health probe. Poll loops back off exponentially on errors and recover
on the next successful round trip.
*/
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/gartenio/protocol"
)

// Config configures the HTTP adapter.
type Config struct {
	// BaseURL is the gateway root, e.g. "https://gateway.example.com".
	BaseURL string
	// PollWait is the long-poll window. Defaults to 25s.
	PollWait time.Duration
	// RequestTimeout bounds a single request. Defaults to PollWait+5s.
	RequestTimeout time.Duration
	// MaxReconnectInterval caps the poll backoff. Defaults to 1m.
	MaxReconnectInterval time.Duration
}

// Adapter is the HTTP protocol adapter.
type Adapter struct {
	config    Config
	client    *http.Client
	lifecycle protocol.Lifecycle
	backoff   protocol.Backoff

	mu     sync.Mutex
	events protocol.Events
	polls  map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an HTTP adapter for the given gateway.
func New(config Config) *Adapter {
	if config.BaseURL == "" {
		panic("http adapter needs a base URL")
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.PollWait <= 0 {
		config.PollWait = 25 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = config.PollWait + 5*time.Second
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = time.Minute
	}
	return &Adapter{
		config:  config,
		client:  &http.Client{Timeout: config.RequestTimeout},
		backoff: protocol.Backoff{Max: config.MaxReconnectInterval},
		polls:   make(map[string]context.CancelFunc),
	}
}

// Protocol implements protocol.Adapter.
func (a *Adapter) Protocol() protocol.Protocol { return protocol.ProtocolHTTP }

// State implements protocol.Adapter.
func (a *Adapter) State() protocol.State { return a.lifecycle.State() }

func (a *Adapter) topicURL(topic string) string {
	return a.config.BaseURL + "/topics/" + url.PathEscape(topic)
}

// Initialize implements protocol.Adapter. It probes the gateway's
// health endpoint once.
func (a *Adapter) Initialize(ctx context.Context, events protocol.Events) error {
	if err := a.lifecycle.To(protocol.StateInitializing); err != nil {
		return err
	}
	a.mu.Lock()
	a.events = events
	a.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	res, err := a.client.Do(req)
	if err != nil || res.StatusCode != http.StatusOK {
		if res != nil {
			res.Body.Close()
		}
		if lerr := a.lifecycle.To(protocol.StateDisconnected); lerr != nil {
			return lerr
		}
		events.EmitDisconnected(err)
		return nil
	}
	res.Body.Close()
	if err := a.lifecycle.To(protocol.StateConnected); err != nil {
		return err
	}
	events.EmitConnected()
	return nil
}

// Publish implements protocol.Adapter.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, opts protocol.PublishOptions) error {
	if a.lifecycle.ShuttingDown() {
		return fmt.Errorf("http adapter is shut down")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.topicURL(topic), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Qos", strconv.Itoa(int(opts.Qos)))
	if opts.Retain {
		req.Header.Set("X-Retain", "true")
	}
	res, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot publish to '%s': %w", topic, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("cannot publish to '%s': status %d", topic, res.StatusCode)
	}
	return nil
}

// Subscribe implements protocol.Adapter. Each topic gets its own
// long-poll loop.
func (a *Adapter) Subscribe(ctx context.Context, topic string, opts protocol.SubscribeOptions) error {
	if a.lifecycle.ShuttingDown() {
		return fmt.Errorf("http adapter is shut down")
	}
	a.mu.Lock()
	if _, ok := a.polls[topic]; ok {
		a.mu.Unlock()
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	a.polls[topic] = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	go a.pollLoop(pollCtx, topic)
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context, topic string) {
	defer a.wg.Done()
	wait := strconv.Itoa(int(a.config.PollWait / time.Second))
	degraded := false
	for {
		if ctx.Err() != nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			a.topicURL(topic)+"/messages?wait="+wait, nil)
		if err != nil {
			return
		}
		res, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			degraded = a.pollFailed(degraded, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.backoff.Next()):
			}
			continue
		}
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode == http.StatusNoContent {
			degraded = a.pollRecovered(degraded)
			continue
		}
		if err != nil || res.StatusCode != http.StatusOK {
			degraded = a.pollFailed(degraded, fmt.Errorf("poll '%s': status %d", topic, res.StatusCode))
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.backoff.Next()):
			}
			continue
		}
		degraded = a.pollRecovered(degraded)
		a.currentEvents().EmitMessage(context.Background(), topic, body)
	}
}

func (a *Adapter) pollFailed(degraded bool, err error) bool {
	if degraded {
		a.currentEvents().EmitError(err)
		return true
	}
	if lerr := a.lifecycle.To(protocol.StateDisconnected); lerr == nil {
		a.currentEvents().EmitDisconnected(err)
	}
	return true
}

func (a *Adapter) pollRecovered(degraded bool) bool {
	if !degraded {
		return false
	}
	if err := a.lifecycle.To(protocol.StateConnected); err == nil {
		a.backoff.Reset()
		a.currentEvents().EmitConnected()
	}
	return false
}

func (a *Adapter) currentEvents() protocol.Events {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// Unsubscribe implements protocol.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	cancel, ok := a.polls[topic]
	delete(a.polls, topic)
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Shutdown implements protocol.Adapter.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if err := a.lifecycle.To(protocol.StateShuttingDown); err != nil {
		return err
	}
	a.mu.Lock()
	for topic, cancel := range a.polls {
		cancel()
		delete(a.polls, topic)
	}
	a.mu.Unlock()
	a.wg.Wait()
	a.client.CloseIdleConnections()
	return a.lifecycle.To(protocol.StateClosed)
}
