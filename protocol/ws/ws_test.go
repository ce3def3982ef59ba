package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/gartenio/protocol"
)

// gateway is a minimal websocket peer. It records every frame and
// answers each publish with a message frame on the same topic.
type gateway struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	frames   []frame
}

func (g *gateway) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		g.mu.Lock()
		g.frames = append(g.frames, f)
		g.mu.Unlock()
		if f.Type == "publish" {
			echo, _ := json.Marshal(frame{Type: "message", Topic: f.Topic, Payload: f.Payload})
			conn.WriteMessage(websocket.TextMessage, echo)
		}
	}
}

func (g *gateway) frameTypes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	types := make([]string, 0, len(g.frames))
	for _, f := range g.frames {
		types = append(types, f.Type)
	}
	return types
}

func TestAdapterRoundTrip(t *testing.T) {
	g := &gateway{}
	server := httptest.NewServer(http.HandlerFunc(g.handler))
	defer server.Close()

	a := New(Config{URL: strings.Replace(server.URL, "http", "ws", 1)})
	defer a.Shutdown(context.Background())

	received := make(chan string, 1)
	events := protocol.Events{
		OnMessage: func(ctx context.Context, topic string, payload []byte) {
			received <- topic + "=" + string(payload)
		},
	}
	require.NoError(t, a.Initialize(context.Background(), events))
	assert.Equal(t, protocol.StateConnected, a.State())

	require.NoError(t, a.Subscribe(context.Background(), "iot/acme/sensor/s1/cmd", protocol.SubscribeOptions{Qos: 1}))
	require.NoError(t, a.Publish(context.Background(), "iot/acme/sensor/s1/telemetry", []byte(`{"temp":21}`), protocol.PublishOptions{Qos: 1}))

	select {
	case got := <-received:
		assert.Equal(t, `iot/acme/sensor/s1/telemetry={"temp":21}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	require.NoError(t, a.Unsubscribe(context.Background(), "iot/acme/sensor/s1/cmd"))
	require.Eventually(t, func() bool {
		types := g.frameTypes()
		return len(types) == 3 && types[0] == "subscribe" && types[1] == "publish" && types[2] == "unsubscribe"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdapterInitializeWithoutGateway(t *testing.T) {
	// nothing listens here; the adapter must come up disconnected and
	// keep retrying instead of failing the startup
	a := New(Config{URL: "ws://127.0.0.1:1", HandshakeTimeout: 100 * time.Millisecond})
	defer a.Shutdown(context.Background())

	disconnected := make(chan struct{}, 1)
	events := protocol.Events{
		OnDisconnected: func(err error) { disconnected <- struct{}{} },
	}
	require.NoError(t, a.Initialize(context.Background(), events))
	assert.Equal(t, protocol.StateDisconnected, a.State())
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("expected a disconnected event")
	}

	err := a.Publish(context.Background(), "iot/acme/sensor/s1/telemetry", nil, protocol.PublishOptions{})
	assert.Error(t, err)
}
