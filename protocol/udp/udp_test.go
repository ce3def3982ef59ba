package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/gartenio/protocol"
)

func TestAdapterRoundTrip(t *testing.T) {
	gateway, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer gateway.Close()

	a := New(Config{Address: gateway.LocalAddr().String()})
	defer a.Shutdown(context.Background())

	received := make(chan string, 1)
	events := protocol.Events{
		OnMessage: func(ctx context.Context, topic string, payload []byte) {
			select {
			case received <- topic + "=" + string(payload):
			default:
			}
		},
	}
	require.NoError(t, a.Initialize(context.Background(), events))
	assert.Equal(t, protocol.StateConnected, a.State())

	require.NoError(t, a.Subscribe(context.Background(), "iot/acme/sensor/s1/cmd", protocol.SubscribeOptions{}))
	require.NoError(t, a.Publish(context.Background(), "iot/acme/sensor/s1/telemetry", []byte(`{"temp":21}`), protocol.PublishOptions{}))

	// the gateway sees a subscribe followed by a publish, then pushes
	// a command back to the adapter's source address
	buffer := make([]byte, maxDatagramSize)
	var from net.Addr
	frames := make([]frame, 0, 2)
	for len(frames) < 2 {
		require.NoError(t, gateway.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, addr, err := gateway.ReadFrom(buffer)
		require.NoError(t, err)
		from = addr
		var f frame
		require.NoError(t, json.Unmarshal(buffer[:n], &f))
		frames = append(frames, f)
	}
	assert.Equal(t, "subscribe", frames[0].Type)
	assert.Equal(t, "iot/acme/sensor/s1/cmd", frames[0].Topic)
	assert.Equal(t, "publish", frames[1].Type)
	assert.Equal(t, `{"temp":21}`, string(frames[1].Payload))

	push, err := json.Marshal(frame{Type: "message", Topic: "iot/acme/sensor/s1/cmd", Payload: []byte(`{"op":"reboot"}`)})
	require.NoError(t, err)
	_, err = gateway.WriteTo(push, from)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, `iot/acme/sensor/s1/cmd={"op":"reboot"}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for pushed message")
	}
}

func TestAdapterReannouncesSubscriptions(t *testing.T) {
	gateway, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer gateway.Close()

	a := New(Config{Address: gateway.LocalAddr().String(), AnnounceInterval: 50 * time.Millisecond})
	defer a.Shutdown(context.Background())

	require.NoError(t, a.Initialize(context.Background(), protocol.Events{}))
	require.NoError(t, a.Subscribe(context.Background(), "iot/acme/sensor/s1/cmd", protocol.SubscribeOptions{}))

	// the initial announcement plus at least one periodic repeat
	buffer := make([]byte, maxDatagramSize)
	for i := 0; i < 2; i++ {
		require.NoError(t, gateway.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, _, err := gateway.ReadFrom(buffer)
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(buffer[:n], &f))
		assert.Equal(t, "subscribe", f.Type)
	}
}
