package shadow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/gartenio/protocol/bus"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies []string
}

func (p *fakePublisher) PublishMessageQ1(topic string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, string(payload))
}

func newTestAPI(t *testing.T) (*API, *mux.Router, *fakePublisher) {
	t.Helper()
	router := mux.NewRouter()
	publisher := &fakePublisher{}
	api := NewAPI(&Builder{
		Store:     NewMemoryStore(),
		Router:    router,
		Publisher: publisher,
	})
	return api, router, publisher
}

func TestPutDesiredStoresAndPublishes(t *testing.T) {
	api, router, publisher := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPut, "/shadow/acme/sensor/s1/desired",
		strings.NewReader(`{"led":"on"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, publisher.topics, 1)
	assert.Equal(t, "iot/acme/sensor/s1/shadow/desired", publisher.topics[0])
	assert.Equal(t, `{"led":"on"}`, publisher.bodies[0])

	desired, err := api.Desired("acme", "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"led":"on"}`, string(desired))
}

func TestPutDesiredRejectsInvalidJSON(t *testing.T) {
	_, router, publisher := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPut, "/shadow/acme/sensor/s1/desired",
		strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, publisher.topics)
}

func TestGetShadow(t *testing.T) {
	_, router, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/shadow/acme/sensor/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	put := httptest.NewRequest(http.MethodPut, "/shadow/acme/sensor/s1/desired",
		strings.NewReader(`{"led":"on"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, put)
	require.Equal(t, http.StatusNoContent, rec.Code)

	get := httptest.NewRequest(http.MethodGet, "/shadow/acme/sensor/s1/desired", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, get)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"led":"on"}`, rec.Body.String())
}

func TestConsumeReported(t *testing.T) {
	api, router, _ := newTestAPI(t)

	b := bus.NewMemoryBus()
	cancel, err := api.ConsumeReported(b)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(context.Background(), bus.Envelope{
		Type:     "shadow-reported",
		TenantID: "acme",
		DeviceID: "s1",
		Payload:  []byte(`{"led":"off"}`),
	}))
	// other message types must be ignored
	require.NoError(t, b.Publish(context.Background(), bus.Envelope{
		Type:     "telemetry",
		TenantID: "acme",
		DeviceID: "s1",
		Payload:  []byte(`{"temp":21}`),
	}))

	get := httptest.NewRequest(http.MethodGet, "/shadow/acme/sensor/s1/reported", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, get)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"led":"off"}`, rec.Body.String())
}
