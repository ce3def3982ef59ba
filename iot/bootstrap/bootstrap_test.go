package bootstrap

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/gartenio/iot"
	"github.com/relabs-tech/gartenio/iot/credentials"
	"github.com/relabs-tech/gartenio/iot/ota"
	"github.com/relabs-tech/gartenio/iot/policy"
)

type staticShadows struct {
	desired map[string]json.RawMessage
}

func (s staticShadows) Desired(tenantID, deviceID string) (json.RawMessage, error) {
	return s.desired[tenantID+"/"+deviceID], nil
}

func newTestRouter(t *testing.T) (*mux.Router, *credentials.MemoryTokenStore) {
	t.Helper()
	registry, err := policy.NewRegistry(policy.StaticSource{})
	require.NoError(t, err)

	catalog := &ota.Catalog{
		Tenants: map[string]ota.TenantPolicy{
			"acme": {AllowedChannels: []string{iot.ChannelStable}},
		},
		Releases: []ota.Release{
			{Channel: iot.ChannelStable, Version: "1.4.0", URL: "https://firmware.example.com/stable/1.4.0.bin"},
		},
	}

	router := mux.NewRouter()
	tokens := credentials.NewMemoryTokenStore()
	MustNewAPI(&Builder{
		Registry: registry,
		Router:   router,
		Minter:   credentials.NewMinter([]byte("topsecret"), time.Hour),
		Decider:  ota.MustNewDecider(&ota.Builder{Catalog: catalog}),
		Tokens:   tokens,
		Shadows: staticShadows{desired: map[string]json.RawMessage{
			"acme/s1": json.RawMessage(`{"led":"on"}`),
		}},
	})
	return router, tokens
}

func post(t *testing.T, router *mux.Router, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/bootstrap", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestBootstrapSuccess(t *testing.T) {
	router, tokens := newTestRouter(t)

	rec := post(t, router, `{
		"deviceId": "s1",
		"deviceType": "sensor",
		"tenantId": "acme",
		"capabilities": ["low_power_mode"],
		"firmware": {"current": "1.2.0", "channel": "stable"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var response bootstrapResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.True(t, response.Success)

	mqtt := response.Data.Mqtt
	assert.Equal(t, "iot/acme/sensor/s1/telemetry", mqtt.Topics.TelemetryPub)
	assert.Equal(t, "acme_s1", mqtt.Username)
	assert.True(t, strings.HasPrefix(mqtt.ClientID, "acme_s1_"))
	assert.NotEmpty(t, mqtt.Password)
	assert.False(t, mqtt.PasswordExpiresAt.IsZero())
	assert.Contains(t, mqtt.Acl.Publish, "iot/acme/sensor/s1/telemetry")
	assert.Len(t, mqtt.QosRetainPolicy, 9)

	// low power downgrades telemetry, the status topic stays at QoS 1
	for _, rule := range mqtt.QosRetainPolicy {
		switch rule.Topic {
		case mqtt.Topics.TelemetryPub:
			assert.Equal(t, byte(0), rule.Qos)
			assert.False(t, rule.Retain)
			assert.Equal(t, "low_power_optimization", rule.Reason)
		case mqtt.Topics.StatusPub:
			assert.Equal(t, byte(1), rule.Qos)
			assert.True(t, rule.Retain)
		}
	}

	assert.True(t, response.Data.Ota.Available)
	require.NotNil(t, response.Data.Ota.Target)
	assert.Equal(t, "1.4.0", response.Data.Ota.Target.Version)

	assert.JSONEq(t, `{"led":"on"}`, string(response.Data.ShadowDesired))

	// the minted password doubles as a connection token
	tenantID, deviceID, err := tokens.Lookup(mqtt.Password)
	require.NoError(t, err)
	assert.Equal(t, "acme", tenantID)
	assert.Equal(t, "s1", deviceID)
}

func TestBootstrapValidationErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := post(t, router, `{"deviceType": "sensor"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var response errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.False(t, response.Success)
	require.NotEmpty(t, response.Errors)

	var text strings.Builder
	for _, fieldError := range response.Errors {
		assert.NotEmpty(t, fieldError.Message)
		text.WriteString(fieldError.Field + " " + fieldError.Message + " ")
	}
	assert.Contains(t, text.String(), "deviceId")
	assert.Contains(t, text.String(), "tenantId")
}

func TestBootstrapRejectsInvalidIdentifiers(t *testing.T) {
	router, _ := newTestRouter(t)

	// underscores collide with the broker identity separator
	rec := post(t, router, `{"deviceId": "s_1", "deviceType": "sensor", "tenantId": "acme"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, router, `{"deviceId": "s#1", "deviceType": "sensor", "tenantId": "acme"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, router, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBootstrapUnknownTenantStillBootstraps(t *testing.T) {
	// policy resolution is table-driven and total; an unknown tenant
	// gets topics and ACLs, only the upgrade is unavailable
	router, _ := newTestRouter(t)

	rec := post(t, router, `{
		"deviceId": "d1",
		"deviceType": "sensor",
		"tenantId": "hooli",
		"firmware": {"current": "1.0.0", "channel": "stable"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var response bootstrapResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.True(t, response.Success)
	assert.False(t, response.Data.Ota.Available)
	assert.Equal(t, "unknown_tenant", response.Data.Ota.Reason)
}

func TestBootstrapNoOtaCapability(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := post(t, router, `{
		"deviceId": "s2",
		"deviceType": "sensor",
		"tenantId": "acme",
		"capabilities": ["no_ota"],
		"firmware": {"current": "1.0.0", "channel": "stable"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var response bootstrapResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.False(t, response.Data.Ota.Available)
}
