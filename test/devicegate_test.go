package test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/gartenio/protocol"
	"github.com/relabs-tech/gartenio/protocol/bus"
)

func TestIntegration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("set INTEGRATION_TEST=1 to run the container-based tests")
	}
	suite.Run(t, new(IntegrationTestSuite))
}

const baseURL = "http://localhost:8080"

func (s *IntegrationTestSuite) postJSON(path string, body interface{}) (int, []byte) {
	data, err := json.Marshal(body)
	s.Require().NoError(err)
	response, err := http.Post(baseURL+path, "application/json", bytes.NewReader(data))
	s.Require().NoError(err)
	defer response.Body.Close()
	responseBody, err := io.ReadAll(response.Body)
	s.Require().NoError(err)
	return response.StatusCode, responseBody
}

// TestBootstrapAndConnect walks the path a real device takes: bootstrap
// over HTTP, then authenticate and authorize at the broker webhooks
// with the credentials it received.
func (s *IntegrationTestSuite) TestBootstrapAndConnect() {
	status, body := s.postJSON("/bootstrap", map[string]interface{}{
		"deviceId":   "dev1",
		"deviceType": "sensor",
		"tenantId":   "acme",
		"firmware":   map[string]string{"current": "1.0.0", "channel": "stable"},
	})
	s.Require().Equal(http.StatusOK, status, string(body))

	var bootstrapped struct {
		Success bool `json:"success"`
		Data    struct {
			Mqtt struct {
				Username string `json:"username"`
				ClientID string `json:"clientId"`
				Password string `json:"password"`
			} `json:"mqtt"`
		} `json:"data"`
	}
	s.Require().NoError(json.Unmarshal(body, &bootstrapped))
	s.Require().True(bootstrapped.Success)
	s.Equal("acme_dev1", bootstrapped.Data.Mqtt.Username)
	s.NotEmpty(bootstrapped.Data.Mqtt.Password)

	// the minted password authenticates, both via the stored token and
	// as a verified JWT
	status, body = s.postJSON("/hooks/auth", map[string]string{
		"clientid": "acme:dev1",
		"username": "dev1",
		"password": bootstrapped.Data.Mqtt.Password,
	})
	s.Require().Equal(http.StatusOK, status)
	var decision struct {
		Result string `json:"result"`
	}
	s.Require().NoError(json.Unmarshal(body, &decision))
	s.Equal("allow", decision.Result)

	// own telemetry topic is allowed, a foreign device's is not
	status, body = s.postJSON("/hooks/acl", map[string]interface{}{
		"clientid": bootstrapped.Data.Mqtt.ClientID,
		"username": bootstrapped.Data.Mqtt.Username,
		"topic":    "iot/acme/sensor/dev1/telemetry",
		"action":   "publish",
	})
	s.Require().Equal(http.StatusOK, status)
	s.Require().NoError(json.Unmarshal(body, &decision))
	s.Equal("allow", decision.Result)

	status, body = s.postJSON("/hooks/acl", map[string]interface{}{
		"clientid": bootstrapped.Data.Mqtt.ClientID,
		"username": bootstrapped.Data.Mqtt.Username,
		"topic":    "iot/acme/sensor/other/telemetry",
		"action":   "publish",
	})
	s.Require().Equal(http.StatusOK, status)
	s.Require().NoError(json.Unmarshal(body, &decision))
	s.Equal("deny", decision.Result)
}

// TestShadowReportedThroughKafka publishes a shadow-reported envelope
// on the Kafka bus and expects it to surface on the shadow API.
func (s *IntegrationTestSuite) TestShadowReportedThroughKafka() {
	reported := []byte(`{"temperature":21.5}`)
	err := s.MessageBus.Publish(context.Background(), bus.Envelope{
		Type:       string(protocol.TypeShadowReported),
		Protocol:   string(protocol.ProtocolMQTT),
		Topic:      "iot/acme/sensor/dev2/shadow/reported",
		TenantID:   "acme",
		DeviceType: "sensor",
		DeviceID:   "dev2",
		Channel:    "shadow/reported",
		Payload:    reported,
		ReceivedAt: time.Now().UTC(),
	})
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		response, err := http.Get(baseURL + "/shadow/acme/sensor/dev2/reported")
		if err != nil || response.StatusCode != http.StatusOK {
			return false
		}
		defer response.Body.Close()
		body, _ := io.ReadAll(response.Body)
		return bytes.Equal(bytes.TrimSpace(body), reported)
	}, 30*time.Second, 500*time.Millisecond)
}

// TestShadowDesiredRoundtrip stores desired state over the API and
// reads it back through the bootstrap response.
func (s *IntegrationTestSuite) TestShadowDesiredRoundtrip() {
	desired := []byte(`{"interval":60}`)
	request, err := http.NewRequest(http.MethodPut,
		baseURL+"/shadow/acme/sensor/dev3/desired", bytes.NewReader(desired))
	s.Require().NoError(err)
	response, err := http.DefaultClient.Do(request)
	s.Require().NoError(err)
	response.Body.Close()
	s.Require().Equal(http.StatusNoContent, response.StatusCode)

	status, body := s.postJSON("/bootstrap", map[string]interface{}{
		"deviceId":   "dev3",
		"deviceType": "sensor",
		"tenantId":   "acme",
		"firmware":   map[string]string{"current": "1.0.0", "channel": "stable"},
	})
	s.Require().Equal(http.StatusOK, status, string(body))

	var bootstrapped struct {
		Data struct {
			ShadowDesired json.RawMessage `json:"shadowDesired"`
		} `json:"data"`
	}
	s.Require().NoError(json.Unmarshal(body, &bootstrapped))
	s.JSONEq(string(desired), string(bootstrapped.Data.ShadowDesired))
}
