package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/gartenio/iot"
	"github.com/relabs-tech/gartenio/iot/topic"
)

func sensorRequest() iot.BootstrapRequest {
	return iot.BootstrapRequest{
		DeviceID:     "s1",
		DeviceType:   "sensor",
		TenantID:     "acme",
		Capabilities: []string{"low_power_mode"},
		Firmware:     iot.Firmware{Current: "1.0.0", Channel: iot.ChannelStable},
	}
}

func mustResolver(t *testing.T, tenant, deviceType string) *Resolver {
	t.Helper()
	r, err := NewResolver(tenant, deviceType, nil)
	require.NoError(t, err)
	return r
}

func TestResolveLowPowerSensor(t *testing.T) {
	r := mustResolver(t, "acme", "sensor")
	p, err := r.Resolve(sensorRequest())
	require.NoError(t, err)

	assert.Equal(t, "iot/acme/sensor/s1/telemetry", p.Topics.TelemetryPub)
	assert.True(t, p.Capabilities.IsLowPower)

	byTopic := map[string]QosRetain{}
	for _, qr := range p.QosRetain {
		_, seen := byTopic[qr.Topic]
		assert.False(t, seen, "topic %s appears twice", qr.Topic)
		byTopic[qr.Topic] = qr
	}
	// every canonical topic has exactly one rule
	require.Len(t, byTopic, 9)
	for _, canonical := range p.Topics.All() {
		assert.Contains(t, byTopic, canonical)
	}

	telemetry := byTopic[p.Topics.TelemetryPub]
	assert.EqualValues(t, 0, telemetry.Qos)
	assert.False(t, telemetry.Retain)
	assert.Equal(t, "low_power_optimization", telemetry.Reason)

	reported := byTopic[p.Topics.ShadowReportedPub]
	assert.EqualValues(t, 0, reported.Qos)
	assert.False(t, reported.Retain)

	status := byTopic[p.Topics.StatusPub]
	assert.EqualValues(t, 1, status.Qos)
	assert.True(t, status.Retain)

	desired := byTopic[p.Topics.ShadowDesiredSub]
	assert.EqualValues(t, 1, desired.Qos)
	assert.True(t, desired.Retain)
}

func TestResolveMainsPoweredKeepsBaseline(t *testing.T) {
	r := mustResolver(t, "acme", "actuator")
	p, err := r.Resolve(iot.BootstrapRequest{DeviceID: "a1", DeviceType: "actuator", TenantID: "acme"})
	require.NoError(t, err)

	for _, qr := range p.QosRetain {
		if qr.Topic == p.Topics.TelemetryPub {
			assert.EqualValues(t, 1, qr.Qos)
			assert.False(t, qr.Retain)
		}
		if qr.Topic == p.Topics.StatusPub {
			assert.EqualValues(t, 1, qr.Qos)
			assert.True(t, qr.Retain)
		}
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r := mustResolver(t, "acme", "sensor")
	first, err := r.Resolve(sensorRequest())
	require.NoError(t, err)
	second, err := r.Resolve(sensorRequest())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAclOwnTopicsOnly(t *testing.T) {
	r := mustResolver(t, "acme", "sensor")
	p, err := r.Resolve(sensorRequest())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"iot/acme/sensor/s1/telemetry",
		"iot/acme/sensor/s1/status",
		"iot/acme/sensor/s1/event",
		"iot/acme/sensor/s1/cmdres",
		"iot/acme/sensor/s1/shadow/reported",
		"iot/acme/sensor/s1/ota/progress",
	}, p.Acl.Publish)
	assert.ElementsMatch(t, []string{
		"iot/acme/sensor/s1/cmd",
		"iot/acme/sensor/s1/shadow/desired",
		"iot/acme/sensor/s1/cfg",
	}, p.Acl.Subscribe)
	assert.ElementsMatch(t, []string{
		"iot/+/+/+/admin/+",
		"iot/+/+/+/system/+",
		"iot/+/+/+/debug/+",
	}, p.Acl.Deny)

	// no entry references another tenant or device
	for _, entry := range append(p.Acl.Publish, p.Acl.Subscribe...) {
		a, ok := topic.Parse(entry)
		require.True(t, ok, entry)
		assert.True(t, a.BelongsTo("acme", "sensor", "s1"), entry)
	}
}

func TestAclGatewayGetsSubdeviceWildcards(t *testing.T) {
	r := mustResolver(t, "acme", "gateway")
	p, err := r.Resolve(iot.BootstrapRequest{DeviceID: "gw1", DeviceType: "gateway", TenantID: "acme"})
	require.NoError(t, err)

	assert.Contains(t, p.Acl.Publish, "iot/acme/gateway/gw1/subdev/+/telemetry")
	assert.Contains(t, p.Acl.Publish, "iot/acme/gateway/gw1/subdev/+/status")
	assert.Contains(t, p.Acl.Publish, "iot/acme/gateway/gw1/subdev/+/event")
	assert.Contains(t, p.Acl.Subscribe, "iot/acme/gateway/gw1/subdev/+/cmd")
}

func TestValidateTopicPermission(t *testing.T) {
	r := mustResolver(t, "acme", "sensor")

	assert.True(t, r.ValidateTopicPermission("iot/acme/sensor/s1/telemetry", ActionPublish, "s1"))
	assert.True(t, r.ValidateTopicPermission("iot/acme/sensor/s1/cmd", ActionSubscribe, "s1"))

	// own publish topic is not subscribable and vice versa
	assert.False(t, r.ValidateTopicPermission("iot/acme/sensor/s1/telemetry", ActionSubscribe, "s1"))
	assert.False(t, r.ValidateTopicPermission("iot/acme/sensor/s1/cmd", ActionPublish, "s1"))

	// another device's exact topic
	assert.False(t, r.ValidateTopicPermission("iot/acme/sensor/s2/telemetry", ActionPublish, "s1"))
	// another tenant
	assert.False(t, r.ValidateTopicPermission("iot/other/sensor/s1/telemetry", ActionPublish, "s1"))
	// malformed topic
	assert.False(t, r.ValidateTopicPermission("iot/acme/sensor/s1", ActionPublish, "s1"))
	assert.False(t, r.ValidateTopicPermission("not/a/device/topic/x", ActionPublish, "s1"))
	// unknown action
	assert.False(t, r.ValidateTopicPermission("iot/acme/sensor/s1/telemetry", "peek", "s1"))
}

func TestValidateTopicPermissionGatewaySubdevice(t *testing.T) {
	r := mustResolver(t, "acme", "gateway")
	assert.True(t, r.ValidateTopicPermission("iot/acme/gateway/gw1/subdev/sensor-1/telemetry", ActionPublish, "gw1"))
	assert.True(t, r.ValidateTopicPermission("iot/acme/gateway/gw1/subdev/sensor-1/cmd", ActionSubscribe, "gw1"))
	assert.False(t, r.ValidateTopicPermission("iot/acme/gateway/gw2/subdev/sensor-1/telemetry", ActionPublish, "gw1"))
}

func TestGatewayCanSubscribeAdvertisedWildcard(t *testing.T) {
	r := mustResolver(t, "acme", "gateway")

	// the exact filters the gateway's own ACL advertises must be
	// subscribable and publishable as-is
	assert.True(t, r.ValidateTopicPermission("iot/acme/gateway/gw1/subdev/+/cmd", ActionSubscribe, "gw1"))
	assert.True(t, r.Authorize("iot/acme/gateway/gw1/subdev/+/cmd", ActionSubscribe, "gw1"))
	assert.True(t, r.ValidateTopicPermission("iot/acme/gateway/gw1/subdev/+/telemetry", ActionPublish, "gw1"))

	// wrong direction, foreign gateway, channels outside the ACL
	assert.False(t, r.ValidateTopicPermission("iot/acme/gateway/gw1/subdev/+/cmd", ActionPublish, "gw1"))
	assert.False(t, r.ValidateTopicPermission("iot/acme/gateway/gw2/subdev/+/cmd", ActionSubscribe, "gw1"))
	assert.False(t, r.ValidateTopicPermission("iot/acme/gateway/gw1/subdev/+/cfg", ActionSubscribe, "gw1"))
	// broader wildcards are never advertised and stay denied
	assert.False(t, r.Authorize("iot/acme/gateway/+/subdev/+/cmd", ActionSubscribe, "gw1"))
	assert.False(t, r.Authorize("iot/+/+/+/subdev/+/cmd", ActionSubscribe, "gw1"))
}

func TestAuthorizeDenyWinsOverAllow(t *testing.T) {
	r := mustResolver(t, "acme", "sensor")

	for _, denied := range []string{
		"iot/acme/sensor/s1/admin/reset",
		"iot/acme/sensor/s1/system/flags",
		"iot/acme/sensor/s1/debug/trace",
	} {
		assert.False(t, r.Authorize(denied, ActionPublish, "s1"), denied)
		assert.False(t, r.Authorize(denied, ActionSubscribe, "s1"), denied)
	}

	assert.True(t, r.Authorize("iot/acme/sensor/s1/telemetry", ActionPublish, "s1"))
}
