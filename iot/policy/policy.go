package policy

import (
	"fmt"

	"github.com/relabs-tech/gartenio/iot"
	"github.com/relabs-tech/gartenio/iot/capability"
	"github.com/relabs-tech/gartenio/iot/topic"
)

// Actions of the broker-facing ACL check.
const (
	ActionPublish   = "publish"
	ActionSubscribe = "subscribe"
)

// reason attached to the low-power QoS downgrade
const reasonLowPower = "low_power_optimization"

// QosRetain is the delivery rule for one topic.
type QosRetain struct {
	Topic  string `json:"topic"`
	Qos    byte   `json:"qos"`
	Retain bool   `json:"retain"`
	Reason string `json:"reason"`
}

// Acl is the allow/deny rule set of a single device. Entries are
// topics or wildcard patterns. Deny always wins over allow.
type Acl struct {
	Publish   []string `json:"publish"`
	Subscribe []string `json:"subscribe"`
	Deny      []string `json:"deny"`
}

// DevicePolicy is the complete bootstrap policy of one device.
type DevicePolicy struct {
	Topics       topic.Topics       `json:"topics"`
	QosRetain    []QosRetain        `json:"qosRetainPolicy"`
	Acl          Acl                `json:"acl"`
	Capabilities capability.Profile `json:"capabilities"`
}

// Resolver computes device policies for one (tenant, device type)
// pair. It is stateless apart from the immutable table snapshot it was
// created with, so it is safe for unlimited concurrent use.
type Resolver struct {
	tenantID   string
	deviceType string
	tables     *Tables
}

// NewResolver returns a resolver for the given tenant and device type.
// The device type is normalized. The identifiers must be valid topic
// segments.
func NewResolver(tenantID, deviceType string, tables *Tables) (*Resolver, error) {
	normalized := topic.NormalizeDeviceType(deviceType)
	if !topic.ValidSegment(tenantID) {
		return nil, fmt.Errorf("invalid tenant id %q", tenantID)
	}
	if !topic.ValidSegment(normalized) {
		return nil, fmt.Errorf("invalid device type %q", deviceType)
	}
	if tables == nil {
		tables = DefaultTables()
	}
	return &Resolver{tenantID: tenantID, deviceType: normalized, tables: tables}, nil
}

// TenantID returns the tenant this resolver serves.
func (r *Resolver) TenantID() string { return r.tenantID }

// DeviceType returns the normalized device type this resolver serves.
func (r *Resolver) DeviceType() string { return r.deviceType }

// Resolve computes the complete policy for a device. The request must
// already be validated at the boundary; Resolve only re-checks the
// identifiers that end up in topics.
func (r *Resolver) Resolve(request iot.BootstrapRequest) (DevicePolicy, error) {
	topics, err := topic.ForDevice(r.tenantID, r.deviceType, request.DeviceID)
	if err != nil {
		return DevicePolicy{}, err
	}
	caps := capability.Detect(r.deviceType, request.Capabilities)

	return DevicePolicy{
		Topics:       topics,
		QosRetain:    r.qosRetain(topics, caps),
		Acl:          r.acl(topics, caps),
		Capabilities: caps,
	}, nil
}

// qosRetain assigns exactly one rule per canonical topic. Low-power
// devices have telemetry and shadow reports downgraded to QoS 0 without
// retain; everything else keeps its baseline.
func (r *Resolver) qosRetain(topics topic.Topics, caps capability.Profile) []QosRetain {
	rule := func(t, key string) QosRetain {
		baseline := r.tables.Channels[key]
		return QosRetain{Topic: t, Qos: baseline.Qos, Retain: baseline.Retain, Reason: baseline.Reason}
	}
	lowPower := func(t string) QosRetain {
		return QosRetain{Topic: t, Qos: 0, Retain: false, Reason: reasonLowPower}
	}

	telemetry := rule(topics.TelemetryPub, ruleTelemetry)
	shadowReported := rule(topics.ShadowReportedPub, ruleShadowReported)
	if caps.IsLowPower {
		telemetry = lowPower(topics.TelemetryPub)
		shadowReported = lowPower(topics.ShadowReportedPub)
	}

	return []QosRetain{
		telemetry,
		rule(topics.StatusPub, ruleStatus),
		rule(topics.EventPub, ruleEvent),
		rule(topics.CommandSub, ruleCommand),
		rule(topics.CommandResponsePub, ruleCmdRes),
		rule(topics.ShadowDesiredSub, ruleShadowDesired),
		shadowReported,
		rule(topics.ConfigSub, ruleConfig),
		rule(topics.OtaProgressPub, ruleOtaProgress),
	}
}

// acl derives the allow lists strictly from the device's own topics.
// Gateways additionally get wildcard access to their sub-device
// channels. The fixed deny patterns are always appended.
func (r *Resolver) acl(topics topic.Topics, caps capability.Profile) Acl {
	acl := Acl{
		Publish: []string{
			topics.TelemetryPub,
			topics.StatusPub,
			topics.EventPub,
			topics.CommandResponsePub,
			topics.ShadowReportedPub,
			topics.OtaProgressPub,
		},
		Subscribe: []string{
			topics.CommandSub,
			topics.ShadowDesiredSub,
			topics.ConfigSub,
		},
	}

	if caps.IsGateway {
		root := topic.Prefix + "/" + r.tenantID + "/" + r.deviceType + "/"
		// the device id is the last segment before the channel in all
		// nine topics; recover it from the telemetry topic
		a, ok := topic.Parse(topics.TelemetryPub)
		if ok {
			subdev := root + a.DeviceID + "/" + topic.ChannelSubDev + "/+"
			acl.Publish = append(acl.Publish,
				subdev+"/"+topic.ChannelTelemetry,
				subdev+"/"+topic.ChannelStatus,
				subdev+"/"+topic.ChannelEvent,
			)
			acl.Subscribe = append(acl.Subscribe, subdev+"/"+topic.ChannelCommand)
		}
	}

	acl.Deny = append(acl.Deny, r.tables.DenyPatterns...)
	return acl
}

// ValidateTopicPermission answers whether the given topic is in the
// device's own allow-list for the action. It recomputes the ACL for
// the device, checks exact matches first and wildcard matches second.
// The exact check runs on the raw string, so a device may use an
// advertised wildcard entry ("…/subdev/+/cmd") verbatim as its
// subscription filter. Malformed topics, foreign topics and unknown
// actions are denied.
//
// The fixed deny patterns are not consulted here; they are enforced by
// the broker-facing webhook.
func (r *Resolver) ValidateTopicPermission(t, action, deviceID string) bool {
	topics, err := topic.ForDevice(r.tenantID, r.deviceType, deviceID)
	if err != nil {
		return false
	}
	acl := r.acl(topics, capability.Profile{IsGateway: r.deviceType == "gateway"})

	var allowed []string
	switch action {
	case ActionPublish:
		allowed = acl.Publish
	case ActionSubscribe:
		allowed = acl.Subscribe
	default:
		return false
	}
	for _, p := range allowed {
		if p == t {
			return true
		}
	}

	address, ok := topic.Parse(t)
	if !ok {
		return false
	}
	if !address.BelongsTo(r.tenantID, r.deviceType, deviceID) {
		return false
	}
	return matchAny(allowed, t)
}

// Authorize is the broker-facing decision: deny wins over allow, then
// the allow-list decides. Used by the ACL webhook and the embedded
// broker.
func (r *Resolver) Authorize(t, action, deviceID string) bool {
	for _, deny := range r.tables.DenyPatterns {
		if MatchPattern(deny, t) {
			return false
		}
	}
	return r.ValidateTopicPermission(t, action, deviceID)
}
