package topic

import (
	"fmt"
	"strings"
)

// Prefix is the first segment of every device topic.
const Prefix = "iot"

// Reserved channel names.
const (
	ChannelTelemetry = "telemetry"
	ChannelStatus    = "status"
	ChannelEvent     = "event"
	ChannelCommand   = "cmd"
	ChannelCmdRes    = "cmdres"
	ChannelConfig    = "cfg"
	ChannelShadow    = "shadow"
	ChannelOta       = "ota"
	ChannelSubDev    = "subdev"
)

// Reserved subchannel names.
const (
	SubchannelDesired  = "desired"
	SubchannelReported = "reported"
	SubchannelProgress = "progress"
	SubchannelStatus   = "status"
)

// Topics are the nine canonical topics of a single device.
type Topics struct {
	TelemetryPub       string `json:"telemetryPub"`
	StatusPub          string `json:"statusPub"`
	EventPub           string `json:"eventPub"`
	CommandSub         string `json:"commandSub"`
	CommandResponsePub string `json:"commandResponsePub"`
	ShadowDesiredSub   string `json:"shadowDesiredSub"`
	ShadowReportedPub  string `json:"shadowReportedPub"`
	ConfigSub          string `json:"configSub"`
	OtaProgressPub     string `json:"otaProgressPub"`
}

// All returns the nine topics in a stable order.
func (t Topics) All() []string {
	return []string{
		t.TelemetryPub,
		t.StatusPub,
		t.EventPub,
		t.CommandSub,
		t.CommandResponsePub,
		t.ShadowDesiredSub,
		t.ShadowReportedPub,
		t.ConfigSub,
		t.OtaProgressPub,
	}
}

// Address is the result of parsing a device topic.
type Address struct {
	Tenant      string
	DeviceType  string
	DeviceID    string
	SubDeviceID string
	Channel     string
	Subchannel  string
}

// BelongsTo returns true if the address identifies exactly the given
// device. There are no partial matches.
func (a Address) BelongsTo(tenant, deviceType, deviceID string) bool {
	return a.Tenant == tenant && a.DeviceType == deviceType && a.DeviceID == deviceID
}

// Channels returns "channel" or "channel/subchannel".
func (a Address) Channels() string {
	if a.Subchannel == "" {
		return a.Channel
	}
	return a.Channel + "/" + a.Subchannel
}

// deviceTypeAliases maps well-known device type aliases to their
// canonical type. Unknown types pass through lower-cased.
var deviceTypeAliases = map[string]string{
	"temperature_sensor": "sensor",
	"humidity_sensor":    "sensor",
	"motion_sensor":      "sensor",
	"smart_plug":         "actuator",
	"smart_switch":       "actuator",
	"edge_gateway":       "gateway",
	"iot_gateway":        "gateway",
}

// NormalizeDeviceType maps a declared device type onto the canonical
// type used in topics.
func NormalizeDeviceType(deviceType string) string {
	normalized := strings.ToLower(strings.TrimSpace(deviceType))
	if canonical, ok := deviceTypeAliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// ValidSegment returns true if s is usable as a single topic segment.
// Only letters, digits, '-', '_' and '.' are allowed. This keeps '/'
// and the MQTT wildcards '+' and '#' out of interpolated topics.
func ValidSegment(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

func validateSegments(segments ...string) error {
	for _, s := range segments {
		if !ValidSegment(s) {
			return fmt.Errorf("invalid topic segment %q", s)
		}
	}
	return nil
}

func build(root string) Topics {
	return Topics{
		TelemetryPub:       root + "/" + ChannelTelemetry,
		StatusPub:          root + "/" + ChannelStatus,
		EventPub:           root + "/" + ChannelEvent,
		CommandSub:         root + "/" + ChannelCommand,
		CommandResponsePub: root + "/" + ChannelCmdRes,
		ShadowDesiredSub:   root + "/" + ChannelShadow + "/" + SubchannelDesired,
		ShadowReportedPub:  root + "/" + ChannelShadow + "/" + SubchannelReported,
		ConfigSub:          root + "/" + ChannelConfig,
		OtaProgressPub:     root + "/" + ChannelOta + "/" + SubchannelProgress,
	}
}

// ForDevice returns the canonical topics for a device. The device type
// is normalized first. All three identifiers must pass segment
// validation.
func ForDevice(tenant, deviceType, deviceID string) (Topics, error) {
	deviceType = NormalizeDeviceType(deviceType)
	if err := validateSegments(tenant, deviceType, deviceID); err != nil {
		return Topics{}, err
	}
	return build(Prefix + "/" + tenant + "/" + deviceType + "/" + deviceID), nil
}

// ForSubDevice returns the canonical topics for a sub-device attached
// to a gateway. The sub-device type only influences validation, the
// topic is always rooted under the gateway.
func ForSubDevice(tenant, gatewayID, subDeviceID, subDeviceType string) (Topics, error) {
	if err := validateSegments(tenant, gatewayID, subDeviceID, NormalizeDeviceType(subDeviceType)); err != nil {
		return Topics{}, err
	}
	return build(Prefix + "/" + tenant + "/gateway/" + gatewayID + "/" + ChannelSubDev + "/" + subDeviceID), nil
}

// ForChannel returns the topic of a single channel (or
// "channel/subchannel") of a device.
func ForChannel(tenant, deviceType, deviceID, channels string) (string, error) {
	deviceType = NormalizeDeviceType(deviceType)
	segments := append([]string{tenant, deviceType, deviceID}, strings.Split(channels, "/")...)
	if err := validateSegments(segments...); err != nil {
		return "", err
	}
	return Prefix + "/" + tenant + "/" + deviceType + "/" + deviceID + "/" + channels, nil
}

// Parse parses a device topic. It accepts exactly the two canonical
// shapes, 4 or 5 segments after the prefix, plus the gateway sub-device
// variant with the "subdev/{subDeviceId}" infix. Anything else returns
// false.
func Parse(s string) (Address, bool) {
	return parse(s, false)
}

// ParseFilter parses a subscription filter. It is like Parse but
// additionally accepts the single-level wildcard '+' for any segment
// after the device id, so the wildcard entries a device's ACL
// advertises ("…/subdev/+/cmd") remain addressable on the
// authorization path. Tenant, device type and device id must stay
// concrete.
func ParseFilter(s string) (Address, bool) {
	return parse(s, true)
}

func parse(s string, allowWildcard bool) (Address, bool) {
	segments := strings.Split(s, "/")
	if len(segments) < 5 || segments[0] != Prefix {
		return Address{}, false
	}
	for _, segment := range segments[1:4] {
		if !ValidSegment(segment) {
			return Address{}, false
		}
	}
	for _, segment := range segments[4:] {
		if allowWildcard && segment == "+" {
			continue
		}
		if !ValidSegment(segment) {
			return Address{}, false
		}
	}

	a := Address{
		Tenant:     segments[1],
		DeviceType: segments[2],
		DeviceID:   segments[3],
	}

	rest := segments[4:]
	if rest[0] == ChannelSubDev {
		if a.DeviceType != "gateway" || len(rest) < 3 {
			return Address{}, false
		}
		a.SubDeviceID = rest[1]
		rest = rest[2:]
	}

	switch len(rest) {
	case 1:
		a.Channel = rest[0]
	case 2:
		a.Channel = rest[0]
		a.Subchannel = rest[1]
	default:
		return Address{}, false
	}
	return a, true
}
