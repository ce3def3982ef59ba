package iot

import "time"

// Firmware channels.
const (
	ChannelStable = "stable"
	ChannelBeta   = "beta"
	ChannelDev    = "dev"
)

// Firmware is the firmware self-description of a bootstrapping device.
type Firmware struct {
	Current     string `json:"current"`
	Build       string `json:"build,omitempty"`
	MinRequired string `json:"minRequired,omitempty"`
	Channel     string `json:"channel"`
}

// Hardware is the hardware self-description of a bootstrapping device.
type Hardware struct {
	Version string `json:"version,omitempty"`
	Serial  string `json:"serial,omitempty"`
}

// BootstrapRequest is the immutable self-description a device sends to
// introduce itself. It is validated at the boundary before any policy
// computation sees it.
type BootstrapRequest struct {
	DeviceID     string    `json:"deviceId"`
	MAC          string    `json:"mac,omitempty"`
	DeviceType   string    `json:"deviceType"`
	Firmware     Firmware  `json:"firmware"`
	Hardware     Hardware  `json:"hardware,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	TenantID     string    `json:"tenantId"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	MessageID    string    `json:"messageId,omitempty"`
	Signature    string    `json:"signature,omitempty"`
}

// MessagePublisher is an interface to publish a message to a device
// topic. Both the embedded broker and the protocol manager satisfy it.
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}
