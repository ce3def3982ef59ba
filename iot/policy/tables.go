package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Logical channel keys of the per-channel rule table.
const (
	ruleTelemetry      = "telemetry"
	ruleStatus         = "status"
	ruleEvent          = "event"
	ruleCommand        = "cmd"
	ruleCmdRes         = "cmdres"
	ruleShadowDesired  = "shadow_desired"
	ruleShadowReported = "shadow_reported"
	ruleConfig         = "cfg"
	ruleOtaProgress    = "ota_progress"
)

// ChannelRule is the QoS/retain baseline for one logical channel.
type ChannelRule struct {
	Qos    byte   `yaml:"qos"`
	Retain bool   `yaml:"retain"`
	Reason string `yaml:"reason"`
}

// Tables is an immutable snapshot of the static policy tables. A
// snapshot is never mutated after construction; reload builds a new one
// and swaps it in.
type Tables struct {
	// Channels maps logical channel keys to their baseline rule.
	Channels map[string]ChannelRule `yaml:"channels"`
	// DenyPatterns are appended to every device ACL, independent of
	// device type. Deny always wins over allow.
	DenyPatterns []string `yaml:"denyPatterns"`
	// WarmupDeviceTypes are the device types for which Warmup creates
	// resolvers per tenant.
	WarmupDeviceTypes []string `yaml:"warmupDeviceTypes"`
}

// DefaultTables returns the built-in policy tables.
func DefaultTables() *Tables {
	return &Tables{
		Channels: map[string]ChannelRule{
			ruleTelemetry:      {Qos: 1, Retain: false, Reason: "reliable_sensor_data"},
			ruleStatus:         {Qos: 1, Retain: true, Reason: "availability_snapshot"},
			ruleEvent:          {Qos: 1, Retain: false, Reason: "reliable_events"},
			ruleCommand:        {Qos: 1, Retain: false, Reason: "reliable_commands"},
			ruleCmdRes:         {Qos: 1, Retain: false, Reason: "reliable_commands"},
			ruleShadowDesired:  {Qos: 1, Retain: true, Reason: "state_sync"},
			ruleShadowReported: {Qos: 1, Retain: false, Reason: "state_sync"},
			ruleConfig:         {Qos: 1, Retain: true, Reason: "config_snapshot"},
			ruleOtaProgress:    {Qos: 1, Retain: false, Reason: "upgrade_tracking"},
		},
		DenyPatterns: []string{
			"iot/+/+/+/admin/+",
			"iot/+/+/+/system/+",
			"iot/+/+/+/debug/+",
		},
		WarmupDeviceTypes: []string{"sensor", "actuator", "gateway"},
	}
}

// LoadTables reads policy tables from a YAML file. Channels missing
// from the file keep their built-in defaults, so a file only needs to
// list deviations.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read policy tables: %w", err)
	}
	loaded := Tables{}
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("cannot parse policy tables %s: %w", path, err)
	}

	tables := DefaultTables()
	for key, rule := range loaded.Channels {
		if _, ok := tables.Channels[key]; !ok {
			return nil, fmt.Errorf("unknown channel %q in policy tables %s", key, path)
		}
		if rule.Qos > 2 {
			return nil, fmt.Errorf("invalid qos %d for channel %q", rule.Qos, key)
		}
		tables.Channels[key] = rule
	}
	if len(loaded.DenyPatterns) > 0 {
		tables.DenyPatterns = loaded.DenyPatterns
	}
	if len(loaded.WarmupDeviceTypes) > 0 {
		tables.WarmupDeviceTypes = loaded.WarmupDeviceTypes
	}
	return tables, nil
}

// Source provides policy table snapshots for the Registry. Reload
// calls Load again and swaps the whole registry to the new snapshot.
type Source interface {
	Load() (*Tables, error)
}

// FileSource loads tables from a YAML file on every Load.
type FileSource string

// Load implements Source.
func (f FileSource) Load() (*Tables, error) { return LoadTables(string(f)) }

// StaticSource always returns the same snapshot. Used in tests and in
// deployments without a policy file.
type StaticSource struct{ Tables *Tables }

// Load implements Source.
func (s StaticSource) Load() (*Tables, error) {
	if s.Tables == nil {
		return DefaultTables(), nil
	}
	return s.Tables, nil
}
