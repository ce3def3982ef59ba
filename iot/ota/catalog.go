package ota

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/gartenio/iot"
)

// TimeWindow is a daily window in which a device should apply an
// upgrade, in "HH:MM" local device time.
type TimeWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Constraints are conditions a device must satisfy before applying a
// release. The server only advertises them, it does not enforce them.
type Constraints struct {
	MinBatteryPercent int         `json:"minBatteryPercent,omitempty" yaml:"minBatteryPercent"`
	NetworkType       string      `json:"networkType,omitempty" yaml:"networkType"`
	TimeWindow        *TimeWindow `json:"timeWindow,omitempty" yaml:"timeWindow"`
	HardwareVersion   string      `json:"hardwareVersion,omitempty" yaml:"hardwareVersion"`
	DeviceTypes       []string    `json:"deviceTypes,omitempty" yaml:"deviceTypes"`
}

// Release is one catalog entry.
type Release struct {
	Channel     string       `yaml:"channel"`
	Version     string       `yaml:"version"`
	Build       string       `yaml:"build"`
	DeviceTypes []string     `yaml:"deviceTypes"`
	Key         string       `yaml:"key"`
	URL         string       `yaml:"url"`
	Checksum    string       `yaml:"checksum"`
	Size        int64        `yaml:"size"`
	Constraints *Constraints `yaml:"constraints"`
}

func (r Release) appliesTo(deviceType string) bool {
	if len(r.DeviceTypes) == 0 {
		return true
	}
	for _, dt := range r.DeviceTypes {
		if dt == deviceType {
			return true
		}
	}
	return false
}

// security releases carry a marker in the version string
func (r Release) isSecurity() bool {
	v := strings.ToLower(r.Version)
	return strings.Contains(v, "security") || strings.Contains(v, "critical")
}

// Duration parses YAML durations in time.ParseDuration notation
// ("24h", "30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// TenantPolicy is the per-tenant upgrade policy.
type TenantPolicy struct {
	AllowedChannels []string            `yaml:"allowedChannels"`
	ForceUpgrade    bool                `yaml:"forceUpgrade"`
	MinInterval     map[string]Duration `yaml:"minUpgradeInterval"`
}

func (p TenantPolicy) allowsChannel(channel string) bool {
	for _, c := range p.AllowedChannels {
		if c == channel {
			return true
		}
	}
	return false
}

func (p TenantPolicy) minInterval(channel string) time.Duration {
	if d, ok := p.MinInterval[channel]; ok {
		return time.Duration(d)
	}
	return defaultMinInterval[channel]
}

var defaultMinInterval = map[string]time.Duration{
	iot.ChannelStable: 24 * time.Hour,
	iot.ChannelBeta:   6 * time.Hour,
	iot.ChannelDev:    time.Hour,
}

// Catalog is an immutable snapshot of releases and tenant policies.
type Catalog struct {
	Tenants  map[string]TenantPolicy `yaml:"tenants"`
	Releases []Release               `yaml:"releases"`
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read catalog: %w", err)
	}
	catalog := Catalog{}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("cannot parse catalog %s: %w", path, err)
	}
	for _, r := range catalog.Releases {
		switch r.Channel {
		case iot.ChannelStable, iot.ChannelBeta, iot.ChannelDev:
		default:
			return nil, fmt.Errorf("release %s has unknown channel %q", r.Version, r.Channel)
		}
	}
	return &catalog, nil
}

// newest returns the highest-versioned release on the channel that
// applies to the device type, or nil.
func (c *Catalog) newest(channel, deviceType string) *Release {
	var candidates []Release
	for _, r := range c.Releases {
		if r.Channel == channel && r.appliesTo(deviceType) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return CompareVersions(candidates[i].Version, candidates[j].Version) > 0
	})
	return &candidates[0]
}

// CompareVersions compares two dotted version strings numerically,
// segment by segment. Non-numeric suffixes after '-' or '+' are
// ignored for ordering. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	trim := func(v string) string {
		if i := strings.IndexAny(v, "-+"); i >= 0 {
			return v[:i]
		}
		return v
	}
	as := strings.Split(trim(a), ".")
	bs := strings.Split(trim(b), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}
