package ota

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/iot"
	"github.com/relabs-tech/gartenio/iot/ota/artifact"
	"github.com/relabs-tech/gartenio/iot/topic"
)

// Upgrade priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// downloadURLExpiry bounds how long an advertised artifact URL stays
// valid.
const downloadURLExpiry = 24 * time.Hour

// TargetFirmware describes the offered release.
type TargetFirmware struct {
	Version     string       `json:"version"`
	Build       string       `json:"build,omitempty"`
	Channel     string       `json:"channel"`
	URL         string       `json:"url,omitempty"`
	Checksum    string       `json:"checksum,omitempty"`
	Size        int64        `json:"size,omitempty"`
	Force       int          `json:"force"`
	Constraints *Constraints `json:"constraints,omitempty"`
}

// UpgradeStrategy tells the device how to apply the offer.
type UpgradeStrategy struct {
	Force      bool        `json:"force"`
	Priority   string      `json:"priority"`
	TimeWindow *TimeWindow `json:"timeWindow,omitempty"`
	Rollback   bool        `json:"rollback"`
}

// Decision is the outcome of a single bootstrap call. It is computed
// fresh every time and never cached.
type Decision struct {
	Available bool             `json:"available"`
	Target    *TargetFirmware  `json:"targetFirmware,omitempty"`
	Strategy  *UpgradeStrategy `json:"strategy,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

func unavailable(reason string) Decision {
	return Decision{Available: false, Reason: reason}
}

// History records when a device last upgraded. Persistence of the
// timestamp is an external collaborator; implementations live in this
// package (in-memory) and behind core/registry (postgres).
type History interface {
	LastUpgrade(tenantID, deviceID string) (time.Time, error)
	RecordUpgrade(tenantID, deviceID string, at time.Time) error
}

// Decider computes OTA decisions against a catalog snapshot.
type Decider struct {
	history   History
	artifacts artifact.Driver
	now       func() time.Time

	mu      sync.RWMutex
	catalog *Catalog
}

// Builder assembles a Decider.
type Builder struct {
	// Catalog is the initial release catalog. This is mandatory.
	Catalog *Catalog
	// History is the upgrade throttle store. Optional; without it the
	// throttle is disabled.
	History History
	// Artifacts resolves catalog keys to download URLs. Optional;
	// releases may carry absolute URLs instead.
	Artifacts artifact.Driver
	// Now is the clock, for tests. Optional.
	Now func() time.Time
}

// MustNewDecider returns a new Decider and panics on a missing
// catalog.
func MustNewDecider(b *Builder) *Decider {
	if b.Catalog == nil {
		panic("catalog is missing")
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	return &Decider{
		history:   b.History,
		artifacts: b.Artifacts,
		now:       now,
		catalog:   b.Catalog,
	}
}

// Reload swaps the catalog snapshot.
func (d *Decider) Reload(catalog *Catalog) {
	if catalog == nil {
		return
	}
	d.mu.Lock()
	d.catalog = catalog
	d.mu.Unlock()
}

func (d *Decider) snapshot() *Catalog {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.catalog
}

// Decide computes the OTA decision for a bootstrap request.
func (d *Decider) Decide(ctx context.Context, request iot.BootstrapRequest, tenantID string) Decision {
	catalog := d.snapshot()

	tenant, ok := catalog.Tenants[tenantID]
	if !ok {
		return unavailable("unknown_tenant")
	}

	channel := request.Firmware.Channel
	if !tenant.allowsChannel(channel) {
		return unavailable("channel_not_allowed")
	}

	deviceType := topic.NormalizeDeviceType(request.DeviceType)
	release := catalog.newest(channel, deviceType)
	if release == nil {
		return unavailable("no_release")
	}
	if CompareVersions(release.Version, request.Firmware.Current) <= 0 {
		return unavailable("up_to_date")
	}

	if d.history != nil {
		last, err := d.history.LastUpgrade(tenantID, request.DeviceID)
		if err != nil {
			// throttle store trouble must not block security releases
			logger.FromContext(ctx).WithError(err).Warn("upgrade history unavailable")
		} else if !last.IsZero() && d.now().Sub(last) < tenant.minInterval(channel) {
			return unavailable("upgrade_throttled")
		}
	}

	force := release.isSecurity() || tenant.ForceUpgrade
	priority := channelPriority(channel)
	if force {
		priority = PriorityCritical
	}

	target := &TargetFirmware{
		Version:     release.Version,
		Build:       release.Build,
		Channel:     release.Channel,
		URL:         release.URL,
		Checksum:    release.Checksum,
		Size:        release.Size,
		Constraints: release.Constraints,
	}
	if force {
		target.Force = 1
	}
	if d.artifacts != nil && release.Key != "" {
		url, err := d.artifacts.PresignedDownloadURL(ctx, release.Key, d.now().Add(downloadURLExpiry))
		if err != nil {
			logger.FromContext(ctx).WithError(err).Error("cannot presign artifact URL")
			return unavailable("artifact_unavailable")
		}
		target.URL = url
	}

	strategy := &UpgradeStrategy{
		Force:    force,
		Priority: priority,
		Rollback: force, // forced upgrades always keep a rollback path
	}
	if release.Constraints != nil {
		strategy.TimeWindow = release.Constraints.TimeWindow
	}

	return Decision{Available: true, Target: target, Strategy: strategy}
}

func channelPriority(channel string) string {
	switch channel {
	case iot.ChannelDev:
		return PriorityLow
	case iot.ChannelBeta:
		return PriorityMedium
	default:
		return PriorityHigh
	}
}
