package ota

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/protocol"
	"github.com/relabs-tech/gartenio/protocol/bus"
)

// progressReport is the payload devices publish on their ota channels.
// Only the fields the throttle needs are decoded.
type progressReport struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Version  string `json:"version"`
}

// completed reports whether the device finished applying the upgrade.
func (p progressReport) completed() bool {
	switch p.Status {
	case "completed", "success", "installed":
		return true
	case "":
		return p.Progress >= 100
	}
	return false
}

// ConsumeProgress subscribes to the bus and records the upgrade
// timestamp whenever a device reports a finished upgrade on its
// ota-progress or ota-status channel. This is what arms the
// upgrade-interval throttle. The returned function cancels the
// subscription.
func (d *Decider) ConsumeProgress(b bus.Bus) (func(), error) {
	return b.Subscribe(func(ctx context.Context, e bus.Envelope) {
		if e.Type != string(protocol.TypeOtaProgress) && e.Type != string(protocol.TypeOtaStatus) {
			return
		}
		var report progressReport
		if err := json.Unmarshal(e.Payload, &report); err != nil {
			logger.FromContext(ctx).Warningln("ota: dropping invalid progress report from:", e.DeviceID)
			return
		}
		if !report.completed() {
			return
		}
		if d.history == nil {
			return
		}
		if err := d.history.RecordUpgrade(e.TenantID, e.DeviceID, d.now()); err != nil {
			logger.FromContext(ctx).Errorln("ota: cannot record upgrade:", err.Error())
			return
		}
		logger.FromContext(ctx).WithField("identity", e.TenantID+"/"+e.DeviceID).
			Infoln("ota: upgrade completed, version", report.Version)
	})
}
