/*Package capability classifies a device's declared capability names
into a typed capability profile. Detection is a pure function; the
profile is computed once at ingestion and passed by value through the
rest of the pipeline.
*/
package capability

import "strings"

// Well-known capability names.
const (
	LowPowerMode = "low_power_mode"
	NoOta        = "no_ota"
	NoShadow     = "no_shadow"
)

// sensorCapabilities is the fixed set of capability names that mark a
// device as sensor-bearing.
var sensorCapabilities = map[string]bool{
	"temperature": true,
	"humidity":    true,
	"pressure":    true,
	"motion":      true,
	"light":       true,
	"air_quality": true,
	"gps":         true,
}

// Profile is the derived classification of a device.
type Profile struct {
	IsLowPower     bool `json:"isLowPower"`
	HasSensors     bool `json:"hasSensors"`
	IsGateway      bool `json:"isGateway"`
	SupportsOta    bool `json:"supportsOta"`
	SupportsShadow bool `json:"supportsShadow"`
}

// Detect computes the capability profile from the normalized device
// type and the declared capability names. It has no side effects and
// never fails.
func Detect(deviceType string, capabilities []string) Profile {
	declared := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		declared[strings.ToLower(strings.TrimSpace(c))] = true
	}

	p := Profile{
		IsLowPower:     declared[LowPowerMode] || deviceType == "sensor",
		IsGateway:      deviceType == "gateway",
		SupportsOta:    !declared[NoOta],
		SupportsShadow: !declared[NoShadow],
	}
	for name := range declared {
		if sensorCapabilities[name] {
			p.HasSensors = true
			break
		}
	}
	return p
}
