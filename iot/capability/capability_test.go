package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name         string
		deviceType   string
		capabilities []string
		want         Profile
	}{
		{
			name:       "plain actuator",
			deviceType: "actuator",
			want:       Profile{SupportsOta: true, SupportsShadow: true},
		},
		{
			name:       "sensor type implies low power",
			deviceType: "sensor",
			want:       Profile{IsLowPower: true, SupportsOta: true, SupportsShadow: true},
		},
		{
			name:         "low power capability",
			deviceType:   "actuator",
			capabilities: []string{"low_power_mode"},
			want:         Profile{IsLowPower: true, SupportsOta: true, SupportsShadow: true},
		},
		{
			name:       "gateway",
			deviceType: "gateway",
			want:       Profile{IsGateway: true, SupportsOta: true, SupportsShadow: true},
		},
		{
			name:         "sensor-bearing gateway",
			deviceType:   "gateway",
			capabilities: []string{"temperature", "humidity"},
			want:         Profile{IsGateway: true, HasSensors: true, SupportsOta: true, SupportsShadow: true},
		},
		{
			name:         "explicit opt-outs",
			deviceType:   "actuator",
			capabilities: []string{"no_ota", "no_shadow"},
			want:         Profile{},
		},
		{
			name:         "capability names are case insensitive",
			deviceType:   "actuator",
			capabilities: []string{" Low_Power_Mode ", "TEMPERATURE"},
			want:         Profile{IsLowPower: true, HasSensors: true, SupportsOta: true, SupportsShadow: true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(tc.deviceType, tc.capabilities))
		})
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	caps := []string{"temperature", "low_power_mode", "gps"}
	first := Detect("sensor", caps)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Detect("sensor", caps))
	}
}
