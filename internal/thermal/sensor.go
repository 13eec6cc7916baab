package thermal

import (
	"strings"

	"codeberg.org/mutker/modectl/internal/errors"
	"github.com/shirou/gopsutil/v3/host"
)

// SensorReader reports the highest CPU temperature currently visible
type SensorReader interface {
	Read() (float64, error)
}

// preferredChips are consulted in order before falling back to any
// sensor the host reports.
var preferredChips = []string{"coretemp", "k10temp", "acpi"}

type hostSensors struct{}

// NewHostSensors returns a SensorReader backed by the host's hwmon
// sensors.
func NewHostSensors() SensorReader {
	return hostSensors{}
}

func (hostSensors) Read() (float64, error) {
	stats, err := host.SensorsTemperatures()
	if err != nil && len(stats) == 0 {
		return 0, errors.New().Wrap(errors.ErrSensorUnavailable, err)
	}
	if len(stats) == 0 {
		return 0, errors.New().New(errors.ErrSensorUnavailable)
	}

	for _, chip := range preferredChips {
		if max, ok := maxForChip(stats, chip); ok {
			return max, nil
		}
	}

	// Generic fallback: the hottest sensor of any chip
	max := stats[0].Temperature
	for _, s := range stats[1:] {
		if s.Temperature > max {
			max = s.Temperature
		}
	}

	return max, nil
}

func maxForChip(stats []host.TemperatureStat, chip string) (float64, bool) {
	max, found := 0.0, false
	for _, s := range stats {
		if !strings.Contains(s.SensorKey, chip) {
			continue
		}
		if !found || s.Temperature > max {
			max = s.Temperature
		}
		found = true
	}

	return max, found
}
