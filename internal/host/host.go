package host

import (
	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/syscmd"
	"codeberg.org/mutker/modectl/internal/sysfs"
)

// Capabilities is a point-in-time snapshot of what the host offers for
// power control. Governors can change under us (driver reload), so the
// snapshot is recomputed on every application attempt and never cached.
type Capabilities struct {
	AvailableGovernors []string
	HasCPUPower        bool
	HasServiceManager  bool
	HasSudo            bool
}

// Inspect queries the governor inventory and the privileged tooling
func Inspect(cpufreq *sysfs.CPUFreq, runner syscmd.Runner) Capabilities {
	return Capabilities{
		AvailableGovernors: cpufreq.AvailableGovernors(),
		HasCPUPower:        runner.Available("cpupower"),
		HasServiceManager:  runner.Available("systemctl"),
		HasSudo:            runner.Available("sudo"),
	}
}

// LogSummary logs the capability snapshot, mirroring the startup
// dependency check.
func (c Capabilities) LogSummary(log logger.Logger) {
	if c.HasCPUPower {
		log.Info().Msg("cpupower: available")
	} else {
		log.Warn().Msg("cpupower: not found, falling back to sysfs writes")
	}
	if !c.HasServiceManager {
		log.Warn().Msg("systemctl not found, service management will be skipped")
	}
	if len(c.AvailableGovernors) == 0 {
		log.Error().Msg("could not read available governors")
	} else {
		log.Info().Strs("governors", c.AvailableGovernors).Msg("Available CPU governors")
	}
}
