package applier

import (
	"context"
	"strconv"
	"time"

	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/profile"
	"codeberg.org/mutker/modectl/internal/syscmd"
	"codeberg.org/mutker/modectl/internal/sysfs"
)

const (
	// governorRetries bounds the write/verify rounds for the governor
	governorRetries = 5

	// retryDelay between governor verification rounds
	retryDelay = 300 * time.Millisecond
)

// legacyGovernorDaemons re-assert their own governor when left running,
// so they are stopped inside each write round of an explicit
// performance request. Never restarted.
var legacyGovernorDaemons = []string{"cpufreq-ondemand", "cpufreq-conservative"}

// Applier writes resolved settings to the host. Both the privileged
// cpupower path and the direct sysfs path are attempted for CPU
// settings; partial success is accepted and recorded, never raised.
type Applier struct {
	cpufreq *sysfs.CPUFreq
	gpu     *sysfs.GPU
	runner  syscmd.Runner
	log     logger.Logger

	retries int
	delay   time.Duration
}

func New(cpufreq *sysfs.CPUFreq, gpu *sysfs.GPU, runner syscmd.Runner, log logger.Logger) *Applier {
	return &Applier{
		cpufreq: cpufreq,
		gpu:     gpu,
		runner:  runner,
		log:     log,
		retries: governorRetries,
		delay:   retryDelay,
	}
}

// Apply writes the resolved governor (with verification retries), the
// frequency ceiling (write-once) and the GPU power level (best-effort)
// for the given profile. Never returns an error: every failure mode
// degrades to a report entry and a log line.
func (a *Applier) Apply(ctx context.Context, prof profile.Profile, resolution profile.Resolution) Report {
	report := Report{
		RequestedGovernor: prof.Governor,
		ResolvedGovernor:  resolution.Governor,
		FellBack:          resolution.FellBack,
		Degraded:          resolution.Degraded,
	}

	a.log.Info().
		Str("governor", resolution.Governor).
		Int("max_freq_khz", prof.MaxFreqKHz).
		Msg("Applying CPU settings")

	a.applyGovernor(ctx, resolution.Governor, &report)
	a.applyFrequency(ctx, prof.MaxFreqKHz, &report)

	report.GPUCardsWritten = a.gpu.SetPowerLevel(string(prof.GPUPower))
	a.log.Debug().
		Str("level", string(prof.GPUPower)).
		Int("cards", report.GPUCardsWritten).
		Msg("GPU power level applied")

	if !report.Converged {
		a.log.Warn().
			Str("governor", resolution.Governor).
			Int("attempts", report.Attempts).
			Msg("Governor did not converge, accepting best-effort result")
	}

	return report
}

// WriteAll is the consolidated core-setting write shared by the initial
// apply and the reconciliation loop: governor and frequency ceiling to
// every core, one round, no verification, each core independent.
func (a *Applier) WriteAll(ctx context.Context, governor string, freqKHz int) Report {
	report := Report{ResolvedGovernor: governor}
	a.writeGovernorCores(governor, &report)
	a.applyFrequency(ctx, freqKHz, &report)

	return report
}

func (a *Applier) applyGovernor(ctx context.Context, governor string, report *Report) {
	for attempt := 1; attempt <= a.retries; attempt++ {
		report.Attempts = attempt

		if err := a.runner.Sudo(ctx, "cpupower", "frequency-set", "-g", governor); err != nil {
			a.log.Debug().Err(err).Msg("cpupower governor write failed, relying on sysfs path")
		} else {
			report.CPUPowerGovernorSet = true
		}

		a.writeGovernorCores(governor, report)

		if governor == "performance" {
			a.stopGovernorDaemons(ctx)
		}

		current, err := a.cpufreq.ReadGovernor(0)
		if err == nil && current == governor {
			report.Converged = true
			a.log.Info().Str("governor", current).Msg("Governor set")
			return
		}
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to read back governor")
		} else {
			a.log.Warn().
				Int("attempt", attempt).
				Str("current", current).
				Str("want", governor).
				Msg("Governor not yet applied")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.delay):
		}
	}
}

func (a *Applier) writeGovernorCores(governor string, report *Report) {
	report.GovernorCoresWritten = 0
	report.GovernorCoresFailed = 0
	for _, cpu := range a.cpufreq.CPUs() {
		written, err := a.cpufreq.WriteGovernor(cpu, governor)
		if err != nil {
			report.GovernorCoresFailed++
			report.Errors = append(report.Errors, err)
			a.log.Debug().Err(err).Int("cpu", cpu).Msg("Failed to write governor")
			continue
		}
		if written {
			report.GovernorCoresWritten++
		}
	}
}

func (a *Applier) stopGovernorDaemons(ctx context.Context) {
	if !a.runner.Available("systemctl") {
		return
	}

	for _, svc := range legacyGovernorDaemons {
		if err := a.runner.Sudo(ctx, "systemctl", "stop", svc); err != nil {
			a.log.Debug().Err(err).Str("service", svc).Msg("Legacy governor daemon stop failed")
		}
	}
}

func (a *Applier) applyFrequency(ctx context.Context, freqKHz int, report *Report) {
	if err := a.runner.Sudo(ctx, "cpupower", "frequency-set", "-u", strconv.Itoa(freqKHz)); err != nil {
		a.log.Debug().Err(err).Msg("cpupower frequency write failed, relying on sysfs path")
	} else {
		report.CPUPowerFreqSet = true
	}

	for _, cpu := range a.cpufreq.CPUs() {
		written, err := a.cpufreq.WriteMaxFreq(cpu, freqKHz)
		if err != nil {
			report.FreqCoresFailed++
			report.Errors = append(report.Errors, err)
			a.log.Debug().Err(err).Int("cpu", cpu).Msg("Failed to write frequency ceiling")
			continue
		}
		if written {
			report.FreqCoresWritten++
		}
	}
}
