package reconcile

import (
	"context"
	"time"

	"codeberg.org/mutker/modectl/internal/applier"
	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/profile"
	"codeberg.org/mutker/modectl/internal/sysfs"
)

// DefaultInterval between drift checks
const DefaultInterval = 3 * time.Second

// Loop periodically re-asserts the profile's governor and frequency
// ceiling against external interference. Other power services share the
// same control files without locking; the design accepts
// last-writer-wins and corrects drift here instead of preventing it.
type Loop struct {
	cpufreq  *sysfs.CPUFreq
	applier  *applier.Applier
	log      logger.Logger
	interval time.Duration
}

func NewLoop(cpufreq *sysfs.CPUFreq, app *applier.Applier, log logger.Logger, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Loop{
		cpufreq:  cpufreq,
		applier:  app,
		log:      log,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled, checking for governor drift every
// interval. Cancellation is observed within one interval.
func (l *Loop) Run(ctx context.Context, prof profile.Profile) {
	l.log.Info().Str("profile", string(prof.Name)).Msg("Governor reconciliation started")
	defer l.log.Info().Msg("Governor reconciliation stopped")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.check(ctx, prof)
		}
	}
}

func (l *Loop) check(ctx context.Context, prof profile.Profile) {
	// Re-resolve every round: a driver reload can change the inventory
	resolution := profile.ResolveGovernor(prof.Governor, l.cpufreq.AvailableGovernors())

	current, err := l.cpufreq.ReadGovernor(0)
	if err != nil {
		l.log.Debug().Err(err).Msg("Skipping drift check, governor unreadable")
		return
	}

	if current == resolution.Governor {
		return
	}

	l.log.Info().
		Str("current", current).
		Str("want", resolution.Governor).
		Msg("Governor drift detected, restoring")

	report := l.applier.WriteAll(ctx, resolution.Governor, prof.MaxFreqKHz)
	if report.GovernorCoresFailed > 0 || report.FreqCoresFailed > 0 {
		l.log.Warn().
			Int("governor_failed", report.GovernorCoresFailed).
			Int("freq_failed", report.FreqCoresFailed).
			Msg("Partial restore, some cores were not writable")
	}
}
