package services

import (
	"context"
	"time"

	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/profile"
	"codeberg.org/mutker/modectl/internal/syscmd"
)

const (
	// tlpService is the power-management service that is masked (not
	// merely stopped) for the duration of a governor change, because it
	// rewrites the governor on its own timers.
	tlpService = "tlp"

	// settleDelay gives the service manager time to finish stopping TLP
	// before the governor write starts.
	settleDelay = 500 * time.Millisecond

	// restartGrace avoids the race where a freshly restarted TLP reverts
	// the governor that was written moments ago.
	restartGrace = 2 * time.Second
)

// conflictingServices are stopped (without masking) when active, since
// each of them fights over governor and frequency control.
var conflictingServices = []string{"power-profiles-daemon", "tuned", "auto-cpufreq"}

// Suspension records which services were observed active and stopped at
// the start of an apply, so the same apply can restore them at its end.
// Never persisted.
type Suspension struct {
	TLPWasActive bool
	Stopped      []string
}

// Coordinator pauses and restores system services that compete for
// governor control. Every operation is best-effort: a missing service
// manager or privilege wrapper degrades to logged no-ops.
type Coordinator struct {
	runner syscmd.Runner
	log    logger.Logger

	settle time.Duration
	grace  time.Duration
}

func NewCoordinator(runner syscmd.Runner, log logger.Logger) *Coordinator {
	return &Coordinator{
		runner: runner,
		log:    log,
		settle: settleDelay,
		grace:  restartGrace,
	}
}

// Suspend stops the services known to fight over governor control and
// returns the record needed to restore them.
func (c *Coordinator) Suspend(ctx context.Context) Suspension {
	var susp Suspension

	if !c.runner.Available("systemctl") {
		c.log.Info().Msg("systemctl not found, skipping service management")
		return susp
	}

	if c.isActive(ctx, tlpService) {
		c.log.Info().Msg("TLP service is active, will be managed during governor change")
		if c.stop(ctx, tlpService) && c.mask(ctx, tlpService) {
			susp.TLPWasActive = true
			c.log.Info().Msg("TLP service stopped and masked")
			c.sleep(ctx, c.settle)
		}
	}

	for _, svc := range conflictingServices {
		if !c.isActive(ctx, svc) {
			continue
		}
		if c.stop(ctx, svc) {
			susp.Stopped = append(susp.Stopped, svc)
			c.log.Info().Str("service", svc).Msg("Temporarily stopped conflicting service")
		}
	}

	return susp
}

// Restore undoes the suspension after the settings have been applied.
// TLP is restarted only when the new profile uses the auto governor;
// for an explicit governor it is unmasked but left stopped so it cannot
// fight the setting. The other stopped services are restarted
// best-effort regardless.
func (c *Coordinator) Restore(ctx context.Context, susp Suspension, desiredGovernor string) {
	if !c.runner.Available("systemctl") {
		return
	}

	if susp.TLPWasActive {
		if desiredGovernor == profile.AutoGovernor {
			c.sleep(ctx, c.grace)
			c.unmask(ctx, tlpService)
			c.start(ctx, tlpService)
			c.log.Info().Msg("TLP service unmasked and restarted")
		} else {
			c.unmask(ctx, tlpService)
			c.log.Info().Msg("TLP unmasked but not restarted to prevent conflicts")
		}
	}

	for _, svc := range susp.Stopped {
		c.start(ctx, svc)
	}
}

func (c *Coordinator) isActive(ctx context.Context, service string) bool {
	// is-active exits zero only for an active unit
	return c.runner.Run(ctx, "systemctl", "is-active", service) == nil
}

func (c *Coordinator) stop(ctx context.Context, service string) bool {
	return c.sudoctl(ctx, "stop", service)
}

func (c *Coordinator) mask(ctx context.Context, service string) bool {
	return c.sudoctl(ctx, "mask", service)
}

func (c *Coordinator) unmask(ctx context.Context, service string) bool {
	return c.sudoctl(ctx, "unmask", service)
}

func (c *Coordinator) start(ctx context.Context, service string) bool {
	return c.sudoctl(ctx, "start", service)
}

func (c *Coordinator) sudoctl(ctx context.Context, verb, service string) bool {
	if err := c.runner.Sudo(ctx, "systemctl", verb, service); err != nil {
		c.log.Warn().Err(err).Str("service", service).Str("verb", verb).Msg("Service operation failed")
		return false
	}

	return true
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
