package thermal

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/modectl/internal/logger"
)

const (
	// DefaultInterval between temperature polls
	DefaultInterval = 5 * time.Second

	// DefaultThreshold in °C above which an alert is raised
	DefaultThreshold = 88.0

	// DefaultCooldown between consecutive alerts
	DefaultCooldown = 30 * time.Second
)

// Alerter delivers a thermal alert. Delivery failure is the
// implementation's problem; the guard does not retry.
type Alerter interface {
	Alert(title, message string)
}

// Guard polls the CPU temperature and raises a rate-limited critical
// alert when it exceeds the threshold. A failed sensor read skips the
// iteration; the guard never stops on its own.
type Guard struct {
	reader    SensorReader
	alerter   Alerter
	log       logger.Logger
	interval  time.Duration
	threshold float64
	cooldown  time.Duration

	lastAlert time.Time
	now       func() time.Time
}

func NewGuard(reader SensorReader, alerter Alerter, log logger.Logger, interval time.Duration, threshold float64, cooldown time.Duration) *Guard {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	return &Guard{
		reader:    reader,
		alerter:   alerter,
		log:       log,
		interval:  interval,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled, polling the temperature every
// interval. Cancellation is observed within one interval.
func (g *Guard) Run(ctx context.Context) {
	g.log.Info().Msg("Thermal monitoring started")
	defer g.log.Info().Msg("Thermal monitoring stopped")

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check()
		}
	}
}

// Check performs one poll. Exposed for tests.
func (g *Guard) Check() {
	temp, err := g.reader.Read()
	if err != nil {
		g.log.Debug().Err(err).Msg("Temperature read failed, skipping iteration")
		return
	}

	if temp <= g.threshold {
		return
	}

	now := g.now()
	if !g.lastAlert.IsZero() && now.Sub(g.lastAlert) < g.cooldown {
		return
	}

	g.log.Warn().Float64("temperature", temp).Msg("High CPU temperature")
	g.alerter.Alert("Thermal Warning", formatTemp(temp))
	g.lastAlert = now
}

func formatTemp(temp float64) string {
	return fmt.Sprintf("CPU temperature: %.1f°C", temp)
}
