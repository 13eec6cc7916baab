package notify

import (
	"context"
	"strings"
	"time"

	"codeberg.org/mutker/modectl/internal/controller"
	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/syscmd"
)

// sendTimeout bounds a notify-send invocation so a hung notification
// daemon cannot stall the caller.
const sendTimeout = 3 * time.Second

// Urgency levels understood by notify-send
const (
	UrgencyNormal   = "normal"
	UrgencyCritical = "critical"
)

// Notifier delivers desktop notifications via notify-send. Delivery
// failure is logged, never fatal.
type Notifier struct {
	runner syscmd.Runner
	log    logger.Logger
}

func New(runner syscmd.Runner, log logger.Logger) *Notifier {
	return &Notifier{runner: runner, log: log}
}

// Notify sends one notification with the given urgency
func (n *Notifier) Notify(title, message, urgency string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := n.runner.Run(ctx, "notify-send", "-u", urgency, title, message); err != nil {
		n.log.Warn().Err(err).Str("title", title).Str("message", message).Msg("Notification delivery failed")
		return
	}

	n.log.Info().Str("title", title).Str("message", message).Msg("Notification sent")
}

// Alert implements the thermal guard's alerter with critical urgency
func (n *Notifier) Alert(title, message string) {
	n.Notify(title, message, UrgencyCritical)
}

// ProfileChanged implements controller.Listener, announcing the newly
// applied profile.
func (n *Notifier) ProfileChanged(event controller.Event) {
	n.Notify("Performance Mode", strings.ToUpper(string(event.New))+" profile applied", UrgencyNormal)
}
