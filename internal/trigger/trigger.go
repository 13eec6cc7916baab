package trigger

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Source delivers payload-free "advance profile" signals. The physical
// input device that originates them is outside this daemon; anything
// that can raise SIGUSR1 (a udev rule, a hotkey daemon, systemd) can
// drive the cycle.
type Source interface {
	// Events returns the channel on which cycle requests arrive. The
	// channel closes when the source shuts down.
	Events() <-chan struct{}
}

type signalSource struct {
	events chan struct{}
}

// NewSignalSource returns a Source that maps SIGUSR1 to cycle requests
// until ctx is cancelled.
func NewSignalSource(ctx context.Context) Source {
	s := &signalSource{events: make(chan struct{}, 1)}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)

	go func() {
		defer close(s.events)
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				select {
				case s.events <- struct{}{}:
				default:
					// A cycle is already pending; coalesce
				}
			}
		}
	}()

	return s
}

func (s *signalSource) Events() <-chan struct{} {
	return s.events
}
