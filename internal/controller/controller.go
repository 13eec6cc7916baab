package controller

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/modectl/internal/applier"
	"codeberg.org/mutker/modectl/internal/host"
	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/profile"
	"codeberg.org/mutker/modectl/internal/reconcile"
	"codeberg.org/mutker/modectl/internal/services"
	"codeberg.org/mutker/modectl/internal/syscmd"
	"codeberg.org/mutker/modectl/internal/sysfs"
	"codeberg.org/mutker/modectl/internal/thermal"
)

// joinTimeout bounds how long a profile change waits for a previous
// loop to confirm termination before proceeding without it.
const joinTimeout = time.Second

// loopHandle is one background loop's independent cancellation token
// and join channel. Each loop kind gets its own handle so stopping one
// never affects the other.
type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop signals the loop and waits for confirmed termination, bounded
// by timeout. Returns false if the loop did not confirm in time.
func (h *loopHandle) stop(timeout time.Duration) bool {
	h.cancel()
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Controller owns the current-profile state and the lifecycle of the
// reconciliation and thermal loops. At most one of each loop is alive
// at any time.
type Controller struct {
	profiles *profile.Set
	cpufreq  *sysfs.CPUFreq
	applier  *applier.Applier
	coord    *services.Coordinator
	runner   syscmd.Runner
	store    Store
	guard    func() *thermal.Guard
	recon    *reconcile.Loop
	log      logger.Logger

	listeners []Listener

	mu            sync.Mutex
	current       *profile.Profile
	reconcileLoop *loopHandle
	thermalLoop   *loopHandle
}

type Params struct {
	Profiles    *profile.Set
	CPUFreq     *sysfs.CPUFreq
	Applier     *applier.Applier
	Coordinator *services.Coordinator
	Runner      syscmd.Runner
	Store       Store
	// NewGuard constructs the thermal guard when monitoring first
	// starts; the guard then survives profile changes until Shutdown
	NewGuard  func() *thermal.Guard
	Reconcile *reconcile.Loop
	Log       logger.Logger
}

func New(p Params) *Controller {
	return &Controller{
		profiles: p.Profiles,
		cpufreq:  p.CPUFreq,
		applier:  p.Applier,
		coord:    p.Coordinator,
		runner:   p.Runner,
		store:    p.Store,
		guard:    p.NewGuard,
		recon:    p.Reconcile,
		log:      p.Log,
	}
}

// AddListener registers a profile-change listener. Not safe to call
// concurrently with Apply.
func (c *Controller) AddListener(l Listener) {
	c.listeners = append(c.listeners, l)
}

// Current returns the profile currently in force, if any
func (c *Controller) Current() (profile.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return profile.Profile{}, false
	}

	return *c.current, true
}

// Cycle advances to the next profile in the fixed order. The successor
// is computed and applied under one critical section, so concurrent
// cycles each advance exactly one step.
func (c *Controller) Cycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := profile.Balanced
	if c.current != nil {
		current = c.current.Name
	}

	return c.applyLocked(ctx, c.profiles.Next(current))
}

// Apply resolves and applies the named profile, then restarts the
// background loops sized to it. Requests for unknown names are rejected
// with no state change. Concurrent requests serialize on the controller
// mutex, so at most one apply sequence is in flight.
func (c *Controller) Apply(ctx context.Context, name profile.Name) error {
	prof, err := c.profiles.Get(name)
	if err != nil {
		c.log.Error().Err(err).Str("profile", string(name)).Msg("Rejecting unknown profile")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.applyLocked(ctx, prof)
}

func (c *Controller) applyLocked(ctx context.Context, prof profile.Profile) error {
	name := prof.Name
	old := profile.Name("")
	if c.current != nil {
		old = c.current.Name
	}

	c.log.Info().Str("profile", string(name)).Msg("Applying profile")

	// Host capabilities are recomputed per attempt: a driver reload can
	// change the governor inventory between applies.
	caps := host.Inspect(c.cpufreq, c.runner)
	resolution := profile.ResolveGovernor(prof.Governor, caps.AvailableGovernors)
	if resolution.FellBack {
		c.log.Warn().
			Str("desired", prof.Governor).
			Str("resolved", resolution.Governor).
			Bool("degraded", resolution.Degraded).
			Msg("Desired governor unavailable, using fallback")
	}

	suspension := c.coord.Suspend(ctx)
	report := c.applier.Apply(ctx, prof, resolution)
	c.coord.Restore(ctx, suspension, prof.Governor)

	if err := c.store.Save(name); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist profile")
	}

	// The previous reconciliation loop must be fully stopped before a
	// new one starts, so two loops never write conflicting governors.
	// The thermal guard is profile-independent and keeps running.
	c.stopReconcileLocked()

	c.current = &prof
	c.ensureThermalLocked()
	if prof.NeedsReconciliation() {
		c.startReconcileLocked(prof)
	}

	event := Event{Old: old, New: name, Report: report, Suspended: suspension}
	for _, l := range c.listeners {
		l.ProfileChanged(event)
	}

	c.log.Info().Str("profile", string(name)).Msg("Profile applied")

	return nil
}

// Shutdown stops both loops and waits (bounded) for their termination
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLoopsLocked()
}

// LoopsAlive reports whether the reconciliation and thermal loops are
// currently running. Exposed for tests and the startup summary.
func (c *Controller) LoopsAlive() (reconcileAlive, thermalAlive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reconcileLoop != nil, c.thermalLoop != nil
}

func (c *Controller) stopLoopsLocked() {
	c.stopReconcileLocked()
	if c.thermalLoop != nil {
		if !c.thermalLoop.stop(joinTimeout) {
			c.log.Warn().Msg("Thermal loop did not stop in time")
		}
		c.thermalLoop = nil
	}
}

func (c *Controller) stopReconcileLocked() {
	if c.reconcileLoop != nil {
		if !c.reconcileLoop.stop(joinTimeout) {
			c.log.Warn().Msg("Reconciliation loop did not stop in time")
		}
		c.reconcileLoop = nil
	}
}

func (c *Controller) ensureThermalLocked() {
	if c.thermalLoop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	guard := c.guard()
	go func() {
		defer close(handle.done)
		guard.Run(ctx)
	}()
	c.thermalLoop = handle
}

func (c *Controller) startReconcileLocked(prof profile.Profile) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		c.recon.Run(ctx, prof)
	}()
	c.reconcileLoop = handle
}
