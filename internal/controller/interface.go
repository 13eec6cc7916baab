package controller

import (
	"codeberg.org/mutker/modectl/internal/applier"
	"codeberg.org/mutker/modectl/internal/profile"
	"codeberg.org/mutker/modectl/internal/services"
)

// Store persists the last applied profile across restarts
type Store interface {
	// Save records the profile name; failure is the caller's to log
	Save(name profile.Name) error
	// Load returns the last saved profile name, defaulting to balanced
	// on any read or parse failure
	Load() profile.Name
}

// Event describes a completed profile change
type Event struct {
	Old       profile.Name
	New       profile.Name
	Report    applier.Report
	Suspended services.Suspension
}

// Listener consumes profile-change events. Listeners run on the apply
// path and must not block; UI concerns (notifications, popups) hang off
// this seam so their availability never affects core correctness.
type Listener interface {
	ProfileChanged(Event)
}
