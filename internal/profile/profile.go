package profile

import (
	"codeberg.org/mutker/modectl/internal/errors"
)

// Name identifies one of the fixed power profiles
type Name string

const (
	Powersave   Name = "powersave"
	Balanced    Name = "balanced"
	Performance Name = "performance"
)

// GPUPowerLevel maps onto the DRM power_dpm_force_performance_level values
type GPUPowerLevel string

const (
	GPULow  GPUPowerLevel = "low"
	GPUAuto GPUPowerLevel = "auto"
	GPUHigh GPUPowerLevel = "high"
)

// AutoGovernor is the scheduler-driven governor used by the balanced
// profile. A suspended power-management service is only restarted when
// switching back to this governor.
const AutoGovernor = "schedutil"

// Profile bundles the CPU governor, frequency ceiling and GPU power
// level that are applied together. Immutable once constructed.
type Profile struct {
	Name       Name
	Governor   string
	MaxFreqKHz int
	GPUPower   GPUPowerLevel
}

// Frequencies carries the configurable per-profile frequency ceilings
type Frequencies struct {
	PowersaveKHz   int
	BalancedKHz    int
	PerformanceKHz int
}

// Set is the fixed, ordered collection of the three profiles. The order
// defines the cycle sequence for the trigger source.
type Set struct {
	profiles []Profile
}

// NewSet builds the profile table with the given frequency ceilings
func NewSet(freqs Frequencies) *Set {
	return &Set{
		profiles: []Profile{
			{Name: Powersave, Governor: "powersave", MaxFreqKHz: freqs.PowersaveKHz, GPUPower: GPULow},
			{Name: Balanced, Governor: AutoGovernor, MaxFreqKHz: freqs.BalancedKHz, GPUPower: GPUAuto},
			{Name: Performance, Governor: "performance", MaxFreqKHz: freqs.PerformanceKHz, GPUPower: GPUHigh},
		},
	}
}

// Get returns the profile for the given name, or ErrUnknownProfile
func (s *Set) Get(name Name) (Profile, error) {
	for _, p := range s.profiles {
		if p.Name == name {
			return p, nil
		}
	}

	return Profile{}, errors.New().WithData(errors.ErrUnknownProfile, string(name))
}

// Next returns the profile following current in the cycle order.
// An unknown current name advances to balanced, the startup default.
func (s *Set) Next(current Name) Profile {
	for i, p := range s.profiles {
		if p.Name == current {
			return s.profiles[(i+1)%len(s.profiles)]
		}
	}

	return s.profiles[1]
}

// All returns the profiles in cycle order
func (s *Set) All() []Profile {
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)

	return out
}

// NeedsReconciliation reports whether the profile runs a governor
// reconciliation loop. The balanced profile relies on the thermal
// guard alone.
func (p Profile) NeedsReconciliation() bool {
	return p.Name == Performance || p.Name == Powersave
}
