package profile

// fallbackTable maps a desired governor to its ordered substitutes,
// consulted when the desired governor is not offered by the driver.
var fallbackTable = map[string][]string{
	"schedutil":   {"ondemand", "powersave", "performance"},
	"powersave":   {"powersave", "ondemand", "conservative"},
	"performance": {"performance", "ondemand", "schedutil"},
}

// Resolution is the governor actually to be applied, with the degradation
// path that produced it.
type Resolution struct {
	Governor string
	// FellBack is set when the desired governor was unavailable and a
	// substitute from the fallback table was chosen.
	FellBack bool
	// Degraded is set when not even the fallback table helped and the
	// first available governor was picked arbitrarily.
	Degraded bool
}

// ResolveGovernor computes the governor to apply given what the driver
// offers. An empty available set (unreadable on this host) returns the
// desired governor unchanged: with no inventory there is nothing to
// fall back on.
func ResolveGovernor(desired string, available []string) Resolution {
	if len(available) == 0 {
		return Resolution{Governor: desired}
	}

	if contains(available, desired) {
		return Resolution{Governor: desired}
	}

	for _, candidate := range fallbackTable[desired] {
		if contains(available, candidate) {
			return Resolution{Governor: candidate, FellBack: true}
		}
	}

	return Resolution{Governor: available[0], FellBack: true, Degraded: true}
}

func contains(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}

	return false
}
