package applier

// Report aggregates the outcome of one profile application. The applier
// never fails fatally, so callers and tests inspect the report to learn
// the exact failure composition instead of relying on side effects.
type Report struct {
	RequestedGovernor string
	ResolvedGovernor  string
	FellBack          bool
	Degraded          bool

	// Governor write
	Converged bool
	Attempts  int

	// Per-core outcome counts for the governor and frequency writes
	GovernorCoresWritten int
	GovernorCoresFailed  int
	FreqCoresWritten     int
	FreqCoresFailed      int

	// True when the cpupower invocation for that path succeeded
	CPUPowerGovernorSet bool
	CPUPowerFreqSet     bool

	// Cards that accepted the GPU power level
	GPUCardsWritten int

	// Individual write errors, for diagnostics
	Errors []error
}

// Clean reports whether the application succeeded without any degraded
// path being taken.
func (r Report) Clean() bool {
	return r.Converged && r.GovernorCoresFailed == 0 && r.FreqCoresFailed == 0 && !r.Degraded
}
