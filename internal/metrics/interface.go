package metrics

import (
	"context"
	"time"
)

// Collector records profile-application history
type Collector interface {
	Record(ctx context.Context, snapshot *ApplySnapshot) error
	Close() error
}

// Repository defines the interface for application-history storage
type Repository interface {
	Record(snapshot *ApplySnapshot) error
	Close() error
}

// ApplySnapshot is one row of application history: the outcome of a
// single profile change.
type ApplySnapshot struct {
	Timestamp         time.Time
	Profile           string
	RequestedGovernor string
	ResolvedGovernor  string
	Converged         bool
	Attempts          int
	CoresWritten      int
	CoresFailed       int
	GPUCardsWritten   int
	TLPSuspended      bool
}
