package config

import "time"

// Resampling defaults
const (
	// DefaultMaxForwardFill is the longest gap a scalar value may be
	// carried across before the column goes missing.
	DefaultMaxForwardFill = 5 * time.Minute

	// DefaultChunkDuration caps how much backlog one run processes.
	DefaultChunkDuration = 1 * time.Hour

	// DefaultBatchSize bounds the rows per write batch.
	DefaultBatchSize = 1000

	// DefaultRunTimeout aborts a subject run that exceeds it; nothing is
	// committed on abort.
	DefaultRunTimeout = 5 * time.Minute
)

// Scheduling defaults
const (
	DefaultRunInterval = 60 * time.Second
)

// Storage maintenance
const (
	DefaultRawRetention  = 14 * 24 * time.Hour
	MaintenanceInterval  = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
	DefaultMaxMemoryMB   = 48
)
