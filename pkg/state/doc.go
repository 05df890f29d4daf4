/*
Package state defines the persistence contracts for the resampling
pipeline and the pieces shared by every backend.

# Interfaces

The pipeline never talks to a database directly. It depends on four
small interfaces so backends stay swappable:

	RawSource       - read raw readings for a channel in [from, to)
	RawSink         - append readings, prune past retention
	ChannelResolver - subjects and their configured channels
	Store           - checkpoints, feature rows, processing leases

A single concrete store usually implements all four; the split exists
so tests and tools can depend on only the side they touch.

# Backends

  - memory: map-backed, for tests and ephemeral runs
  - badgerstate: embedded BadgerDB, for a single edge box
  - postgres: pgx-backed, for shared multi-process deployments

# Commit semantics

CommitWindow is the only durable side effect of a pipeline run. Rows are
upserted keyed by (subject, timestamp) with full-replace semantics, and
the checkpoint advances to the window's exclusive upper bound atomically
with the final batch. The checkpoint never moves on error and never
moves backwards, so a crash mid-commit costs recomputation of one
window, never duplicated or corrupted rows.

# Leases

AcquireLease guards a subject against concurrent runs. The embedded
backends use an in-process registry; postgres uses advisory locks so
the guarantee holds across processes. Losing contention is not an
error worth retrying: the holder is doing the same work.
*/
package state
