package state

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/plantpulse/plantpulse/pkg/feature"
	"github.com/plantpulse/plantpulse/pkg/telemetry"
)

// Checkpoint is the per-subject resampling cursor. LastProcessed is the
// exclusive upper bound of the last successfully written window and is the
// sole source of truth for pipeline progress; feature rows are never
// scanned to infer it.
type Checkpoint struct {
	SubjectID     int64     `json:"subject_id"`
	LastProcessed time.Time `json:"last_processed_ts"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EpochMin is the default cursor for a subject that has never been
// processed: effectively "process everything available".
var EpochMin = time.Unix(0, 0).UTC()

// RawSource reads raw measurements. The pipeline only ever reads this
// side; validation and ingestion happen upstream.
type RawSource interface {
	// FetchReadings returns the channel's readings in [from, to), ordered
	// by timestamp ascending.
	FetchReadings(ctx context.Context, channelID uuid.UUID, from, to time.Time) ([]telemetry.Reading, error)
}

// RawSink appends and prunes raw measurements. Used by ingestion tooling
// and the retention task, not by the pipeline itself.
type RawSink interface {
	AppendReadings(ctx context.Context, channelID uuid.UUID, readings []telemetry.Reading) error

	// PruneReadings drops raw readings older than the cutoff. Resampled
	// rows are unaffected.
	PruneReadings(ctx context.Context, before time.Time) error
}

// ChannelResolver resolves the channel configuration for subjects. Channel
// management itself is an external concern; RegisterChannel exists so
// seeding and provisioning tools can populate the registry.
type ChannelResolver interface {
	ListSubjects(ctx context.Context) ([]int64, error)
	ResolveChannels(ctx context.Context, subjectID int64) ([]telemetry.Channel, error)
	RegisterChannel(ctx context.Context, ch telemetry.Channel) error
}

// Store persists feature rows and checkpoints.
type Store interface {
	// LoadCheckpoint returns the subject's checkpoint, lazily creating the
	// EpochMin default on first use.
	LoadCheckpoint(ctx context.Context, subjectID int64) (Checkpoint, error)

	// CommitWindow upserts the window's rows keyed by (subject, timestamp)
	// with full-replace semantics, in batches of at most batchSize, and
	// advances the checkpoint to cutoff atomically with the write. On any
	// error the checkpoint must not move; re-running the window is safe
	// because rows are always fully overwritten.
	CommitWindow(ctx context.Context, subjectID int64, rows []feature.Row, cutoff time.Time, batchSize int) error

	// AcquireLease takes the subject's exclusive processing lease. Returns
	// ErrLeaseHeld when another run owns it. The returned release func must
	// be called once the run reaches a terminal state.
	AcquireLease(ctx context.Context, subjectID int64) (func(), error)

	Close() error
}
