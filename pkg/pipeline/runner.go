package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/plantpulse/plantpulse/pkg/config"
	"github.com/plantpulse/plantpulse/pkg/feature"
	"github.com/plantpulse/plantpulse/pkg/resample"
	"github.com/plantpulse/plantpulse/pkg/state"
	"github.com/plantpulse/plantpulse/pkg/telemetry"
	"github.com/plantpulse/plantpulse/pkg/timegrid"
)

// Config tunes one Runner. Zero values fall back to the package defaults.
type Config struct {
	// MaxForwardFill bounds scalar forward-fill gaps (default 5m).
	MaxForwardFill time.Duration

	// ChunkDuration caps the window one run may process (default 1h).
	ChunkDuration time.Duration

	// BatchSize bounds rows per write batch (default 1000).
	BatchSize int

	// RunTimeout aborts a subject run exceeding it (default 5m). The
	// abort is equivalent to a failure: nothing commits, the checkpoint
	// stays put.
	RunTimeout time.Duration

	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxForwardFill <= 0 {
		c.MaxForwardFill = config.DefaultMaxForwardFill
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = config.DefaultChunkDuration
	}
	if c.BatchSize <= 0 {
		c.BatchSize = config.DefaultBatchSize
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = config.DefaultRunTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Runner drives incremental resampling runs. It is the only component
// with side effects on durable state; the grid, resamplers and assembler
// it calls are pure functions over in-memory data.
type Runner struct {
	cfg      Config
	store    state.Store
	raw      state.RawSource
	channels state.ChannelResolver
	log      *zap.Logger
}

// New creates a Runner. A nil logger disables logging.
func New(store state.Store, raw state.RawSource, channels state.ChannelResolver, cfg Config, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg.withDefaults(),
		store:    store,
		raw:      raw,
		channels: channels,
		log:      log,
	}
}

// RunAll processes every known subject once, sequentially. One subject's
// failure never aborts the others; every subject gets an Outcome.
func (r *Runner) RunAll(ctx context.Context) ([]Outcome, error) {
	subjects, err := r.channels.ListSubjects(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(subjects))
	var written int
	for _, subjectID := range subjects {
		o := r.RunOne(ctx, subjectID)
		outcomes = append(outcomes, o)
		written += o.RowsWritten
	}

	r.log.Info("resampling pass complete",
		zap.Int("subjects", len(subjects)),
		zap.Int("rows_written", written))
	return outcomes, nil
}

// RunOne executes one incremental run for a subject: lease, checkpoint,
// bounded window, fetch, resample, assemble, atomic commit. Re-running
// the same window reproduces identical rows, so a crash before the
// checkpoint advance costs recomputation, never correctness.
func (r *Runner) RunOne(ctx context.Context, subjectID int64) Outcome {
	release, err := r.store.AcquireLease(ctx, subjectID)
	if errors.Is(err, state.ErrLeaseHeld) {
		r.log.Debug("subject lease held, skipping", zap.Int64("subject", subjectID))
		return Outcome{SubjectID: subjectID, Status: StatusNoop, Reason: "lease held by another run"}
	}
	if err != nil {
		return r.fail(subjectID, time.Time{}, time.Time{}, err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	cp, err := r.store.LoadCheckpoint(ctx, subjectID)
	if err != nil {
		return r.fail(subjectID, time.Time{}, time.Time{}, err)
	}

	now := timegrid.FloorSecond(r.cfg.Now())
	start := cp.LastProcessed

	// Nothing new since the last run
	if !start.Before(now) {
		return Outcome{SubjectID: subjectID, Status: StatusNoop, Reason: "no new data"}
	}

	end := start.Add(r.cfg.ChunkDuration)
	if end.After(now) {
		end = now
	}

	// The upper bound is exclusive: the instant at `end` becomes the next
	// run's start.
	grid, err := timegrid.Generate(start, end.Add(-time.Second))
	if err != nil {
		return r.fail(subjectID, start, end, err)
	}
	if len(grid) == 0 {
		return Outcome{SubjectID: subjectID, Status: StatusNoop, Reason: "empty window"}
	}

	channels, err := r.channels.ResolveChannels(ctx, subjectID)
	if err != nil {
		return r.fail(subjectID, start, end, err)
	}

	values, err := r.resampleChannels(ctx, subjectID, channels, grid, start, end)
	if err != nil {
		return r.fail(subjectID, start, end, err)
	}

	rows := feature.Assemble(subjectID, grid, values)

	if err := r.store.CommitWindow(ctx, subjectID, rows, end, r.cfg.BatchSize); err != nil {
		return r.fail(subjectID, start, end, err)
	}

	r.log.Info("window committed",
		zap.Int64("subject", subjectID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("rows", len(rows)))

	return Outcome{SubjectID: subjectID, RowsWritten: len(rows), Status: StatusSuccess}
}

// resampleChannels fetches and resamples every configured channel for the
// window [start, end). Channels with no column mapping are skipped with a
// warning; their columns stay absent for the whole window.
func (r *Runner) resampleChannels(ctx context.Context, subjectID int64, channels []telemetry.Channel, grid []time.Time, start, end time.Time) (feature.ChannelValues, error) {
	values := feature.ChannelValues{
		Scalar: make(map[string]map[time.Time]float64),
	}

	for _, ch := range channels {
		switch {
		case ch.Class == telemetry.ClassDense && ch.MetricKey == telemetry.MetricBioVoltageMV:
			readings, err := r.raw.FetchReadings(ctx, ch.ID, start, end)
			if err != nil {
				return feature.ChannelValues{}, err
			}
			values.Dense = resample.Aggregate(readings, grid)

		case ch.Class == telemetry.ClassScalar:
			column, ok := feature.ScalarColumns[ch.MetricKey]
			if !ok {
				r.warnUnresolved(subjectID, ch)
				continue
			}
			readings, err := r.raw.FetchReadings(ctx, ch.ID, start, end)
			if err != nil {
				return feature.ChannelValues{}, err
			}
			values.Scalar[column] = resample.ForwardFill(readings, grid, r.cfg.MaxForwardFill)

		default:
			r.warnUnresolved(subjectID, ch)
		}
	}

	return values, nil
}

func (r *Runner) warnUnresolved(subjectID int64, ch telemetry.Channel) {
	r.log.Warn("channel has no column mapping, skipping",
		zap.Int64("subject", subjectID),
		zap.String("channel", ch.ID.String()),
		zap.String("metric", ch.MetricKey),
		zap.String("class", string(ch.Class)))
}

func (r *Runner) fail(subjectID int64, start, end time.Time, err error) Outcome {
	r.log.Error("subject run failed",
		zap.Int64("subject", subjectID),
		zap.Time("window_start", start),
		zap.Time("window_end", end),
		zap.Error(err))
	return Outcome{SubjectID: subjectID, Status: StatusFailed, Err: err, Reason: err.Error()}
}
