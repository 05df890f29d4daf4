package pipeline

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/plantpulse/plantpulse/pkg/feature"
	"github.com/plantpulse/plantpulse/pkg/state/memory"
	"github.com/plantpulse/plantpulse/pkg/telemetry"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fixedClock pins the runner's notion of "now".
func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

// setCheckpoint fast-forwards a subject's cursor without writing rows.
func setCheckpoint(t *testing.T, store *memory.Store, subjectID int64, ts time.Time) {
	t.Helper()
	if err := store.CommitWindow(context.Background(), subjectID, nil, ts, 1); err != nil {
		t.Fatalf("Failed to preset checkpoint: %v", err)
	}
}

func registerScalar(t *testing.T, store *memory.Store, subjectID int64, metricKey string) uuid.UUID {
	t.Helper()
	ch := telemetry.Channel{ID: uuid.New(), SubjectID: subjectID, MetricKey: metricKey, Class: telemetry.ClassScalar}
	if err := store.RegisterChannel(context.Background(), ch); err != nil {
		t.Fatalf("RegisterChannel failed: %v", err)
	}
	return ch.ID
}

func registerDense(t *testing.T, store *memory.Store, subjectID int64) uuid.UUID {
	t.Helper()
	ch := telemetry.Channel{ID: uuid.New(), SubjectID: subjectID, MetricKey: telemetry.MetricBioVoltageMV, Class: telemetry.ClassDense}
	if err := store.RegisterChannel(context.Background(), ch); err != nil {
		t.Fatalf("RegisterChannel failed: %v", err)
	}
	return ch.ID
}

func TestRunOne_EndToEnd(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	scalarCh := registerScalar(t, store, 1, telemetry.MetricAirTemperatureC)
	denseCh := registerDense(t, store, 1)

	store.AppendReadings(ctx, scalarCh, []telemetry.Reading{{Timestamp: t0, Value: 20.0}})
	store.AppendReadings(ctx, denseCh, []telemetry.Reading{
		{Timestamp: t0.Add(200 * time.Millisecond), Value: 1.0},
		{Timestamp: t0.Add(600 * time.Millisecond), Value: 3.0},
	})

	setCheckpoint(t, store, 1, t0)
	runner := New(store, store, store, Config{Now: fixedClock(t0.Add(2 * time.Second))}, nil)

	outcome := runner.RunOne(ctx, 1)

	if outcome.Status != StatusSuccess {
		t.Fatalf("Expected success, got %s (%v)", outcome.Status, outcome.Err)
	}
	if outcome.RowsWritten != 2 {
		t.Fatalf("Expected 2 rows written, got %d", outcome.RowsWritten)
	}

	rows := store.Rows(1)
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows stored, got %d", len(rows))
	}

	r0 := rows[0]
	if !r0.Timestamp.Equal(t0) {
		t.Fatalf("Expected first row at t0, got %v", r0.Timestamp)
	}
	if r0.AirTemperatureC == nil || *r0.AirTemperatureC != 20.0 {
		t.Error("Expected air_temperature_c 20.0 at t0")
	}
	if r0.BioVoltageMean == nil || *r0.BioVoltageMean != 2.0 {
		t.Error("Expected bio_voltage_mean 2.0 at t0")
	}
	if r0.BioVoltageStd == nil || math.Abs(*r0.BioVoltageStd-math.Sqrt2) > 1e-9 {
		t.Errorf("Expected bio_voltage_std sqrt(2), got %v", r0.BioVoltageStd)
	}
	if len(r0.QualityFlags) != 0 {
		t.Errorf("Expected no flags at t0, got %v", r0.QualityFlags)
	}

	r1 := rows[1]
	if r1.AirTemperatureC == nil || *r1.AirTemperatureC != 20.0 {
		t.Error("Expected air_temperature_c forward-filled to 20.0 at t0+1s")
	}
	if r1.BioVoltageMean != nil || r1.BioVoltageStd != nil {
		t.Error("Expected dense columns null at t0+1s (no forward-fill for dense)")
	}
	want := map[string]string{
		feature.ColBioVoltageMean: feature.FlagMissing,
		feature.ColBioVoltageStd:  feature.FlagMissing,
	}
	if !reflect.DeepEqual(r1.QualityFlags, want) {
		t.Errorf("Expected flags %v at t0+1s, got %v", want, r1.QualityFlags)
	}

	cp, _ := store.LoadCheckpoint(ctx, 1)
	if !cp.LastProcessed.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("Expected checkpoint at t0+2s, got %v", cp.LastProcessed)
	}
}

func TestRunOne_SecondRunIsNoop(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	ch := registerScalar(t, store, 1, telemetry.MetricSoilPH)
	store.AppendReadings(ctx, ch, []telemetry.Reading{{Timestamp: t0, Value: 6.5}})

	setCheckpoint(t, store, 1, t0)
	runner := New(store, store, store, Config{Now: fixedClock(t0.Add(10 * time.Second))}, nil)

	first := runner.RunOne(ctx, 1)
	if first.Status != StatusSuccess {
		t.Fatalf("Expected success, got %s (%v)", first.Status, first.Err)
	}
	rowsAfterFirst := store.Rows(1)
	cpAfterFirst, _ := store.LoadCheckpoint(ctx, 1)

	second := runner.RunOne(ctx, 1)
	if second.Status != StatusNoop {
		t.Fatalf("Expected no-op on unchanged window, got %s", second.Status)
	}
	if second.RowsWritten != 0 {
		t.Errorf("Expected 0 rows on no-op, got %d", second.RowsWritten)
	}

	if !reflect.DeepEqual(store.Rows(1), rowsAfterFirst) {
		t.Error("Expected rows unchanged after no-op run")
	}
	cpAfterSecond, _ := store.LoadCheckpoint(ctx, 1)
	if !cpAfterSecond.LastProcessed.Equal(cpAfterFirst.LastProcessed) {
		t.Error("Expected checkpoint unchanged after no-op run")
	}
}

// crashingStore writes the rows but dies before the checkpoint advances,
// simulating a crash between the batch write and the commit.
type crashingStore struct {
	*memory.Store
	crashed bool
}

func (c *crashingStore) CommitWindow(ctx context.Context, subjectID int64, rows []feature.Row, cutoff time.Time, batchSize int) error {
	if !c.crashed {
		c.crashed = true
		if err := c.Store.UpsertRows(ctx, rows); err != nil {
			return err
		}
		return errors.New("simulated crash before checkpoint advance")
	}
	return c.Store.CommitWindow(ctx, subjectID, rows, cutoff, batchSize)
}

func TestRunOne_CrashBeforeCheckpointIsRecoverable(t *testing.T) {
	inner := memory.New()
	defer inner.Close()
	store := &crashingStore{Store: inner}
	ctx := context.Background()

	ch := registerScalar(t, inner, 1, telemetry.MetricAirTemperatureC)
	inner.AppendReadings(ctx, ch, []telemetry.Reading{{Timestamp: t0, Value: 19.0}})

	setCheckpoint(t, inner, 1, t0)
	runner := New(store, inner, inner, Config{Now: fixedClock(t0.Add(3 * time.Second))}, nil)

	// First run: rows land but the checkpoint does not move
	first := runner.RunOne(ctx, 1)
	if first.Status != StatusFailed {
		t.Fatalf("Expected failed run, got %s", first.Status)
	}
	cp, _ := inner.LoadCheckpoint(ctx, 1)
	if !cp.LastProcessed.Equal(t0) {
		t.Fatalf("Expected checkpoint untouched at t0, got %v", cp.LastProcessed)
	}

	// Recovery run: same window recomputed, rows overwritten, no duplicates
	second := runner.RunOne(ctx, 1)
	if second.Status != StatusSuccess {
		t.Fatalf("Expected success on recovery, got %s (%v)", second.Status, second.Err)
	}

	rows := inner.Rows(1)
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows (no duplicates, no skipped seconds), got %d", len(rows))
	}
	for i, row := range rows {
		wantTS := t0.Add(time.Duration(i) * time.Second)
		if !row.Timestamp.Equal(wantTS) {
			t.Errorf("row[%d]: expected %v, got %v", i, wantTS, row.Timestamp)
		}
	}

	cp, _ = inner.LoadCheckpoint(ctx, 1)
	if !cp.LastProcessed.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("Expected checkpoint at t0+3s, got %v", cp.LastProcessed)
	}
}

func TestRunOne_WindowCappedToChunk(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	registerScalar(t, store, 1, telemetry.MetricSoilPH)

	// 3 hours of backlog, 1 hour chunk: first run processes exactly 1 hour
	setCheckpoint(t, store, 1, t0)
	runner := New(store, store, store, Config{
		ChunkDuration: time.Hour,
		Now:           fixedClock(t0.Add(3 * time.Hour)),
	}, nil)

	outcome := runner.RunOne(ctx, 1)
	if outcome.Status != StatusSuccess {
		t.Fatalf("Expected success, got %s (%v)", outcome.Status, outcome.Err)
	}
	if outcome.RowsWritten != 3600 {
		t.Errorf("Expected 3600 rows (one chunk), got %d", outcome.RowsWritten)
	}

	cp, _ := store.LoadCheckpoint(ctx, 1)
	if !cp.LastProcessed.Equal(t0.Add(time.Hour)) {
		t.Errorf("Expected checkpoint at t0+1h, got %v", cp.LastProcessed)
	}

	// Successive runs drain the backlog chunk by chunk
	runner.RunOne(ctx, 1)
	runner.RunOne(ctx, 1)
	cp, _ = store.LoadCheckpoint(ctx, 1)
	if !cp.LastProcessed.Equal(t0.Add(3 * time.Hour)) {
		t.Errorf("Expected backlog drained to t0+3h, got %v", cp.LastProcessed)
	}

	// Monotonic across the whole sequence
	final := runner.RunOne(ctx, 1)
	if final.Status != StatusNoop {
		t.Errorf("Expected no-op once caught up, got %s", final.Status)
	}
}

func TestRunOne_LeaseContention(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	registerScalar(t, store, 1, telemetry.MetricSoilPH)
	setCheckpoint(t, store, 1, t0)

	release, err := store.AcquireLease(ctx, 1)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	defer release()

	runner := New(store, store, store, Config{Now: fixedClock(t0.Add(time.Minute))}, nil)

	outcome := runner.RunOne(ctx, 1)
	if outcome.Status != StatusNoop {
		t.Errorf("Expected no-op under lease contention, got %s", outcome.Status)
	}
	if outcome.Err != nil {
		t.Errorf("Lease contention is not an error, got %v", outcome.Err)
	}

	cp, _ := store.LoadCheckpoint(ctx, 1)
	if !cp.LastProcessed.Equal(t0) {
		t.Errorf("Expected checkpoint untouched, got %v", cp.LastProcessed)
	}
}

func TestRunOne_UnmappedChannelSkippedNotFatal(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	// A channel whose metric has no output column
	bogus := telemetry.Channel{ID: uuid.New(), SubjectID: 1, MetricKey: "exotic_metric", Class: telemetry.ClassScalar}
	store.RegisterChannel(ctx, bogus)
	ch := registerScalar(t, store, 1, telemetry.MetricRelHumidityPct)
	store.AppendReadings(ctx, ch, []telemetry.Reading{{Timestamp: t0, Value: 55.0}})

	setCheckpoint(t, store, 1, t0)
	runner := New(store, store, store, Config{Now: fixedClock(t0.Add(2 * time.Second))}, nil)

	outcome := runner.RunOne(ctx, 1)
	if outcome.Status != StatusSuccess {
		t.Fatalf("Expected success despite unmapped channel, got %s (%v)", outcome.Status, outcome.Err)
	}

	rows := store.Rows(1)
	if rows[0].RelHumidityPct == nil || *rows[0].RelHumidityPct != 55.0 {
		t.Error("Expected mapped channel resampled normally")
	}
}

func TestRunOne_NoNewDataIsNoop(t *testing.T) {
	store := memory.New()
	defer store.Close()

	registerScalar(t, store, 1, telemetry.MetricSoilPH)
	setCheckpoint(t, store, 1, t0)

	// Clock has not advanced past the checkpoint
	runner := New(store, store, store, Config{Now: fixedClock(t0)}, nil)

	outcome := runner.RunOne(context.Background(), 1)
	if outcome.Status != StatusNoop {
		t.Errorf("Expected no-op when start >= now, got %s", outcome.Status)
	}
}

// failingResolver makes one subject fail resolution while others work.
type failingResolver struct {
	*memory.Store
	failSubject int64
}

func (f *failingResolver) ResolveChannels(ctx context.Context, subjectID int64) ([]telemetry.Channel, error) {
	if subjectID == f.failSubject {
		return nil, errors.New("resolver unavailable")
	}
	return f.Store.ResolveChannels(ctx, subjectID)
}

func TestRunAll_FailureIsolatedPerSubject(t *testing.T) {
	inner := memory.New()
	defer inner.Close()
	ctx := context.Background()

	chA := registerScalar(t, inner, 1, telemetry.MetricSoilPH)
	registerScalar(t, inner, 2, telemetry.MetricSoilPH)
	inner.AppendReadings(ctx, chA, []telemetry.Reading{{Timestamp: t0, Value: 6.5}})

	setCheckpoint(t, inner, 1, t0)
	setCheckpoint(t, inner, 2, t0)

	resolver := &failingResolver{Store: inner, failSubject: 2}
	runner := New(inner, inner, resolver, Config{Now: fixedClock(t0.Add(time.Minute))}, nil)

	outcomes, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}

	byID := map[int64]Outcome{}
	for _, o := range outcomes {
		byID[o.SubjectID] = o
	}
	if byID[1].Status != StatusSuccess {
		t.Errorf("Expected subject 1 success, got %s (%v)", byID[1].Status, byID[1].Err)
	}
	if byID[2].Status != StatusFailed {
		t.Errorf("Expected subject 2 failed, got %s", byID[2].Status)
	}
}

func TestRunOne_DeterministicRecomputation(t *testing.T) {
	inner := memory.New()
	defer inner.Close()
	store := &crashingStore{Store: inner}
	ctx := context.Background()

	scalarCh := registerScalar(t, inner, 1, telemetry.MetricLightPPFD)
	denseCh := registerDense(t, inner, 1)
	inner.AppendReadings(ctx, scalarCh, []telemetry.Reading{
		{Timestamp: t0.Add(500 * time.Millisecond), Value: 410.0},
		{Timestamp: t0.Add(700 * time.Millisecond), Value: 415.0},
	})
	inner.AppendReadings(ctx, denseCh, []telemetry.Reading{
		{Timestamp: t0.Add(time.Second), Value: -0.25},
	})

	setCheckpoint(t, inner, 1, t0)
	runner := New(store, inner, inner, Config{Now: fixedClock(t0.Add(5 * time.Second))}, nil)

	// First attempt writes the rows but dies before the checkpoint moves,
	// so the recovery run recomputes the exact same window
	if outcome := runner.RunOne(ctx, 1); outcome.Status != StatusFailed {
		t.Fatalf("Expected simulated crash, got %s", outcome.Status)
	}
	first := inner.Rows(1)
	if len(first) != 5 {
		t.Fatalf("Expected 5 rows from the first attempt, got %d", len(first))
	}

	if outcome := runner.RunOne(ctx, 1); outcome.Status != StatusSuccess {
		t.Fatalf("Expected success on recovery, got %s (%v)", outcome.Status, outcome.Err)
	}
	second := inner.Rows(1)

	if !reflect.DeepEqual(first, second) {
		t.Error("Expected byte-identical rows when recomputing an unchanged window")
	}
}
