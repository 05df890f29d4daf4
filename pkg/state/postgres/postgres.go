package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plantpulse/plantpulse/pkg/feature"
	"github.com/plantpulse/plantpulse/pkg/state"
	"github.com/plantpulse/plantpulse/pkg/telemetry"
)

// leaseSeed namespaces the pipeline's advisory lock keys so they cannot
// collide with other advisory-lock users on the same database.
const leaseSeed int64 = 0x706C616E74 // "plant"

// Store is the PostgreSQL backend. Unlike the embedded backends it
// supports multiple pipeline processes against one database: the
// per-subject lease is a session advisory lock, and the window commit is
// one transaction spanning every batch plus the checkpoint advance.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return &state.StoreError{Op: "migrate", Err: err}
	}
	return nil
}

// AppendReadings stores raw readings. A re-delivered reading for the same
// (channel, timestamp) overwrites the previous one.
func (s *Store) AppendReadings(ctx context.Context, channelID uuid.UUID, readings []telemetry.Reading) error {
	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(`
			INSERT INTO raw_reading (channel_id, ts, value, quality)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (channel_id, ts)
			DO UPDATE SET value = EXCLUDED.value, quality = EXCLUDED.quality`,
			channelID, r.Timestamp.UTC(), r.Value, r.Quality)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return &state.StoreError{Op: "append readings", Err: err}
	}
	return nil
}

// PruneReadings drops raw readings older than the cutoff.
func (s *Store) PruneReadings(ctx context.Context, before time.Time) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM raw_reading WHERE ts < $1`, before.UTC()); err != nil {
		return &state.StoreError{Op: "prune readings", Err: err}
	}
	return nil
}

// FetchReadings returns the channel's readings in [from, to), ordered by
// timestamp ascending.
func (s *Store) FetchReadings(ctx context.Context, channelID uuid.UUID, from, to time.Time) ([]telemetry.Reading, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, value, quality
		FROM raw_reading
		WHERE channel_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC`,
		channelID, from.UTC(), to.UTC())
	if err != nil {
		return nil, &state.StoreError{Op: "fetch readings", Err: err}
	}
	defer rows.Close()

	var results []telemetry.Reading
	for rows.Next() {
		var r telemetry.Reading
		if err := rows.Scan(&r.Timestamp, &r.Value, &r.Quality); err != nil {
			return nil, &state.StoreError{Op: "fetch readings", Err: err}
		}
		r.Timestamp = r.Timestamp.UTC()
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &state.StoreError{Op: "fetch readings", Err: err}
	}

	return results, nil
}

// RegisterChannel adds a channel to the registry. The (subject, metric)
// pairing is unique; re-registration updates the classification.
func (s *Store) RegisterChannel(ctx context.Context, ch telemetry.Channel) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel (id, subject_id, metric_key, class)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id, metric_key)
		DO UPDATE SET class = EXCLUDED.class`,
		ch.ID, ch.SubjectID, ch.MetricKey, string(ch.Class))
	if err != nil {
		return &state.StoreError{Op: "register channel", Err: err}
	}
	return nil
}

// ListSubjects returns every subject with at least one registered channel.
func (s *Store) ListSubjects(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT subject_id FROM channel ORDER BY subject_id`)
	if err != nil {
		return nil, &state.StoreError{Op: "list subjects", Err: err}
	}
	defer rows.Close()

	var subjects []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &state.StoreError{Op: "list subjects", Err: err}
		}
		subjects = append(subjects, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &state.StoreError{Op: "list subjects", Err: err}
	}

	return subjects, nil
}

// ResolveChannels returns the subject's configured channels.
func (s *Store) ResolveChannels(ctx context.Context, subjectID int64) ([]telemetry.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_id, metric_key, class
		FROM channel
		WHERE subject_id = $1`,
		subjectID)
	if err != nil {
		return nil, &state.StoreError{Op: "resolve channels", Err: err}
	}
	defer rows.Close()

	var channels []telemetry.Channel
	for rows.Next() {
		var ch telemetry.Channel
		var class string
		if err := rows.Scan(&ch.ID, &ch.SubjectID, &ch.MetricKey, &class); err != nil {
			return nil, &state.StoreError{Op: "resolve channels", Err: err}
		}
		ch.Class = telemetry.Class(class)
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, &state.StoreError{Op: "resolve channels", Err: err}
	}

	return channels, nil
}

// LoadCheckpoint returns the subject's checkpoint, creating the EpochMin
// default on first use.
func (s *Store) LoadCheckpoint(ctx context.Context, subjectID int64) (state.Checkpoint, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resample_checkpoint (subject_id, last_processed_ts, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (subject_id) DO NOTHING`,
		subjectID, state.EpochMin)
	if err != nil {
		return state.Checkpoint{}, &state.StoreError{Op: "load checkpoint", Err: err}
	}

	cp := state.Checkpoint{SubjectID: subjectID}
	err = s.pool.QueryRow(ctx, `
		SELECT last_processed_ts, updated_at
		FROM resample_checkpoint
		WHERE subject_id = $1`,
		subjectID).Scan(&cp.LastProcessed, &cp.UpdatedAt)
	if err != nil {
		return state.Checkpoint{}, &state.StoreError{Op: "load checkpoint", Err: err}
	}

	cp.LastProcessed = cp.LastProcessed.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, nil
}

// CommitWindow upserts the window's rows and advances the checkpoint in
// one transaction. Rows go out in bounded batches to keep statement sizes
// reasonable, but everything commits atomically: either the rows and the
// checkpoint both land, or neither does.
func (s *Store) CommitWindow(ctx context.Context, subjectID int64, rows []feature.Row, cutoff time.Time, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1000
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &state.StoreError{Op: "commit window", Err: err}
	}
	defer tx.Rollback(ctx)

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := &pgx.Batch{}
		for _, row := range rows[start:end] {
			flags, err := json.Marshal(row.QualityFlags)
			if err != nil {
				return &state.StoreError{Op: "commit window", Err: err}
			}
			batch.Queue(`
				INSERT INTO subject_state_1hz (
					subject_id, ts,
					air_temperature_c, rel_humidity_pct, light_ppfd,
					soil_moisture_pct, soil_ph,
					bio_voltage_mean, bio_voltage_std,
					quality_flags)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (subject_id, ts) DO UPDATE SET
					air_temperature_c = EXCLUDED.air_temperature_c,
					rel_humidity_pct  = EXCLUDED.rel_humidity_pct,
					light_ppfd        = EXCLUDED.light_ppfd,
					soil_moisture_pct = EXCLUDED.soil_moisture_pct,
					soil_ph           = EXCLUDED.soil_ph,
					bio_voltage_mean  = EXCLUDED.bio_voltage_mean,
					bio_voltage_std   = EXCLUDED.bio_voltage_std,
					quality_flags     = EXCLUDED.quality_flags`,
				row.SubjectID, row.Timestamp.UTC(),
				row.AirTemperatureC, row.RelHumidityPct, row.LightPPFD,
				row.SoilMoisturePct, row.SoilPH,
				row.BioVoltageMean, row.BioVoltageStd,
				flags)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return &state.StoreError{Op: "commit window", Err: err}
		}
	}

	// GREATEST keeps the cursor monotonic even if a stale run commits late
	_, err = tx.Exec(ctx, `
		UPDATE resample_checkpoint
		SET last_processed_ts = GREATEST(last_processed_ts, $2), updated_at = now()
		WHERE subject_id = $1`,
		subjectID, cutoff.UTC())
	if err != nil {
		return &state.StoreError{Op: "commit window", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &state.StoreError{Op: "commit window", Err: err}
	}
	return nil
}

// AcquireLease takes a session advisory lock for the subject on a
// dedicated connection, so the exclusion holds across processes. The lock
// is released (and the connection returned to the pool) by the returned
// func.
func (s *Store) AcquireLease(ctx context.Context, subjectID int64) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, &state.StoreError{Op: "acquire lease", Err: err}
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, leaseSeed+subjectID).Scan(&locked); err != nil {
		conn.Release()
		return nil, &state.StoreError{Op: "acquire lease", Err: err}
	}
	if !locked {
		conn.Release()
		return nil, state.ErrLeaseHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// Best effort: the lock dies with the session either way
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, leaseSeed+subjectID)
		conn.Release()
	}
	return release, nil
}
