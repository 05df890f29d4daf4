package postgres

// schema is applied by Migrate. Idempotent: everything is IF NOT EXISTS.
const schema = `
CREATE TABLE IF NOT EXISTS channel (
	id          UUID PRIMARY KEY,
	subject_id  BIGINT NOT NULL,
	metric_key  TEXT NOT NULL,
	class       TEXT NOT NULL CHECK (class IN ('scalar', 'dense')),
	UNIQUE (subject_id, metric_key)
);

CREATE TABLE IF NOT EXISTS raw_reading (
	channel_id  UUID NOT NULL REFERENCES channel(id) ON DELETE CASCADE,
	ts          TIMESTAMPTZ NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	quality     SMALLINT NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, ts)
);

CREATE TABLE IF NOT EXISTS subject_state_1hz (
	subject_id         BIGINT NOT NULL,
	ts                 TIMESTAMPTZ NOT NULL,
	air_temperature_c  DOUBLE PRECISION,
	rel_humidity_pct   DOUBLE PRECISION,
	light_ppfd         DOUBLE PRECISION,
	soil_moisture_pct  DOUBLE PRECISION,
	soil_ph            DOUBLE PRECISION,
	bio_voltage_mean   DOUBLE PRECISION,
	bio_voltage_std    DOUBLE PRECISION,
	quality_flags      JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (subject_id, ts)
);

CREATE TABLE IF NOT EXISTS resample_checkpoint (
	subject_id         BIGINT PRIMARY KEY,
	last_processed_ts  TIMESTAMPTZ NOT NULL DEFAULT '1970-01-01T00:00:00Z',
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_raw_reading_ts ON raw_reading (ts);
CREATE INDEX IF NOT EXISTS idx_subject_state_1hz_ts ON subject_state_1hz (ts);
`
