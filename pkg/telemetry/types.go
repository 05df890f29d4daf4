package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Class determines how a channel's samples are mapped onto the 1 Hz grid.
type Class string

const (
	// ClassScalar marks a low-frequency channel (one sample every few
	// seconds to minutes). Resampled with last-value + bounded forward-fill.
	ClassScalar Class = "scalar"

	// ClassDense marks a high-frequency channel (many samples per second,
	// e.g. bioelectric voltage). Aggregated into per-second mean/std.
	ClassDense Class = "dense"
)

// Valid reports whether c is a known classification.
func (c Class) Valid() bool {
	return c == ClassScalar || c == ClassDense
}

// Known metric keys. Each scalar key maps to one output column; the dense
// key maps to a mean/std column pair.
const (
	MetricAirTemperatureC = "air_temperature_c"
	MetricRelHumidityPct  = "rel_humidity_pct"
	MetricLightPPFD       = "light_ppfd_umol_m2_s"
	MetricSoilMoisturePct = "soil_moisture_vwc_pct"
	MetricSoilPH          = "soil_ph"
	MetricBioVoltageMV    = "bioelectric_voltage_mv"
)

// Reading is a single observed sample from one channel. Immutable once
// recorded upstream; the pipeline never mutates raw readings.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Quality   int16     `json:"quality"`
}

// Channel identifies one (subject, metric) measurement stream and carries
// the classification that selects the resampling strategy.
type Channel struct {
	ID        uuid.UUID `json:"id"`
	SubjectID int64     `json:"subject_id"`
	MetricKey string    `json:"metric_key"`
	Class     Class     `json:"class"`
}
