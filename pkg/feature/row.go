package feature

import (
	"time"

	"github.com/plantpulse/plantpulse/pkg/telemetry"
)

// Output column names. The row shape is fixed: scalar metrics bind to one
// column each, the dense bioelectric metric to a mean/std pair. Keeping the
// columns as struct fields (rather than a per-row map) catches missing-column
// bugs at compile time.
const (
	ColAirTemperatureC = "air_temperature_c"
	ColRelHumidityPct  = "rel_humidity_pct"
	ColLightPPFD       = "light_ppfd"
	ColSoilMoisturePct = "soil_moisture_pct"
	ColSoilPH          = "soil_ph"
	ColBioVoltageMean  = "bio_voltage_mean"
	ColBioVoltageStd   = "bio_voltage_std"
)

// FlagMissing marks a column with no value at a grid instant. Columns that
// do have a value are omitted from the flags to keep them sparse.
const FlagMissing = "missing"

// ScalarColumns maps each scalar metric key to its output column.
var ScalarColumns = map[string]string{
	telemetry.MetricAirTemperatureC: ColAirTemperatureC,
	telemetry.MetricRelHumidityPct:  ColRelHumidityPct,
	telemetry.MetricLightPPFD:       ColLightPPFD,
	telemetry.MetricSoilMoisturePct: ColSoilMoisturePct,
	telemetry.MetricSoilPH:          ColSoilPH,
}

// AllColumns lists every output column in a stable order.
var AllColumns = []string{
	ColAirTemperatureC,
	ColRelHumidityPct,
	ColLightPPFD,
	ColSoilMoisturePct,
	ColSoilPH,
	ColBioVoltageMean,
	ColBioVoltageStd,
}

// Row is one second of ML-ready subject state, keyed by (SubjectID,
// Timestamp). Nil column pointers mean the value was unavailable at that
// instant; QualityFlags records exactly those columns.
type Row struct {
	SubjectID int64     `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`

	AirTemperatureC *float64 `json:"air_temperature_c"`
	RelHumidityPct  *float64 `json:"rel_humidity_pct"`
	LightPPFD       *float64 `json:"light_ppfd"`
	SoilMoisturePct *float64 `json:"soil_moisture_pct"`
	SoilPH          *float64 `json:"soil_ph"`

	BioVoltageMean *float64 `json:"bio_voltage_mean"`
	BioVoltageStd  *float64 `json:"bio_voltage_std"`

	QualityFlags map[string]string `json:"quality_flags"`
}

// columnPtr returns the address of the named column's field.
func (r *Row) columnPtr(column string) **float64 {
	switch column {
	case ColAirTemperatureC:
		return &r.AirTemperatureC
	case ColRelHumidityPct:
		return &r.RelHumidityPct
	case ColLightPPFD:
		return &r.LightPPFD
	case ColSoilMoisturePct:
		return &r.SoilMoisturePct
	case ColSoilPH:
		return &r.SoilPH
	case ColBioVoltageMean:
		return &r.BioVoltageMean
	case ColBioVoltageStd:
		return &r.BioVoltageStd
	}
	return nil
}

// Column returns the named column's value, or nil when absent.
func (r *Row) Column(column string) *float64 {
	p := r.columnPtr(column)
	if p == nil {
		return nil
	}
	return *p
}

// SetColumn stores a value into the named column. Unknown columns are
// ignored.
func (r *Row) SetColumn(column string, value float64) {
	p := r.columnPtr(column)
	if p == nil {
		return
	}
	v := value
	*p = &v
}
