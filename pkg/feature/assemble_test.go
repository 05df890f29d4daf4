package feature

import (
	"reflect"
	"testing"
	"time"

	"github.com/plantpulse/plantpulse/pkg/resample"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAssemble_PopulatesColumnsAndFlags(t *testing.T) {
	grid := []time.Time{t0, t0.Add(time.Second)}

	values := ChannelValues{
		Scalar: map[string]map[time.Time]float64{
			ColAirTemperatureC: {t0: 20.0, t0.Add(time.Second): 20.0},
			ColSoilPH:          {t0: 6.5}, // absent at +1s
		},
		Dense: map[time.Time]resample.Bucket{
			t0: {Mean: 2.0, Std: 1.0},
		},
	}

	rows := Assemble(7, grid, values)

	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}

	r0 := rows[0]
	if r0.SubjectID != 7 || !r0.Timestamp.Equal(t0) {
		t.Errorf("Unexpected row key: subject=%d ts=%v", r0.SubjectID, r0.Timestamp)
	}
	if r0.AirTemperatureC == nil || *r0.AirTemperatureC != 20.0 {
		t.Error("Expected air_temperature_c = 20.0")
	}
	if r0.BioVoltageMean == nil || *r0.BioVoltageMean != 2.0 {
		t.Error("Expected bio_voltage_mean = 2.0")
	}
	if r0.BioVoltageStd == nil || *r0.BioVoltageStd != 1.0 {
		t.Error("Expected bio_voltage_std = 1.0")
	}
	// Columns with values are never flagged
	if _, ok := r0.QualityFlags[ColAirTemperatureC]; ok {
		t.Error("Populated column must not carry a missing flag")
	}
	// A column with no configured channel is plain null, never flagged
	if _, ok := r0.QualityFlags[ColRelHumidityPct]; ok {
		t.Error("Unconfigured column must not carry a missing flag")
	}
	if len(r0.QualityFlags) != 0 {
		t.Errorf("Expected no flags on the fully populated row, got %v", r0.QualityFlags)
	}

	r1 := rows[1]
	if r1.SoilPH != nil {
		t.Error("Expected soil_ph absent at +1s")
	}
	if r1.QualityFlags[ColSoilPH] != FlagMissing {
		t.Error("Expected soil_ph flagged missing at +1s")
	}
	if r1.BioVoltageMean != nil || r1.BioVoltageStd != nil {
		t.Error("Expected dense columns absent at +1s")
	}
	if r1.QualityFlags[ColBioVoltageMean] != FlagMissing || r1.QualityFlags[ColBioVoltageStd] != FlagMissing {
		t.Error("Expected dense columns flagged missing at +1s")
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	grid := []time.Time{t0, t0.Add(time.Second), t0.Add(2 * time.Second)}
	values := ChannelValues{
		Scalar: map[string]map[time.Time]float64{
			ColSoilMoisturePct: {t0: 41.0, t0.Add(time.Second): 41.2},
		},
		Dense: map[time.Time]resample.Bucket{
			t0.Add(2 * time.Second): {Mean: -0.3, Std: 0.05},
		},
	}

	a := Assemble(3, grid, values)
	b := Assemble(3, grid, values)

	if !reflect.DeepEqual(a, b) {
		t.Error("Expected identical inputs to produce identical rows and flags")
	}
}

func TestAssemble_NoChannelsNoFlags(t *testing.T) {
	grid := []time.Time{t0}

	rows := Assemble(1, grid, ChannelValues{})

	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	if len(rows[0].QualityFlags) != 0 {
		t.Errorf("Expected no flags without configured channels, got %v", rows[0].QualityFlags)
	}
}

func TestAssemble_ConfiguredButSilentChannelIsFlagged(t *testing.T) {
	grid := []time.Time{t0}
	values := ChannelValues{
		Scalar: map[string]map[time.Time]float64{
			ColAirTemperatureC: {}, // channel configured, no data at all
		},
		Dense: map[time.Time]resample.Bucket{}, // likewise
	}

	rows := Assemble(1, grid, values)

	flags := rows[0].QualityFlags
	if flags[ColAirTemperatureC] != FlagMissing {
		t.Error("Expected silent scalar channel flagged missing")
	}
	if flags[ColBioVoltageMean] != FlagMissing || flags[ColBioVoltageStd] != FlagMissing {
		t.Error("Expected silent dense channel flagged missing")
	}
}
