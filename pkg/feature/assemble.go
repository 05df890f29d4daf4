package feature

import (
	"time"

	"github.com/plantpulse/plantpulse/pkg/resample"
)

// ChannelValues carries the per-instant outputs of every configured channel
// for one processing window. Scalar is keyed by output column name; an
// instant missing from a map is absent at that second. A nil Dense map
// means no dense channel is configured at all, as opposed to an empty map
// (configured but silent), which drives the quality flags.
type ChannelValues struct {
	Scalar map[string]map[time.Time]float64
	Dense  map[time.Time]resample.Bucket
}

// Assemble merges the per-channel resampled columns into one Row per grid
// instant and derives the missing-value quality flags. Pure and
// deterministic: identical inputs always produce identical rows, flags
// included, so re-running a window is byte-for-byte idempotent.
func Assemble(subjectID int64, grid []time.Time, values ChannelValues) []Row {
	rows := make([]Row, 0, len(grid))

	for _, ts := range grid {
		row := Row{
			SubjectID:    subjectID,
			Timestamp:    ts,
			QualityFlags: map[string]string{},
		}

		for column, series := range values.Scalar {
			if v, ok := series[ts]; ok {
				row.SetColumn(column, v)
			}
		}

		if b, ok := values.Dense[ts]; ok {
			row.SetColumn(ColBioVoltageMean, b.Mean)
			row.SetColumn(ColBioVoltageStd, b.Std)
		}

		// Only configured channels earn flags: a column with no channel at
		// all is plain null, not a quality problem.
		for column := range values.Scalar {
			if row.Column(column) == nil {
				row.QualityFlags[column] = FlagMissing
			}
		}
		if values.Dense != nil {
			if row.BioVoltageMean == nil {
				row.QualityFlags[ColBioVoltageMean] = FlagMissing
			}
			if row.BioVoltageStd == nil {
				row.QualityFlags[ColBioVoltageStd] = FlagMissing
			}
		}

		rows = append(rows, row)
	}

	return rows
}
