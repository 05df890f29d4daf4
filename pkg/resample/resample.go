package resample

import (
	"math"
	"sort"
	"time"

	"github.com/plantpulse/plantpulse/pkg/telemetry"
	"github.com/plantpulse/plantpulse/pkg/timegrid"
)

// DefaultMaxForwardFill bounds how long a scalar value may be carried
// forward across a gap before the column goes missing.
const DefaultMaxForwardFill = 5 * time.Minute

// Bucket holds the per-second aggregate of a dense channel.
type Bucket struct {
	Mean float64
	Std  float64
}

// ForwardFill resamples a low-frequency channel onto the grid.
//
// Rules, in order:
//   - readings are floored to the second; the last reading within a second
//     wins outright (a newer sample supersedes, values are never averaged)
//   - a grid second without a reading carries the previous value forward,
//     as long as the gap back to the originating reading is <= maxGap
//   - nothing is filled before the first real reading, and nothing beyond
//     maxGap; those grid instants are simply absent from the result
//
// Absent instants have no key in the returned map. Input order does not
// matter; readings are sorted defensively before the last-wins pass.
func ForwardFill(readings []telemetry.Reading, grid []time.Time, maxGap time.Duration) map[time.Time]float64 {
	result := make(map[time.Time]float64, len(grid))
	if len(grid) == 0 {
		return result
	}
	if maxGap <= 0 {
		maxGap = DefaultMaxForwardFill
	}

	sorted := make([]telemetry.Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	// Last value per floored second wins
	bySecond := make(map[time.Time]float64, len(sorted))
	for _, r := range sorted {
		bySecond[timegrid.FloorSecond(r.Timestamp)] = r.Value
	}

	var (
		lastValue   float64
		lastValueTS time.Time
		haveLast    bool
	)

	for _, gridTS := range grid {
		if v, ok := bySecond[gridTS]; ok {
			lastValue = v
			lastValueTS = gridTS
			haveLast = true
			result[gridTS] = v
			continue
		}

		// Gap distance is measured from the originating reading, not from
		// the previously filled instant, so a fill never outlives maxGap.
		if haveLast && gridTS.Sub(lastValueTS) <= maxGap {
			result[gridTS] = lastValue
		}
	}

	return result
}

// Aggregate buckets a dense channel's samples into 1-second windows and
// computes the per-bucket mean and sample standard deviation (n-1). A
// single-sample bucket reports std 0. Empty buckets stay absent: a missing
// burst cannot be reconstructed from neighbors, so dense channels are
// never forward-filled.
func Aggregate(readings []telemetry.Reading, grid []time.Time) map[time.Time]Bucket {
	result := make(map[time.Time]Bucket, len(grid))
	if len(grid) == 0 || len(readings) == 0 {
		return result
	}

	// Samples in [t, t+1s) belong to bucket t
	buckets := make(map[time.Time][]float64)
	for _, r := range readings {
		ts := timegrid.FloorSecond(r.Timestamp)
		buckets[ts] = append(buckets[ts], r.Value)
	}

	for _, gridTS := range grid {
		values := buckets[gridTS]
		if len(values) == 0 {
			continue
		}

		n := float64(len(values))
		var sum float64
		for _, v := range values {
			sum += v
		}
		mean := sum / n

		std := 0.0
		if len(values) > 1 {
			var sqDev float64
			for _, v := range values {
				d := v - mean
				sqDev += d * d
			}
			std = math.Sqrt(sqDev / (n - 1))
		}

		result[gridTS] = Bucket{Mean: mean, Std: std}
	}

	return result
}
