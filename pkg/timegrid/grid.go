package timegrid

import (
	"fmt"
	"time"
)

// ValidationError reports malformed grid input (zero or reversed range).
// It is fatal to the single call, never to a whole pipeline run.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid time grid input: %s", e.Reason)
}

// FloorSecond truncates t to the whole second and normalizes it to UTC.
// All grid math happens on floored UTC instants (12:00:00.923 -> 12:00:00).
func FloorSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Generate returns the canonical 1 Hz grid from floor(start) to floor(end)
// inclusive, strictly increasing by exactly one second.
//
// floor(start) > floor(end) yields an empty grid (nil, no error): callers
// bound windows with an exclusive upper cutoff and an empty window is a
// normal no-op, not a failure. Zero-valued inputs are rejected.
func Generate(start, end time.Time) ([]time.Time, error) {
	if start.IsZero() || end.IsZero() {
		return nil, &ValidationError{Reason: "zero timestamp"}
	}

	start = FloorSecond(start)
	end = FloorSecond(end)

	if start.After(end) {
		return nil, nil
	}

	n := int(end.Sub(start)/time.Second) + 1
	grid := make([]time.Time, 0, n)
	for cur := start; !cur.After(end); cur = cur.Add(time.Second) {
		grid = append(grid, cur)
	}

	return grid, nil
}
