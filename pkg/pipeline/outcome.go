package pipeline

// Status classifies how a subject's run ended.
type Status string

const (
	// StatusSuccess: a window was processed and committed.
	StatusSuccess Status = "success"

	// StatusNoop: nothing to do (no new data, empty window, or the
	// subject's lease was held by another run).
	StatusNoop Status = "no-op"

	// StatusFailed: the run aborted; the checkpoint did not move.
	StatusFailed Status = "failed"
)

// Outcome is the per-subject result report of one pipeline run.
type Outcome struct {
	SubjectID   int64  `json:"subject_id"`
	RowsWritten int    `json:"rows_written"`
	Status      Status `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Err         error  `json:"-"`
}
