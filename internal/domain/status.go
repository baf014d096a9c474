package domain

// Status represents the pipeline position of a document record.
// It advances monotonically along the stage order; only a restart may
// force it back to StatusQueued.
type Status string

const (
	StatusQueued Status = "queued"

	StatusPreprocessing  Status = "preprocessing"
	StatusPreprocessed   Status = "preprocessed"
	StatusExtractingText Status = "extracting_text"
	StatusTextExtracted  Status = "text_extracted"
	StatusPredicting     Status = "predicting"
	StatusPredicted      Status = "predicted"
	StatusStructuring    Status = "structuring"
	StatusStructured     Status = "structured"
	StatusEvaluating     Status = "evaluating"

	// Terminal success states produced by the evaluate stage.
	StatusApproved     Status = "approved"
	StatusManualReview Status = "manual_review"

	// Terminal failure states, one per stage, reached after retries
	// are exhausted.
	StatusPreprocessError    Status = "preprocess_error"
	StatusTextExtractedError Status = "text_extracted_error"
	StatusPredictError       Status = "predict_error"
	StatusStructureError     Status = "structure_error"
	StatusEvaluateError      Status = "evaluate_error"
)

// statusRank orders the non-error statuses along the pipeline. Error
// statuses are terminal and sit outside the linear order.
var statusRank = map[Status]int{
	StatusQueued:         0,
	StatusPreprocessing:  1,
	StatusPreprocessed:   2,
	StatusExtractingText: 3,
	StatusTextExtracted:  4,
	StatusPredicting:     5,
	StatusPredicted:      6,
	StatusStructuring:    7,
	StatusStructured:     8,
	StatusEvaluating:     9,
	StatusApproved:       10,
	StatusManualReview:   10,
}

// Rank returns the position of s in the pipeline order, or -1 for
// error statuses and unknown values.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsError reports whether s is a per-stage terminal failure status.
func (s Status) IsError() bool {
	switch s {
	case StatusPreprocessError, StatusTextExtractedError, StatusPredictError,
		StatusStructureError, StatusEvaluateError:
		return true
	}
	return false
}

// IsTerminal reports whether s ends the chain for a document.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusManualReview || s.IsError()
}

// IsRestartable reports whether a document in this status may be
// re-submitted from stage one. In-flight and intermediate statuses are
// not restartable; the chain must first reach a terminal state.
func (s Status) IsRestartable() bool {
	return s == StatusQueued || s.IsTerminal()
}
