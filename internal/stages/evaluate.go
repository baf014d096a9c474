package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
)

// EvaluateOutput closes the pipeline: the decision routes the document
// to its terminal status and the quality score is written back onto the
// processing record.
type EvaluateOutput struct {
	Decision     string  `json:"decision"`
	QualityScore float64 `json:"quality_score"`
	Completeness float64 `json:"completeness"`
	Confidence   float64 `json:"confidence"`
}

// Evaluator scores the structured invoice and decides between automatic
// approval and manual review.
type Evaluator struct {
	approveThreshold float64
}

// NewEvaluator creates an evaluate collaborator with the configured
// approval threshold.
func NewEvaluator(cfg *config.EvaluateConfig) *Evaluator {
	threshold := cfg.ApproveThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Evaluator{approveThreshold: threshold}
}

// Run scores the structured result. The quality score weighs field
// completeness and extraction confidence equally; at or above the
// threshold the invoice is approved, below it goes to manual review.
func (e *Evaluator) Run(_ context.Context, _, _ string, input []byte) ([]byte, error) {
	var structured StructureOutput
	if err := json.Unmarshal(input, &structured); err != nil {
		return nil, fmt.Errorf("failed to decode structure output: %w", err)
	}

	score := 0.5*structured.Completeness + 0.5*structured.Confidence
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	decision := "manual_review"
	if score >= e.approveThreshold {
		decision = "approved"
	}

	return json.Marshal(EvaluateOutput{
		Decision:     decision,
		QualityScore: score,
		Completeness: structured.Completeness,
		Confidence:   structured.Confidence,
	})
}
