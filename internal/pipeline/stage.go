package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
)

// Stage names in pipeline order.
const (
	StagePreprocess  = "preprocess"
	StageExtractText = "extract_text"
	StagePredict     = "predict"
	StageStructure   = "structure"
	StageEvaluate    = "evaluate"
)

// Collaborator performs the domain work of one stage: it receives the
// previous stage's output (nil for the first stage, which reads the raw
// upload from object storage itself) and returns the stage's output.
// Collaborators are pure workers; they never touch document status.
type Collaborator func(ctx context.Context, documentID, companyID string, input []byte) ([]byte, error)

// Stage binds one pipeline step to its status transitions and execution
// policy. The runner moves a document Entry -> Running when a task
// arrives, then Running -> Done (or a terminal decision status for the
// final stage) on success and Running -> Error once retries are spent.
type Stage struct {
	Name    string
	Entry   domain.Status
	Running domain.Status
	Done    domain.Status
	Error   domain.Status
	// Next is the stage dispatched after Done, empty for the last stage.
	Next  string
	Final bool

	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration

	Run Collaborator
}

var stageDefs = []struct {
	name    string
	entry   domain.Status
	running domain.Status
	done    domain.Status
	failed  domain.Status
	final   bool
}{
	{StagePreprocess, domain.StatusQueued, domain.StatusPreprocessing, domain.StatusPreprocessed, domain.StatusPreprocessError, false},
	{StageExtractText, domain.StatusPreprocessed, domain.StatusExtractingText, domain.StatusTextExtracted, domain.StatusTextExtractedError, false},
	{StagePredict, domain.StatusTextExtracted, domain.StatusPredicting, domain.StatusPredicted, domain.StatusPredictError, false},
	{StageStructure, domain.StatusPredicted, domain.StatusStructuring, domain.StatusStructured, domain.StatusStructureError, false},
	{StageEvaluate, domain.StatusStructured, domain.StatusEvaluating, "", domain.StatusEvaluateError, true},
}

// Chain holds the ordered stages of the pipeline.
type Chain struct {
	stages []*Stage
	byName map[string]*Stage
}

// NewChain builds the stage chain from per-stage configuration and the
// collaborator for each stage. Every stage must have a collaborator.
func NewChain(cfg *config.PipelineConfig, collaborators map[string]Collaborator) (*Chain, error) {
	chain := &Chain{byName: make(map[string]*Stage)}
	for i, def := range stageDefs {
		run, ok := collaborators[def.name]
		if !ok || run == nil {
			return nil, fmt.Errorf("no collaborator registered for stage %s", def.name)
		}
		sc := cfg.Stages[def.name]
		if sc.Timeout <= 0 {
			sc.Timeout = 2 * time.Minute
		}
		if sc.MaxRetries <= 0 {
			sc.MaxRetries = 1
		}
		stage := &Stage{
			Name:       def.name,
			Entry:      def.entry,
			Running:    def.running,
			Done:       def.done,
			Error:      def.failed,
			Final:      def.final,
			Timeout:    sc.Timeout,
			MaxRetries: sc.MaxRetries,
			Backoff:    sc.Backoff,
			Run:        run,
		}
		if i+1 < len(stageDefs) {
			stage.Next = stageDefs[i+1].name
		}
		chain.stages = append(chain.stages, stage)
		chain.byName[def.name] = stage
	}
	return chain, nil
}

// First returns the entry stage of the chain.
func (c *Chain) First() *Stage {
	return c.stages[0]
}

// Get returns the stage with the given name.
func (c *Chain) Get(name string) (*Stage, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Stages returns the stages in pipeline order.
func (c *Chain) Stages() []*Stage {
	return c.stages
}
