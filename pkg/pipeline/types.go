// Package pipeline turns a natural-language question into a verified,
// executable query. The supervisor drives a fixed loop of synthesize,
// execute and analyze, and correct, bounded by an attempt budget, so an
// unreliable generator can never run the pipeline forever.
package pipeline

import (
	"context"
	"errors"

	"github.com/datalens-ai/datalens/pkg/executor"
	"github.com/datalens-ai/datalens/pkg/schema"
	"github.com/google/uuid"
)

// Tier is the cost/quality class of generation resource a question is
// routed to.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// Failure kinds surfaced by the pipeline. ErrSchemaUnavailable and the
// executor's ErrForbiddenOperation are fatal for the request; the rest are
// retried inside the attempt budget.
var (
	ErrSchemaUnavailable = errors.New("schema unavailable")
	ErrGenerationFailure = errors.New("generation failure")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// LLMClient is the generation service boundary: a prompt and a tier hint
// in, raw text out. Implementations tolerate any context deadline and
// rate-limit per tier themselves.
type LLMClient interface {
	Complete(ctx context.Context, tier Tier, systemPrompt, userPrompt string) (string, error)
}

// QueryRunner is the execution boundary, satisfied by *executor.Executor.
type QueryRunner interface {
	Execute(ctx context.Context, sql string) (executor.Result, bool, error)
	RowCap() int
}

// State is a supervisor state-machine state.
type State string

const (
	StateGenerate       State = "GENERATE"
	StateExecuteAnalyze State = "EXECUTE_ANALYZE"
	StateFix            State = "FIX"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
)

// WorkflowState is the unit of work for one question. It is created at
// request start, mutated only by pipeline stages in sequence, and discarded
// once the response is returned. It is never shared between units of work.
type WorkflowState struct {
	ID       uuid.UUID
	Question string
	Context  *schema.Catalog
	Tier     Tier

	Query       string
	Result      *executor.Result
	CacheHit    bool
	Errors      []string
	Suggestions []string

	// Confidence is meaningless (zero) until the candidate has executed at
	// least once.
	Confidence float64

	Attempts int
	Budget   int
}

func (ws *WorkflowState) recordError(msg string) {
	ws.Errors = append(ws.Errors, msg)
}

// Candidate is a synthesized or repaired query with its initial confidence
// estimate and any structural errors found while grounding it.
type Candidate struct {
	SQL        string
	Confidence float64
	Errors     []string
}

// Analysis is the result analyzer's annotation of an executed result set.
type Analysis struct {
	Confidence  float64
	Suggestions []string
	Detected    []string
}
