package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/datalens-ai/datalens/pkg/executor"
	"github.com/datalens-ai/datalens/pkg/schema"
	"github.com/google/uuid"
)

const (
	defaultAttemptBudget    = 3
	defaultSuccessThreshold = 0.5
)

// SupervisorConfig configures the supervisor.
type SupervisorConfig struct {
	Logger      *slog.Logger
	Synthesizer *Synthesizer
	Corrector   *Corrector
	Runner      QueryRunner

	// Policy constants, configurable rather than hard requirements.
	AttemptBudget    int
	SuccessThreshold float64
}

func (c *SupervisorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Synthesizer == nil {
		return errors.New("synthesizer is required")
	}
	if c.Corrector == nil {
		return errors.New("corrector is required")
	}
	if c.Runner == nil {
		return errors.New("query runner is required")
	}
	if c.AttemptBudget == 0 {
		c.AttemptBudget = defaultAttemptBudget
	}
	if c.AttemptBudget < 0 {
		return errors.New("attempt budget must be > 0")
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	return nil
}

// Supervisor drives one question through the pipeline as an explicit finite
// state machine. The attempt counter is the sole liveness guard: both
// GENERATE and FIX consume an attempt, and FIX is only entered while
// attempts remain, so the machine terminates within the budget no matter
// how the generator or corrector behave.
type Supervisor struct {
	log *slog.Logger
	cfg *SupervisorConfig
}

func NewSupervisor(cfg *SupervisorConfig) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{log: cfg.Logger, cfg: cfg}, nil
}

// NewWorkflow builds the unit of work for one question against an already
// reduced context.
func (s *Supervisor) NewWorkflow(question string, reduced *schema.Catalog, tier Tier) *WorkflowState {
	return &WorkflowState{
		ID:       uuid.New(),
		Question: question,
		Context:  reduced,
		Tier:     tier,
		Budget:   s.cfg.AttemptBudget,
	}
}

// Run executes the state machine to a terminal state. The returned error is
// non-nil only for FAILED and names the failure kind; the workflow state
// always carries the last candidate query and the full error list.
func (s *Supervisor) Run(ctx context.Context, ws *WorkflowState) (State, error) {
	if ws.Context.IsEmpty() {
		ws.recordError("no schema available for this catalog")
		return StateFailed, ErrSchemaUnavailable
	}

	// roundErrors holds the current round's diagnostics: they feed the
	// corrector and gate the success transition. ws.Errors accumulates
	// everything for the final report.
	var roundErrors []string
	var fatal error

	state := StateGenerate
	for {
		switch state {
		case StateGenerate:
			ws.Attempts++
			cand := s.cfg.Synthesizer.Synthesize(ctx, ws.Question, ws.Context, ws.Tier)
			ws.Query = cand.SQL
			ws.Confidence = cand.Confidence
			roundErrors = cand.Errors
			for _, e := range cand.Errors {
				ws.recordError(e)
			}
			s.log.Info("candidate generated",
				"workflow", ws.ID, "attempt", ws.Attempts, "tier", ws.Tier,
				"confidence", cand.Confidence, "errors", len(cand.Errors))
			state = StateExecuteAnalyze

		case StateExecuteAnalyze:
			state, fatal = s.executeAnalyze(ctx, ws, &roundErrors)

		case StateFix:
			ws.Attempts++
			fix := s.cfg.Corrector.Correct(ctx, ws, roundErrors)
			if fix.Fixed {
				ws.Query = fix.Query
				ws.Confidence = fix.Confidence
				s.log.Info("candidate corrected",
					"workflow", ws.ID, "attempt", ws.Attempts, "method", fix.Method)
			} else {
				s.log.Info("correction made no progress",
					"workflow", ws.ID, "attempt", ws.Attempts)
			}
			roundErrors = fix.Errors
			for _, e := range fix.Errors {
				ws.recordError(e)
			}
			// Re-execute even a failed correction; it consumes the attempt
			// that guarantees termination.
			state = StateExecuteAnalyze

		case StateSucceeded:
			return StateSucceeded, nil

		case StateFailed:
			if fatal != nil {
				return StateFailed, fatal
			}
			return StateFailed, ErrAttemptsExhausted
		}
	}
}

func (s *Supervisor) executeAnalyze(ctx context.Context, ws *WorkflowState, roundErrors *[]string) (State, error) {
	if ws.Query == "" {
		// Generation produced nothing executable this round.
		return s.afterFailedRound(ws), nil
	}

	result, cached, err := s.cfg.Runner.Execute(ctx, ws.Query)
	if err != nil {
		if errors.Is(err, executor.ErrForbiddenOperation) {
			// Fatal: a non-read candidate is surfaced immediately rather
			// than burning retry attempts on it.
			ws.recordError(err.Error())
			s.log.Warn("forbidden candidate rejected", "workflow", ws.ID)
			return StateFailed, executor.ErrForbiddenOperation
		}

		var msg string
		if ee, ok := executor.AsEngineError(err); ok {
			// The raw engine diagnostic is the corrector's primary input.
			msg = ee.Raw
		} else {
			msg = err.Error()
		}
		ws.recordError(msg)
		*roundErrors = append(*roundErrors, msg)
		ws.Confidence = 0
		s.log.Info("execution failed",
			"workflow", ws.ID, "attempt", ws.Attempts, "error", msg)
		return s.afterFailedRound(ws), nil
	}

	ws.Result = &result
	ws.CacheHit = cached

	analysis := Analyze(ws.Question, ws.Query, result, ws.Confidence, s.cfg.Runner.RowCap())
	ws.Confidence = analysis.Confidence
	ws.Suggestions = append(ws.Suggestions, analysis.Suggestions...)
	for _, d := range analysis.Detected {
		ws.recordError(d)
		*roundErrors = append(*roundErrors, d)
	}

	if ws.Confidence >= s.cfg.SuccessThreshold && len(*roundErrors) == 0 {
		s.log.Info("workflow succeeded",
			"workflow", ws.ID, "attempts", ws.Attempts,
			"confidence", ws.Confidence, "rows", result.Count, "cached", cached)
		return StateSucceeded, nil
	}

	if len(*roundErrors) == 0 && len(analysis.Suggestions) > 0 {
		// Low confidence without a hard error still routes through FIX so
		// the repair prompt can carry the analyzer's hints.
		*roundErrors = append(*roundErrors,
			fmt.Sprintf("result confidence %.2f below threshold %.2f",
				ws.Confidence, s.cfg.SuccessThreshold))
	}

	return s.afterFailedRound(ws), nil
}

func (s *Supervisor) afterFailedRound(ws *WorkflowState) State {
	if ws.Attempts < ws.Budget {
		return StateFix
	}
	s.log.Info("attempt budget exhausted",
		"workflow", ws.ID, "attempts", ws.Attempts, "budget", ws.Budget)
	return StateFailed
}
