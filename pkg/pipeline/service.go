package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/datalens-ai/datalens/pkg/executor"
	"github.com/datalens-ai/datalens/pkg/schema"
	"github.com/google/uuid"
)

// ServiceConfig configures the question answering service.
type ServiceConfig struct {
	Logger     *slog.Logger
	Registry   *schema.Registry
	Reducer    *schema.Reducer
	Supervisor *Supervisor
	LLM        LLMClient
}

func (c *ServiceConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Reducer == nil {
		return errors.New("reducer is required")
	}
	if c.Supervisor == nil {
		return errors.New("supervisor is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	return nil
}

// Answer is the terminal report for one question.
type Answer struct {
	ID         uuid.UUID        `json:"id"`
	Succeeded  bool             `json:"succeeded"`
	Query      string           `json:"query,omitempty"`
	Result     *executor.Result `json:"result,omitempty"`
	Narrative  string           `json:"narrative,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
	Attempts   int              `json:"attempts"`
	Tier       Tier             `json:"tier"`
	CacheHit   bool             `json:"cache_hit"`
	Confidence float64          `json:"confidence"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// Service answers free-text questions against a named catalog. Each call is
// one independent unit of work; the service itself is stateless and safe for
// concurrent use.
type Service struct {
	log *slog.Logger
	cfg *ServiceConfig
}

func NewService(cfg *ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// Process runs the full pipeline for one question. A non-nil error means
// the question could not be answered; the Answer still carries the last
// candidate and diagnostics for the caller's failure report.
func (s *Service) Process(ctx context.Context, catalogName, question string) (Answer, error) {
	started := time.Now()

	catalog, err := s.cfg.Registry.Get(catalogName)
	if err != nil {
		return Answer{}, err
	}

	reduced := s.cfg.Reducer.Reduce(question, catalog)
	if reduced.IsEmpty() {
		// Fail before spending any generation call on an unanswerable
		// question.
		return Answer{Errors: []string{"no schema context available"}}, ErrSchemaUnavailable
	}

	tier := Route(question, len(reduced.Tables))

	ws := s.cfg.Supervisor.NewWorkflow(question, reduced, tier)
	s.log.Info("processing question",
		"workflow", ws.ID, "catalog", catalogName, "tier", tier,
		"tables", len(reduced.Tables))

	state, runErr := s.cfg.Supervisor.Run(ctx, ws)

	answer := Answer{
		ID:         ws.ID,
		Query:      ws.Query,
		Errors:     ws.Errors,
		Attempts:   ws.Attempts,
		Tier:       tier,
		CacheHit:   ws.CacheHit,
		Confidence: ws.Confidence,
		Elapsed:    time.Since(started),
	}

	if state != StateSucceeded {
		s.log.Warn("question failed",
			"workflow", ws.ID, "attempts", ws.Attempts, "errors", len(ws.Errors))
		return answer, runErr
	}

	answer.Succeeded = true
	answer.Result = ws.Result
	answer.Narrative = Narrate(ctx, s.log, s.cfg.LLM, tier, question, ws.Query, *ws.Result)
	return answer, nil
}
