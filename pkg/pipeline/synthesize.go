package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/datalens-ai/datalens/pkg/schema"
)

// SynthesizerConfig configures the query synthesizer.
type SynthesizerConfig struct {
	Logger *slog.Logger
	LLM    LLMClient
}

func (c *SynthesizerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	return nil
}

// Synthesizer produces one candidate query per call. It invokes the
// generation service exactly once; retrying is the supervisor's job.
type Synthesizer struct {
	log *slog.Logger
	cfg *SynthesizerConfig
}

func NewSynthesizer(cfg *SynthesizerConfig) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synthesizer{log: cfg.Logger, cfg: cfg}, nil
}

// Synthesize builds a bounded generation request from the question and the
// reduced context, parses the response into a single candidate query, and
// scores it structurally. A service error or unparseable response yields an
// empty candidate with the error recorded.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, catalog *schema.Catalog, tier Tier) Candidate {
	userPrompt := buildGenerateUserPrompt(question, catalog)

	response, err := s.cfg.LLM.Complete(ctx, tier, generateSystemPrompt, userPrompt)
	if err != nil {
		s.log.Warn("generation call failed", "tier", tier, "error", err)
		return Candidate{Errors: []string{fmt.Sprintf("%v: %v", ErrGenerationFailure, err)}}
	}

	sql, err := parseCandidateSQL(response)
	if err != nil {
		s.log.Warn("generation response unparseable", "tier", tier, "error", err)
		return Candidate{Errors: []string{fmt.Sprintf("%v: %v", ErrGenerationFailure, err)}}
	}

	confidence, groundErrs := groundCandidate(sql, catalog)
	if len(groundErrs) > 0 {
		s.log.Info("candidate references unknown identifiers",
			"tier", tier, "errors", len(groundErrs))
	}

	return Candidate{SQL: sql, Confidence: confidence, Errors: groundErrs}
}
