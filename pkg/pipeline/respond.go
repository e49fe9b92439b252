package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/datalens-ai/datalens/pkg/executor"
)

// Narrate turns a successful result into a plain-language interpretation.
// Narration is best-effort: if the model call fails or returns nothing
// usable, the formatted result table stands in and the request still
// succeeds.
func Narrate(ctx context.Context, log *slog.Logger, llm LLMClient, tier Tier, question, sql string, result executor.Result) string {
	userPrompt := buildNarrateUserPrompt(question, sql, result)

	response, err := llm.Complete(ctx, tier, narrateSystemPrompt, userPrompt)
	if err != nil {
		log.Warn("narration call failed, falling back to formatted result", "error", err)
		return FormatResult(result)
	}

	narrative := strings.TrimSpace(response)
	if narrative == "" {
		return FormatResult(result)
	}
	return narrative
}
