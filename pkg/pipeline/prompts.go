package pipeline

import (
	"fmt"
	"strings"

	"github.com/datalens-ai/datalens/pkg/executor"
	"github.com/datalens-ai/datalens/pkg/schema"
)

const generateSystemPrompt = `You are an expert data analyst generating ClickHouse SQL for a BI service.

Rules you must follow:
- Output a single read-only SELECT (or WITH ... SELECT) query and nothing else.
- Use only the tables, columns, and joins listed in the schema below. Never invent names.
- Quote identifiers only when required, and exactly as they appear in the schema.
- Prefer explicit column lists over SELECT *.
- When the question names a time period, express it with ClickHouse date functions.

Respond with JSON:
{"sql": "<the query>", "explanation": "<one sentence>"}`

const repairSystemPrompt = `You are an expert data analyst fixing a ClickHouse SQL query that failed.

Rules you must follow:
- Output a single read-only SELECT (or WITH ... SELECT) query and nothing else.
- Use only the tables, columns, and joins listed in the schema below.
- Address the error message directly; do not change the query's intent.

Respond with JSON:
{"sql": "<the corrected query>", "explanation": "<what was wrong>"}`

const narrateSystemPrompt = `You are a data analyst explaining query results to a business user.

Rules you must follow:
- Begin by directly answering the user's question.
- Summarize the key numbers and any notable pattern; do not recite every row.
- Plain language, one short paragraph or a few bullets. No SQL, no jargon.`

// buildSchemaSection renders the reduced context for a generation request.
func buildSchemaSection(catalog *schema.Catalog) string {
	return "## Schema\n\n```\n" + catalog.Describe() + "```"
}

func buildGenerateUserPrompt(question string, catalog *schema.Catalog) string {
	return fmt.Sprintf("%s\n\nQuestion: %s", buildSchemaSection(catalog), question)
}

func buildRepairUserPrompt(question, failedSQL string, errs, suggestions []string, catalog *schema.Catalog) string {
	var sb strings.Builder
	sb.WriteString(buildSchemaSection(catalog))
	sb.WriteString("\n\nQuestion: " + question)
	sb.WriteString("\n\nFailed query:\n" + failedSQL)
	if len(errs) > 0 {
		sb.WriteString("\n\nError:\n" + strings.Join(errs, "\n"))
	}
	if len(suggestions) > 0 {
		sb.WriteString("\n\nHints:\n- " + strings.Join(suggestions, "\n- "))
	}
	sb.WriteString("\n\nGenerate a corrected query that avoids this error.")
	return sb.String()
}

func buildNarrateUserPrompt(question, sql string, result executor.Result) string {
	return fmt.Sprintf("Question: %s\n\nQuery:\n%s\n\nResults:\n%s",
		question, sql, FormatResult(result))
}

// FormatResult renders a result set as readable text, both for the
// narrative prompt and as the fallback answer when narration fails.
func FormatResult(result executor.Result) string {
	if result.Count == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Columns: %s\n", strings.Join(result.Columns, " | ")))
	sb.WriteString(fmt.Sprintf("Rows (%d total):\n", result.Count))

	const maxRows = 50
	display := min(maxRows, len(result.Rows))
	for i := range display {
		values := make([]string, len(result.Columns))
		for j, col := range result.Columns {
			values[j] = formatValue(result.Rows[i][col])
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	if result.Count > maxRows {
		sb.WriteString(fmt.Sprintf("... and %d more rows\n", result.Count-maxRows))
	}
	return sb.String()
}

// formatValue renders a scalar for display, rounding floats to two
// decimals and truncating long strings.
func formatValue(v any) string {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case float32:
		return formatValue(float64(val))
	case nil:
		return ""
	default:
		s := fmt.Sprintf("%v", v)
		if len(s) > 100 {
			s = s[:97] + "..."
		}
		return s
	}
}
