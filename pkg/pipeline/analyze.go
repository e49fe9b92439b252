package pipeline

import (
	"strings"

	"github.com/datalens-ai/datalens/pkg/executor"
)

const (
	emptyResultCap   = 0.3
	aggregateBoost   = 0.85
	aggregateMaxCols = 3
)

// Analyze inspects an executed result set for correctness signals and
// adjusts the candidate's confidence. It never re-executes or rewrites the
// query; it only annotates.
//
// Signals, in order: an empty result set caps confidence low (a filter
// probably missed), a single-row aggregate-shaped result boosts it
// (aggregates are rarely structurally wrong), and a result at the row cap
// is neutral (truncation says nothing about correctness).
func Analyze(question, sql string, result executor.Result, baseConfidence float64, rowCap int) Analysis {
	if result.Count == 0 {
		return Analysis{
			Confidence:  min(baseConfidence, emptyResultCap),
			Suggestions: []string{"check filter conditions: the query matched no rows"},
		}
	}

	if isAggregateShape(sql, result) {
		return Analysis{Confidence: max(baseConfidence, aggregateBoost)}
	}

	if rowCap > 0 && result.Count >= rowCap {
		return Analysis{
			Confidence:  baseConfidence,
			Suggestions: []string{"result hit the row cap; totals may be truncated"},
		}
	}

	return Analysis{Confidence: baseConfidence}
}

// isAggregateShape reports whether the result looks like a computed
// aggregate: one row with a handful of numeric columns, produced by a query
// that actually aggregates.
func isAggregateShape(sql string, result executor.Result) bool {
	if result.Count != 1 || len(result.Columns) == 0 || len(result.Columns) > aggregateMaxCols {
		return false
	}
	if !hasAggregateFunction(sql) {
		return false
	}
	row := result.Rows[0]
	numeric := 0
	for _, col := range result.Columns {
		if isNumeric(row[col]) {
			numeric++
		}
	}
	return numeric >= 1
}

var aggregateFunctions = []string{"sum(", "count(", "avg(", "min(", "max(", "median(", "quantile("}

func hasAggregateFunction(sql string) bool {
	lower := strings.ToLower(sql)
	for _, fn := range aggregateFunctions {
		if strings.Contains(lower, fn) {
			return true
		}
	}
	return false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case string:
		// ClickHouse JSON output renders UInt64/Decimal as strings.
		s := v.(string)
		if s == "" {
			return false
		}
		for _, r := range s {
			if (r < '0' || r > '9') && r != '.' && r != '-' {
				return false
			}
		}
		return true
	default:
		return false
	}
}
