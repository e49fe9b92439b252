package pipeline

import "strings"

// Keyword groups for the routing rules. Matching is substring-based on the
// lowercased question, same as the complexity heuristics the synthesizer's
// prompts are tuned against.
var (
	aggregationKeywords = []string{
		"count", "total", "sum", "average", "how many", "how much",
		"minimum", "maximum",
	}
	joinKeywords = []string{
		"per", "by", "for each", "across", "between", "with their",
		"and their", "breakdown",
	}
	complexKeywords = []string{
		"compare", "trend", "correlation", "year over year", "cohort",
		"percentile", "moving average", "rank", "top", "ratio",
		"percentage", "growth",
	}
)

// Route classifies a question into a tier. The decision is a deterministic
// rule set over the question text and the size of the reduced context; it
// only selects which generation resource is used, never what counts as a
// correct answer.
func Route(question string, tableCount int) Tier {
	q := strings.ToLower(question)

	if tableCount > 3 {
		return TierComplex
	}
	if countMatches(q, complexKeywords) > 0 || multiCondition(q) {
		return TierComplex
	}
	if tableCount > 1 || countMatches(q, joinKeywords) > 0 {
		return TierModerate
	}
	if countMatches(q, aggregationKeywords) > 0 && len(strings.Fields(q)) < 15 {
		return TierSimple
	}
	if len(strings.Fields(q)) < 8 {
		return TierSimple
	}
	return TierModerate
}

func countMatches(q string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(q, k) {
			n++
		}
	}
	return n
}

// multiCondition reports whether the question stacks several filter
// conditions or time windows, which correlates with nested generation.
func multiCondition(q string) bool {
	conjunctions := strings.Count(q, " and ") + strings.Count(q, " or ")
	timeWindows := strings.Count(q, "last ") + strings.Count(q, "previous ") +
		strings.Count(q, "this ") + strings.Count(q, "since ")
	return conjunctions > 1 || (conjunctions >= 1 && timeWindows >= 1)
}
