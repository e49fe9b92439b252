package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/datalens-ai/datalens/pkg/schema"
)

const patternFixConfidence = 0.6

// Fix is the corrector's outcome. Fixed is false when neither the pattern
// table nor the model produced a different query; the supervisor treats
// that as a consumed attempt so it cannot loop on a stuck corrector.
type Fix struct {
	Query      string
	Confidence float64
	Errors     []string
	Fixed      bool
	Method     string // "pattern" or "model"
}

// CorrectorConfig configures the corrector.
type CorrectorConfig struct {
	Logger *slog.Logger
	LLM    LLMClient
}

func (c *CorrectorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	return nil
}

// Corrector repairs failing queries: first a table of deterministic pattern
// fixes keyed on the engine's error message, then one model-assisted repair
// call. The pattern path is preferred because it is cheap and deterministic.
type Corrector struct {
	log *slog.Logger
	cfg *CorrectorConfig
}

func NewCorrector(cfg *CorrectorConfig) (*Corrector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Corrector{log: cfg.Logger, cfg: cfg}, nil
}

// Correct produces a repaired candidate for a failing query. The error list
// carries the raw engine diagnostics; suggestions come from the analyzer.
func (c *Corrector) Correct(ctx context.Context, ws *WorkflowState, roundErrors []string) Fix {
	errText := strings.Join(roundErrors, "\n")

	if ws.Query != "" {
		if fixed, ok := applyPatternFixes(ws.Query, errText, ws.Context); ok && fixed != ws.Query {
			c.log.Info("pattern fix applied", "workflow", ws.ID)
			return Fix{Query: fixed, Confidence: patternFixConfidence, Fixed: true, Method: "pattern"}
		}
	}

	userPrompt := buildRepairUserPrompt(ws.Question, ws.Query, roundErrors, ws.Suggestions, ws.Context)
	response, err := c.cfg.LLM.Complete(ctx, ws.Tier, repairSystemPrompt, userPrompt)
	if err != nil {
		c.log.Warn("repair call failed", "workflow", ws.ID, "error", err)
		return Fix{
			Query:  ws.Query,
			Errors: []string{fmt.Sprintf("%v: %v", ErrGenerationFailure, err)},
		}
	}

	sql, err := parseCandidateSQL(response)
	if err != nil || sql == ws.Query {
		return Fix{
			Query:  ws.Query,
			Errors: []string{fmt.Sprintf("%v: repair produced no new query", ErrGenerationFailure)},
		}
	}

	confidence, groundErrs := groundCandidate(sql, ws.Context)
	return Fix{Query: sql, Confidence: confidence, Errors: groundErrs, Fixed: true, Method: "model"}
}

// patternFix is one deterministic repair rule. match is a lowercase
// substring of the error message; apply returns the rewritten query.
type patternFix struct {
	match []string
	apply func(sql, errMsg string, catalog *schema.Catalog) (string, bool)
}

var patternFixes = []patternFix{
	{
		match: []string{"unknown identifier", "unknown column", "missing columns", "unknown table", "doesn't exist", "not found"},
		apply: fixUnknownIdentifier,
	},
	{
		match: []string{"ambiguous column", "ambiguous identifier"},
		apply: fixAmbiguousColumn,
	},
}

func applyPatternFixes(sql, errMsg string, catalog *schema.Catalog) (string, bool) {
	lower := strings.ToLower(errMsg)
	for _, p := range patternFixes {
		for _, m := range p.match {
			if strings.Contains(lower, m) {
				if fixed, ok := p.apply(sql, errMsg, catalog); ok {
					return fixed, true
				}
				break
			}
		}
	}
	return "", false
}

// offenderPatterns pull the offending identifier out of common engine error
// shapes (ClickHouse first, generic fallbacks after).
var offenderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)missing columns:\s*'([\w$]+)'`),
	regexp.MustCompile(`(?i)unknown identifier[:\s]+'?([\w$]+)'?`),
	regexp.MustCompile(`(?i)unknown column[:\s]+'?([\w$]+)'?`),
	regexp.MustCompile(`(?i)unknown table[:\s]+'?([\w$.]+)'?`),
	regexp.MustCompile(`(?i)(?:column|table|identifier)\s+'?"?([\w$]+)"?'?\s+(?:doesn't exist|not found|does not exist)`),
	regexp.MustCompile(`(?i)ambiguous (?:column|identifier)[:\s]+'?([\w$]+)'?`),
}

func extractOffender(errMsg string) (string, bool) {
	for _, p := range offenderPatterns {
		if m := p.FindStringSubmatch(errMsg); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// fixUnknownIdentifier rewrites a misspelled or miscased name to the
// nearest name in the schema: exact case-insensitive match first, then the
// closest known name within a small edit distance ("revenu" to "revenue").
func fixUnknownIdentifier(sql, errMsg string, catalog *schema.Catalog) (string, bool) {
	offender, ok := extractOffender(errMsg)
	if !ok {
		return "", false
	}

	replacement, ok := nearestKnownName(offender, catalog)
	if !ok {
		return "", false
	}

	wordPattern := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(offender) + `\b`)
	fixed := replaceOutsideLiterals(sql, wordPattern, replacement)
	return fixed, fixed != sql
}

// replaceOutsideLiterals applies the rewrite to the statement text only,
// leaving single-quoted string values untouched.
func replaceOutsideLiterals(sql string, pattern *regexp.Regexp, replacement string) string {
	var b strings.Builder
	last := 0
	for _, loc := range stringLiteral.FindAllStringIndex(sql, -1) {
		b.WriteString(pattern.ReplaceAllString(sql[last:loc[0]], replacement))
		b.WriteString(sql[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(pattern.ReplaceAllString(sql[last:], replacement))
	return b.String()
}

// fixAmbiguousColumn qualifies a bare column with the first context table
// that declares it.
func fixAmbiguousColumn(sql, errMsg string, catalog *schema.Catalog) (string, bool) {
	offender, ok := extractOffender(errMsg)
	if !ok {
		return "", false
	}

	var owner string
	for _, t := range catalog.Tables {
		if _, ok := t.Column(offender); ok {
			owner = t.Name
			break
		}
	}
	if owner == "" {
		return "", false
	}

	// Only qualify bare occurrences; already-qualified ones are fine.
	bare := regexp.MustCompile(`(?i)(^|[^.\w])(` + regexp.QuoteMeta(offender) + `)\b`)
	fixed := replaceOutsideLiterals(sql, bare, "${1}"+owner+".${2}")
	return fixed, fixed != sql
}

const maxEditDistance = 2

// nearestKnownName finds the catalog name closest to the offender. A
// case-insensitive exact match wins outright; otherwise the smallest edit
// distance within the threshold, ties to the earlier declaration.
func nearestKnownName(offender string, catalog *schema.Catalog) (string, bool) {
	lower := strings.ToLower(offender)

	var names []string
	for _, t := range catalog.Tables {
		names = append(names, t.Name)
		for _, col := range t.Columns {
			names = append(names, col.Name)
		}
	}

	best, bestDist := "", maxEditDistance+1
	for _, name := range names {
		nl := strings.ToLower(name)
		if nl == lower {
			if name == offender {
				continue // identical, nothing to rewrite
			}
			return name, true // casing fix
		}
		if d := editDistance(lower, nl); d < bestDist {
			best, bestDist = name, d
		}
	}
	return best, best != ""
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
