package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/datalens-ai/datalens/pkg/schema"
)

const (
	groundedConfidence   = 0.75
	ungroundedConfidence = 0.2
)

// sqlKeywords are tokens never treated as identifiers during grounding.
// Includes ClickHouse interval units, which appear bare in date arithmetic.
var sqlKeywords = map[string]struct{}{
	"select": {}, "from": {}, "where": {}, "group": {}, "order": {}, "by": {},
	"having": {}, "limit": {}, "offset": {}, "join": {}, "inner": {}, "left": {},
	"right": {}, "full": {}, "outer": {}, "cross": {}, "on": {}, "using": {},
	"as": {}, "and": {}, "or": {}, "not": {}, "in": {}, "is": {}, "null": {},
	"like": {}, "ilike": {}, "between": {}, "case": {}, "when": {}, "then": {},
	"else": {}, "end": {}, "distinct": {}, "with": {}, "union": {}, "all": {},
	"asc": {}, "desc": {}, "interval": {}, "day": {}, "days": {}, "week": {},
	"month": {}, "months": {}, "year": {}, "years": {}, "hour": {}, "minute": {},
	"second": {}, "true": {}, "false": {}, "exists": {}, "any": {}, "format": {},
}

var (
	tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+("?[A-Za-z_][\w$]*"?)(?:\s+(?:AS\s+)?("?[A-Za-z_][\w$]*"?))?`)
	aliasDefPattern = regexp.MustCompile(`(?i)\bAS\s+("?[A-Za-z_][\w$]*"?)`)
	ctePattern      = regexp.MustCompile(`(?i)\b([A-Za-z_][\w$]*)\s+AS\s*\(`)
	dottedPattern   = regexp.MustCompile(`\b([A-Za-z_][\w$]*)\.([A-Za-z_][\w$]*)`)
	identPattern    = regexp.MustCompile(`"?[A-Za-z_][\w$]*"?\s*\(?`)
	stringLiteral   = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
)

// groundCandidate computes a structural confidence from whether a candidate
// query references only names present in the reduced context. Any unknown
// identifier forces confidence low and records an error, which keeps
// hallucinated names below the success threshold no matter what the
// generator claimed.
func groundCandidate(sql string, catalog *schema.Catalog) (float64, []string) {
	if catalog.IsEmpty() {
		return ungroundedConfidence, []string{"uses unknown identifier: no schema context"}
	}

	known := knownNames(catalog)
	scrubbed := stringLiteral.ReplaceAllString(sql, "''")

	// Local names introduced by the query itself are legal references.
	for _, m := range ctePattern.FindAllStringSubmatch(scrubbed, -1) {
		known[strings.ToLower(m[1])] = struct{}{}
	}
	for _, m := range aliasDefPattern.FindAllStringSubmatch(scrubbed, -1) {
		known[normalizeIdent(m[1])] = struct{}{}
	}
	for _, m := range tableRefPattern.FindAllStringSubmatch(scrubbed, -1) {
		if m[2] != "" && !isKeyword(m[2]) {
			known[normalizeIdent(m[2])] = struct{}{}
		}
	}

	var errs []string
	seen := make(map[string]struct{})
	flag := func(name string) {
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		errs = append(errs, fmt.Sprintf("uses unknown identifier: %s", name))
	}

	// Table references must name context tables (or CTEs).
	for _, m := range tableRefPattern.FindAllStringSubmatch(scrubbed, -1) {
		name := normalizeIdent(m[1])
		if _, ok := known[name]; !ok {
			flag(strings.Trim(m[1], `"`))
		}
	}

	// Dotted references: qualifier and column must both be known.
	for _, m := range dottedPattern.FindAllStringSubmatch(scrubbed, -1) {
		if _, ok := known[strings.ToLower(m[1])]; !ok {
			flag(m[1])
		}
		if _, ok := known[strings.ToLower(m[2])]; !ok {
			flag(m[2])
		}
	}

	// Bare identifiers that are not keywords or function calls must be
	// known columns, tables, or aliases.
	for _, loc := range identPattern.FindAllStringIndex(scrubbed, -1) {
		tok := scrubbed[loc[0]:loc[1]]
		if strings.HasSuffix(strings.TrimSpace(tok), "(") {
			continue // function call
		}
		name := normalizeIdent(strings.TrimSpace(tok))
		if isKeyword(name) {
			continue
		}
		if _, ok := known[name]; !ok {
			flag(strings.Trim(strings.TrimSpace(tok), `"`))
		}
	}

	if len(errs) > 0 {
		return ungroundedConfidence, errs
	}
	return groundedConfidence, nil
}

func knownNames(catalog *schema.Catalog) map[string]struct{} {
	known := catalog.ColumnNames()
	for _, t := range catalog.Tables {
		known[strings.ToLower(t.Name)] = struct{}{}
	}
	return known
}

func normalizeIdent(s string) string {
	return strings.ToLower(strings.Trim(s, `"`))
}

func isKeyword(s string) bool {
	_, ok := sqlKeywords[strings.ToLower(strings.Trim(s, `"`))]
	return ok
}
