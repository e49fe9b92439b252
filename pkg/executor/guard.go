package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// forbiddenVerbs are statement verbs that mutate data or schema. Any
// occurrence anywhere in the query is rejected, not just as the leading
// keyword, to also catch multi-statement payloads.
var forbiddenVerbs = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER",
	"TRUNCATE", "MERGE", "GRANT", "REVOKE", "ATTACH", "DETACH",
	"OPTIMIZE", "RENAME", "EXCHANGE", "KILL", "SET",
}

var verbPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(forbiddenVerbs))
	for _, v := range forbiddenVerbs {
		m[v] = regexp.MustCompile(`(?i)\b` + v + `\b`)
	}
	return m
}()

// quotedLiteral matches single-quoted SQL string literals so scans over the
// statement text do not trip on values like 'delete'.
var quotedLiteral = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)

// ValidateReadOnly rejects any query that is not a pure read. This runs in
// the executor regardless of upstream validation.
func ValidateReadOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return fmt.Errorf("%w: empty query", ErrForbiddenOperation)
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: query must start with SELECT or WITH", ErrForbiddenOperation)
	}
	scrubbed := quotedLiteral.ReplaceAllString(trimmed, "''")
	for _, v := range forbiddenVerbs {
		if verbPatterns[v].MatchString(scrubbed) {
			return fmt.Errorf("%w: query contains %s", ErrForbiddenOperation, v)
		}
	}
	return nil
}

// ApplyRowCap appends a LIMIT clause when the statement has none of its own.
// Only a LIMIT at the top level counts; one inside a subquery does not bound
// the outer result.
func ApplyRowCap(sql string, rowCap int) string {
	clean := strings.TrimSuffix(strings.TrimSpace(sql), ";")
	if hasTopLevelLimit(clean) {
		return clean
	}
	return fmt.Sprintf("%s LIMIT %d", clean, rowCap)
}

// hasTopLevelLimit scans the statement for a LIMIT clause at paren depth
// zero, skipping string literals.
func hasTopLevelLimit(sql string) bool {
	depth := 0
	for i := 0; i < len(sql); i++ {
		switch sql[i] {
		case '\'':
			for i++; i < len(sql) && sql[i] != '\''; i++ {
				if sql[i] == '\\' {
					i++
				}
			}
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 && limitClauseAt(sql, i) {
				return true
			}
		}
	}
	return false
}

// limitClauseAt reports whether sql[i:] starts the word LIMIT followed by a
// row count.
func limitClauseAt(sql string, i int) bool {
	if i > 0 && isWordByte(sql[i-1]) {
		return false
	}
	if i+5 > len(sql) || !strings.EqualFold(sql[i:i+5], "LIMIT") {
		return false
	}
	if i+5 < len(sql) && isWordByte(sql[i+5]) {
		return false
	}
	rest := strings.TrimLeft(sql[i+5:], " \t\r\n")
	return len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9'
}

func isWordByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Fingerprint derives the cache key of a query. Normalization is syntactic
// only: lowercase, collapsed whitespace, trailing semicolon stripped.
// Semantically equivalent queries with different quoting hash differently;
// that costs cache hits but never aliases distinct queries.
func Fingerprint(sql string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(sql)), " ")
	normalized = strings.TrimSuffix(normalized, ";")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
