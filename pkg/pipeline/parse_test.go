package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidateSQL(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{
			name:     "json response",
			response: `{"sql": "SELECT 1", "explanation": "trivial"}`,
			want:     "SELECT 1",
		},
		{
			name:     "json wrapped in markdown",
			response: "Here you go:\n```json\n{\"sql\": \"SELECT name FROM users\"}\n```",
			want:     "SELECT name FROM users",
		},
		{
			name:     "json with commentary around it",
			response: `Sure! {"sql": "SELECT count() FROM orders"} Hope that helps.`,
			want:     "SELECT count() FROM orders",
		},
		{
			name:     "sql code block",
			response: "```sql\nSELECT amount FROM orders;\n```",
			want:     "SELECT amount FROM orders",
		},
		{
			name:     "anonymous code block that reads as sql",
			response: "```\nWITH t AS (SELECT 1) SELECT * FROM t\n```",
			want:     "WITH t AS (SELECT 1) SELECT * FROM t",
		},
		{
			name:     "bare sql",
			response: "SELECT 42",
			want:     "SELECT 42",
		},
		{
			name:     "trailing semicolon stripped",
			response: "SELECT 42;",
			want:     "SELECT 42",
		},
		{
			name:     "json with escaped quotes in sql",
			response: `{"sql": "SELECT * FROM orders WHERE status = 'open'"}`,
			want:     "SELECT * FROM orders WHERE status = 'open'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCandidateSQL(tt.response)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCandidateSQL_Unparseable(t *testing.T) {
	for _, response := range []string{
		"",
		"I cannot answer that question.",
		"```\njust some prose in a block\n```",
		`{"explanation": "no query field"}`,
	} {
		_, err := parseCandidateSQL(response)
		assert.Error(t, err, "response %q should not parse", response)
	}
}

func TestExtractJSONObject_BracesInsideStrings(t *testing.T) {
	s := `prefix {"sql": "SELECT '{' FROM t", "explanation": "tricky"} suffix`
	got := extractJSONObject(s, 7)
	assert.Equal(t, `{"sql": "SELECT '{' FROM t", "explanation": "tricky"}`, got)
}
