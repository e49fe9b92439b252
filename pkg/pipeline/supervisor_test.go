package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/datalens-ai/datalens/pkg/executor"
	"github.com/datalens-ai/datalens/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLLM replays a scripted sequence of responses; an entry with a non-nil
// err simulates a generation service failure.
type mockLLM struct {
	responses []mockLLMResponse
	callIndex int
}

type mockLLMResponse struct {
	text string
	err  error
}

func (m *mockLLM) Complete(ctx context.Context, tier Tier, systemPrompt, userPrompt string) (string, error) {
	if m.callIndex >= len(m.responses) {
		return "", errors.New("mock llm: no scripted response left")
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp.text, resp.err
}

// mockRunner validates candidates the way the real executor does, then
// replays scripted outcomes. engineCalls counts only queries that passed
// validation, so tests can assert forbidden queries never reach the engine.
type mockRunner struct {
	outcomes    []mockOutcome
	engineCalls int
}

type mockOutcome struct {
	result executor.Result
	err    error
}

func (m *mockRunner) Execute(ctx context.Context, sql string) (executor.Result, bool, error) {
	if err := executor.ValidateReadOnly(sql); err != nil {
		return executor.Result{}, false, err
	}
	if m.engineCalls >= len(m.outcomes) {
		return executor.Result{}, false, errors.New("mock runner: no scripted outcome left")
	}
	out := m.outcomes[m.engineCalls]
	m.engineCalls++
	return out.result, false, out.err
}

func (m *mockRunner) RowCap() int { return 1000 }

func ordersCatalog() *schema.Catalog {
	return &schema.Catalog{
		Name: "shop",
		Tables: []schema.Table{
			{
				Name: "orders",
				Columns: []schema.Column{
					{Name: "order_id", Type: "UInt64", Role: schema.RoleIdentifier},
					{Name: "amount", Type: "Decimal(18,2)", Role: schema.RoleAmount},
					{Name: "revenue", Type: "Decimal(18,2)", Role: schema.RoleAmount},
					{Name: "date", Type: "Date", Role: schema.RoleDate},
				},
			},
		},
	}
}

func newTestSupervisor(t *testing.T, llm LLMClient, runner QueryRunner) *Supervisor {
	t.Helper()
	log := slog.Default()

	synth, err := NewSynthesizer(&SynthesizerConfig{Logger: log, LLM: llm})
	require.NoError(t, err)
	corr, err := NewCorrector(&CorrectorConfig{Logger: log, LLM: llm})
	require.NoError(t, err)

	sup, err := NewSupervisor(&SupervisorConfig{
		Logger:      log,
		Synthesizer: synth,
		Corrector:   corr,
		Runner:      runner,
	})
	require.NoError(t, err)
	return sup
}

func TestSupervisor_Run_AggregateSucceedsFirstAttempt(t *testing.T) {
	llm := &mockLLM{responses: []mockLLMResponse{
		{text: `{"sql": "SELECT sum(amount) AS total_revenue FROM orders", "explanation": "sums order amounts"}`},
	}}
	runner := &mockRunner{outcomes: []mockOutcome{
		{result: executor.Result{
			Columns: []string{"total_revenue"},
			Rows:    []map[string]any{{"total_revenue": "48210.55"}},
			Count:   1,
		}},
	}}

	sup := newTestSupervisor(t, llm, runner)
	ws := sup.NewWorkflow("what is total revenue", ordersCatalog(), TierSimple)

	state, err := sup.Run(context.Background(), ws)
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, state)
	assert.Equal(t, 1, ws.Attempts)
	assert.GreaterOrEqual(t, ws.Confidence, 0.8, "single-row aggregate should be boosted")
	assert.Equal(t, 1, runner.engineCalls)
	assert.Equal(t, 1, llm.callIndex, "synthesis is exactly one generation call")
	assert.Empty(t, ws.Errors)
}

func TestSupervisor_Run_PatternFixRepairsMisspelledColumn(t *testing.T) {
	// The candidate references "revenu"; the engine rejects it and the
	// corrector's pattern table rewrites it to "revenue" without a second
	// generation call.
	llm := &mockLLM{responses: []mockLLMResponse{
		{text: `{"sql": "SELECT sum(revenu) AS total FROM orders"}`},
	}}
	runner := &mockRunner{outcomes: []mockOutcome{
		{err: &executor.EngineError{Raw: "Unknown identifier: 'revenu'"}},
		{result: executor.Result{
			Columns: []string{"total"},
			Rows:    []map[string]any{{"total": "9000.10"}},
			Count:   1,
		}},
	}}

	sup := newTestSupervisor(t, llm, runner)
	ws := sup.NewWorkflow("what is total revenue", ordersCatalog(), TierSimple)

	state, err := sup.Run(context.Background(), ws)
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, state)
	assert.Equal(t, 2, ws.Attempts)
	assert.Contains(t, ws.Query, "revenue")
	assert.NotContains(t, ws.Query, "revenu ")
	assert.Equal(t, 2, runner.engineCalls)
	assert.Equal(t, 1, llm.callIndex, "pattern fix must not call the model")
}

func TestSupervisor_Run_FailsAtExactlyAttemptBudget(t *testing.T) {
	// Generation service is down for the whole request: every synthesis
	// and every model-assisted repair errors. The machine must stop at the
	// budget, not loop.
	llm := &mockLLM{responses: []mockLLMResponse{
		{err: errors.New("service unavailable")},
		{err: errors.New("service unavailable")},
		{err: errors.New("service unavailable")},
		{err: errors.New("service unavailable")},
		{err: errors.New("service unavailable")},
	}}
	runner := &mockRunner{}

	sup := newTestSupervisor(t, llm, runner)
	ws := sup.NewWorkflow("what is total revenue", ordersCatalog(), TierSimple)

	state, err := sup.Run(context.Background(), ws)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAttemptsExhausted)

	assert.Equal(t, StateFailed, state)
	assert.Equal(t, 3, ws.Attempts, "exactly the attempt budget, not more")
	assert.Equal(t, 0, runner.engineCalls, "nothing executable was ever produced")
	assert.NotEmpty(t, ws.Errors)
}

func TestSupervisor_Run_ForbiddenQueryFailsImmediately(t *testing.T) {
	llm := &mockLLM{responses: []mockLLMResponse{
		{text: "```sql\ndelete from orders\n```"},
	}}
	runner := &mockRunner{}

	sup := newTestSupervisor(t, llm, runner)
	ws := sup.NewWorkflow("remove all orders", ordersCatalog(), TierSimple)

	state, err := sup.Run(context.Background(), ws)
	require.Error(t, err)
	require.ErrorIs(t, err, executor.ErrForbiddenOperation)

	assert.Equal(t, StateFailed, state)
	assert.Equal(t, 0, runner.engineCalls, "forbidden query must never reach the engine")
	assert.Equal(t, 1, ws.Attempts, "fatal rejection does not burn retries")
}

func TestSupervisor_Run_TerminatesForArbitraryFailures(t *testing.T) {
	// Termination holds for any generator behavior within the budget,
	// including one that keeps producing broken but parseable queries.
	for budget := 1; budget <= 5; budget++ {
		t.Run(fmt.Sprintf("budget_%d", budget), func(t *testing.T) {
			var responses []mockLLMResponse
			var outcomes []mockOutcome
			for i := 0; i < budget+2; i++ {
				responses = append(responses, mockLLMResponse{
					text: fmt.Sprintf(`{"sql": "SELECT broken_%d FROM orders"}`, i),
				})
				outcomes = append(outcomes, mockOutcome{
					err: &executor.EngineError{Raw: fmt.Sprintf("Unknown identifier: 'broken_%d'", i)},
				})
			}
			llm := &mockLLM{responses: responses}
			runner := &mockRunner{outcomes: outcomes}

			log := slog.Default()
			synth, err := NewSynthesizer(&SynthesizerConfig{Logger: log, LLM: llm})
			require.NoError(t, err)
			corr, err := NewCorrector(&CorrectorConfig{Logger: log, LLM: llm})
			require.NoError(t, err)
			sup, err := NewSupervisor(&SupervisorConfig{
				Logger:        log,
				Synthesizer:   synth,
				Corrector:     corr,
				Runner:        runner,
				AttemptBudget: budget,
			})
			require.NoError(t, err)

			ws := sup.NewWorkflow("anything", ordersCatalog(), TierSimple)
			state, runErr := sup.Run(context.Background(), ws)

			assert.Equal(t, StateFailed, state)
			require.Error(t, runErr)
			assert.Equal(t, budget, ws.Attempts)
		})
	}
}

func TestSupervisor_Run_EmptyCatalogIsFatal(t *testing.T) {
	llm := &mockLLM{}
	runner := &mockRunner{}

	sup := newTestSupervisor(t, llm, runner)
	ws := sup.NewWorkflow("what is total revenue", &schema.Catalog{Name: "empty"}, TierSimple)

	state, err := sup.Run(context.Background(), ws)
	require.ErrorIs(t, err, ErrSchemaUnavailable)

	assert.Equal(t, StateFailed, state)
	assert.Equal(t, 0, llm.callIndex, "no generation call without schema context")
	assert.Equal(t, 0, runner.engineCalls)
}

func TestSupervisor_Run_ModelRepairAfterPatternMiss(t *testing.T) {
	// The engine error carries no recognizable identifier shape, so the
	// pattern table cannot help; the corrector falls back to one repair
	// call and the repaired query succeeds.
	llm := &mockLLM{responses: []mockLLMResponse{
		{text: `{"sql": "SELECT amount FROM orders WHERE date > yesterday"}`},
		{text: `{"sql": "SELECT amount FROM orders WHERE date > yesterday()"}`},
	}}
	runner := &mockRunner{outcomes: []mockOutcome{
		{err: &executor.EngineError{Raw: "Syntax error: failed at position 42"}},
		{result: executor.Result{
			Columns: []string{"amount"},
			Rows:    []map[string]any{{"amount": "12.50"}, {"amount": "99.00"}},
			Count:   2,
		}},
	}}

	sup := newTestSupervisor(t, llm, runner)
	ws := sup.NewWorkflow("show recent order amounts", ordersCatalog(), TierSimple)

	state, err := sup.Run(context.Background(), ws)
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, state)
	assert.Equal(t, 2, ws.Attempts)
	assert.Equal(t, 2, llm.callIndex, "one synthesis call plus one repair call")
	assert.Contains(t, ws.Query, "yesterday()")
}
