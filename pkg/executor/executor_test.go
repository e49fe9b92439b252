package executor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockQuerier counts calls that reach the data source and replays a fixed
// outcome.
type mockQuerier struct {
	calls  atomic.Int64
	result Result
	err    error
	delay  time.Duration
}

func (m *mockQuerier) Query(ctx context.Context, sql string) (Result, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.err != nil {
		return Result{}, m.err
	}
	return m.result, nil
}

func newTestExecutor(t *testing.T, q Querier, budget time.Duration) *Executor {
	t.Helper()
	cache := NewResultCache(time.Minute, 100)
	t.Cleanup(cache.Stop)

	exec, err := New(&Config{
		Logger:     slog.Default(),
		Querier:    q,
		Cache:      cache,
		TimeBudget: budget,
	})
	require.NoError(t, err)
	t.Cleanup(exec.Stop)
	return exec
}

func TestExecutor_Execute_CacheIdempotence(t *testing.T) {
	q := &mockQuerier{result: Result{
		Columns: []string{"total"},
		Rows:    []map[string]any{{"total": "42"}},
		Count:   1,
	}}
	exec := newTestExecutor(t, q, time.Second)

	first, cached, err := exec.Execute(context.Background(), "SELECT sum(amount) FROM orders")
	require.NoError(t, err)
	assert.False(t, cached)

	// Cosmetic whitespace and case differences map to the same entry.
	second, cached, err := exec.Execute(context.Background(), "select   SUM(amount)\nFROM orders")
	require.NoError(t, err)
	assert.True(t, cached)

	assert.Equal(t, first, second, "cached result must be identical")
	assert.Equal(t, int64(1), q.calls.Load(), "second submission must not re-execute")
}

func TestExecutor_Execute_ForbiddenBeforeDataSource(t *testing.T) {
	q := &mockQuerier{}
	exec := newTestExecutor(t, q, time.Second)

	for _, sql := range []string{
		"DELETE FROM orders",
		"DROP TABLE orders",
		"INSERT INTO orders VALUES (1)",
		"SELECT 1; DROP TABLE orders",
		"",
	} {
		_, _, err := exec.Execute(context.Background(), sql)
		require.ErrorIs(t, err, ErrForbiddenOperation, "query %q", sql)
	}

	assert.Equal(t, int64(0), q.calls.Load(), "forbidden queries must never execute")
}

func TestExecutor_Execute_TimeoutReturnsTypedError(t *testing.T) {
	q := &mockQuerier{delay: 5 * time.Second}
	exec := newTestExecutor(t, q, 50*time.Millisecond)

	_, _, err := exec.Execute(context.Background(), "SELECT amount FROM orders")
	require.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestExecutor_Execute_TimeBudgetRunsOnInjectedClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	q := &mockQuerier{delay: time.Hour}

	cache := NewResultCache(time.Minute, 100)
	t.Cleanup(cache.Stop)
	exec, err := New(&Config{
		Logger:     slog.Default(),
		Querier:    q,
		Cache:      cache,
		Clock:      clk,
		TimeBudget: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(exec.Stop)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := exec.Execute(context.Background(), "SELECT amount FROM orders")
		errCh <- err
	}()

	// Wait for the budget timer to arm, then step past it. No real time
	// passes; the deadline fires entirely off the fake clock.
	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	clk.Advance(31 * time.Second)

	require.ErrorIs(t, <-errCh, ErrExecutionTimeout)
	assert.Equal(t, int64(1), q.calls.Load(), "query must have reached the data source")
}

func TestExecutor_Execute_EngineErrorPassedThroughRaw(t *testing.T) {
	raw := "Code: 47. DB::Exception: Missing columns: 'revenu' while processing query"
	q := &mockQuerier{err: &EngineError{Raw: raw}}
	exec := newTestExecutor(t, q, time.Second)

	_, _, err := exec.Execute(context.Background(), "SELECT revenu FROM orders")
	require.Error(t, err)

	ee, ok := AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, raw, ee.Raw, "diagnostic must pass through uninterpreted")
}

func TestExecutor_Execute_FailedQueriesNotCached(t *testing.T) {
	q := &mockQuerier{err: &EngineError{Raw: "some fault"}}
	exec := newTestExecutor(t, q, time.Second)

	_, _, err := exec.Execute(context.Background(), "SELECT amount FROM orders")
	require.Error(t, err)
	_, _, err = exec.Execute(context.Background(), "SELECT amount FROM orders")
	require.Error(t, err)

	assert.Equal(t, int64(2), q.calls.Load(), "failures must not populate the cache")
}

func TestExecutor_RowCapAppliedBeforeExecution(t *testing.T) {
	var gotSQL string
	q := &capturingQuerier{capture: &gotSQL}
	exec := newTestExecutor(t, q, time.Second)

	_, _, err := exec.Execute(context.Background(), "SELECT amount FROM orders")
	require.NoError(t, err)
	assert.Contains(t, gotSQL, "LIMIT 1000")

	_, _, err = exec.Execute(context.Background(), "SELECT amount FROM orders LIMIT 5")
	require.NoError(t, err)
	assert.NotContains(t, gotSQL, "LIMIT 1000", "explicit LIMIT is preserved")
}

type capturingQuerier struct {
	capture *string
}

func (c *capturingQuerier) Query(ctx context.Context, sql string) (Result, error) {
	*c.capture = sql
	return Result{Columns: []string{"amount"}, Count: 0}, nil
}
