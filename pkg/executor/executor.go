// Package executor runs candidate queries against the data source under
// resource limits, fronted by a fingerprint-keyed result cache.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
)

const (
	defaultPoolSize   = 20
	defaultRowCap     = 1000
	defaultTimeBudget = 30 * time.Second
)

// Querier is the transport to the data source. Engine faults come back as
// an *EngineError wrapping the raw diagnostic.
type Querier interface {
	Query(ctx context.Context, sql string) (Result, error)
}

// Config configures the executor.
type Config struct {
	Logger  *slog.Logger
	Querier Querier
	Cache   *ResultCache

	// Optional with defaults.
	Clock      clockwork.Clock
	PoolSize   int
	RowCap     int
	TimeBudget time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.Cache == nil {
		return errors.New("cache is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.PoolSize < 0 {
		return errors.New("pool size must be > 0")
	}
	if c.RowCap == 0 {
		c.RowCap = defaultRowCap
	}
	if c.TimeBudget == 0 {
		c.TimeBudget = defaultTimeBudget
	}
	return nil
}

// Executor validates, caches, and runs read-only queries. Concurrent
// executions are bounded by a fixed-size pool; waiting for a slot counts
// against the time budget.
type Executor struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock
	pool  pond.ResultPool[Result]
}

func New(cfg *Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		pool:  pond.NewResultPool[Result](cfg.PoolSize),
	}, nil
}

// Execute runs one candidate query. The returned bool reports a cache hit.
// Failure modes: ErrForbiddenOperation for non-read queries (checked before
// anything touches the data source), ErrExecutionTimeout when the budget
// elapses, and *EngineError for data-source faults.
func (e *Executor) Execute(ctx context.Context, sql string) (Result, bool, error) {
	if err := ValidateReadOnly(sql); err != nil {
		return Result{}, false, err
	}

	capped := ApplyRowCap(sql, e.cfg.RowCap)
	fp := Fingerprint(capped)

	if result, ok := e.cfg.Cache.Get(fp); ok {
		e.log.Debug("result cache hit", "fingerprint", fp[:12])
		return result, true, nil
	}

	start := e.clock.Now()
	ctx, cancel := clockwork.WithTimeout(ctx, e.clock, e.cfg.TimeBudget)
	defer cancel()

	// The group context covers both slot acquisition and the query itself,
	// so a saturated pool fails the budget instead of queuing indefinitely.
	group := e.pool.NewGroupContext(ctx)
	group.SubmitErr(func() (Result, error) {
		return e.cfg.Querier.Query(ctx, capped)
	})
	results, err := group.Wait()
	elapsed := e.clock.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.log.Warn("query timed out", "elapsed", elapsed)
			return Result{}, false, fmt.Errorf("%w after %s", ErrExecutionTimeout, e.cfg.TimeBudget)
		}
		if ee, ok := AsEngineError(err); ok {
			e.log.Info("query returned engine error", "elapsed", elapsed, "error", ee.Raw)
			return Result{}, false, err
		}
		return Result{}, false, fmt.Errorf("query failed: %w", err)
	}

	result := results[0]
	e.cfg.Cache.Put(fp, result)
	e.log.Debug("query executed", "rows", result.Count, "elapsed", elapsed)
	return result, false, nil
}

// RowCap exposes the configured cap so the analyzer can judge truncation.
func (e *Executor) RowCap() int {
	return e.cfg.RowCap
}

// Stop releases the execution pool.
func (e *Executor) Stop() {
	e.pool.StopAndWait()
}
