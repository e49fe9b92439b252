package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrForbiddenOperation marks a query rejected before execution because
	// it is not a pure read.
	ErrForbiddenOperation = errors.New("forbidden operation")

	// ErrExecutionTimeout marks a query that did not finish within the time
	// budget, including time spent waiting for an execution slot.
	ErrExecutionTimeout = errors.New("execution timeout")
)

// EngineError is a fault reported by the data source. Raw carries the
// engine's diagnostic message untouched; the corrector keys its pattern
// table on it.
type EngineError struct {
	Raw string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("execution error: %s", e.Raw)
}

// AsEngineError unwraps an EngineError from err, if present.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
