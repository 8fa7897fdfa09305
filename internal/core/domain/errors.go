package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid startup configuration.
	ErrConfiguration = errors.New("aggregation: invalid configuration")

	// ErrPoolFatal marks a worker pool that could not be built or lost a
	// worker context outside the job failure path.
	ErrPoolFatal = errors.New("aggregation: worker pool failure")

	ErrChannelClosed   = errors.New("aggregation: log channel closed")
	ErrMalformedRecord = errors.New("aggregation: malformed log record")
)

// PoolFatalError reports which worker context failed and why.
type PoolFatalError struct {
	WorkerID string
	Err      error
}

func (e *PoolFatalError) Error() string {
	if e.WorkerID == "" {
		return fmt.Sprintf("worker pool: %v", e.Err)
	}
	return fmt.Sprintf("worker %s: %v", e.WorkerID, e.Err)
}

func (e *PoolFatalError) Unwrap() []error {
	return []error{ErrPoolFatal, e.Err}
}

// ConfigError wraps err so that errors.Is(err, ErrConfiguration) holds.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
