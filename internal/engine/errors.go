package engine

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted  = errors.New("engine already started")
	ErrNotStarted      = errors.New("engine not started")
	ErrStopping        = errors.New("engine stopping")
	ErrNoExecutor      = errors.New("engine needs an executor factory")
	ErrJobNotFound     = errors.New("job not found")
	ErrDuplicateCourse = errors.New("course already has an active job")
	ErrInvalidCourse   = errors.New("course id is required")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrEmptyPlan       = errors.New("plan selected no courses")
)

// NoRetry marks a job failure as permanent so the retry supervisor leaves
// it alone.
//
// Executors wrap failures that more attempts cannot fix (course delisted,
// account locked out):
//
//	return engine.NoRetry(fmt.Errorf("course %s not found", id))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
