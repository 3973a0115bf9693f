package docstore

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrContention indicates a transaction lost an optimistic race: a
	// document it read changed before commit, or the database refused the
	// commit because of a concurrent writer.
	ErrContention = errors.New("transaction contention")

	// ErrAttemptsExhausted indicates RunTransaction gave up after its
	// attempt limit.
	ErrAttemptsExhausted = errors.New("transaction attempts exhausted")
)

// ContentionError describes the document whose version moved under a
// transaction. Path is empty when the database itself reported the conflict.
type ContentionError struct {
	Path     string
	Expected int64
	Actual   int64
	Err      error
}

func (e *ContentionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("transaction contention on %s: version %d, expected %d", e.Path, e.Actual, e.Expected)
	}
	if e.Err != nil {
		return fmt.Sprintf("transaction contention: %v", e.Err)
	}
	return ErrContention.Error()
}

func (e *ContentionError) Unwrap() error { return e.Err }

func (e *ContentionError) Is(target error) bool {
	return target == ErrContention
}

// AttemptsExhaustedError is returned when a transaction keeps failing with a
// retryable error. Err is the error of the final attempt.
type AttemptsExhaustedError struct {
	Attempts int
	Err      error
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AttemptsExhaustedError) Unwrap() error { return e.Err }

func (e *AttemptsExhaustedError) Is(target error) bool {
	return target == ErrAttemptsExhausted
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err so RunTransaction discards the attempt and runs the
// transaction function again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether RunTransaction would retry after err.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrContention) {
		return true
	}
	var re *retryableError
	return errors.As(err, &re)
}

// classify converts driver-level concurrency failures into ContentionError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return &ContentionError{Err: err}
		}
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return &ContentionError{Err: err}
		}
	}
	return err
}
