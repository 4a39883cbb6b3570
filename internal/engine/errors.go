package engine

import (
	"errors"
	"fmt"
)

// Outcome is how a pass or a run ended without a fatal error.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ConfigurationError means the engine cannot run a job at all: a missing
// collaborator, an unknown document type, or a job without sections.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Msg }

func configErr(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// PersistenceIntegrityError reports a resumability-relevant write that
// affected no rows. It always aborts the pass.
type PersistenceIntegrityError struct {
	Op    string
	JobID string
	Key   string
	Err   error
}

func (e *PersistenceIntegrityError) Error() string {
	msg := fmt.Sprintf("persistence integrity: %s for job %s", e.Op, e.JobID)
	if e.Key != "" {
		msg += " section " + e.Key
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + " affected no rows"
}

func (e *PersistenceIntegrityError) Unwrap() error { return e.Err }

// IsIntegrity reports whether err is a PersistenceIntegrityError.
func IsIntegrity(err error) bool {
	var pe *PersistenceIntegrityError
	return errors.As(err, &pe)
}

// affected converts a write result into an integrity error when the write
// failed or touched nothing. withOp fills in the details.
func affected(rows int64, err error) error {
	if err != nil {
		return &PersistenceIntegrityError{Err: err}
	}
	if rows == 0 {
		return &PersistenceIntegrityError{}
	}
	return nil
}

func withOp(err error, op, jobID, key string) error {
	var pe *PersistenceIntegrityError
	if errors.As(err, &pe) {
		pe.Op, pe.JobID, pe.Key = op, jobID, key
	}
	return err
}
