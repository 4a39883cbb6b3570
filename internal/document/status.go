package document

import "fmt"

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobInProgress, JobCancelled},
	JobInProgress: {JobPaused, JobCancelled, JobFailed, JobCompleted},
	JobPaused:     {JobInProgress, JobCancelled},
	JobCancelled:  {JobPending, JobInProgress},
	JobFailed:     {JobPending, JobInProgress},
	JobCompleted:  nil,
}

var passTransitions = map[PassStatus][]PassStatus{
	PassNotStarted: {PassInProgress},
	// in_progress -> in_progress is a resumed pass picking up after a checkpoint.
	PassInProgress: {PassInProgress, PassCompleted, PassFailed},
	PassFailed:     {PassInProgress},
	PassCompleted:  nil,
}

// ParseJobStatus validates a stored job status.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if _, ok := jobTransitions[st]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// ParsePassStatus validates a stored pass status.
func ParsePassStatus(s string) (PassStatus, error) {
	st := PassStatus(s)
	if _, ok := passTransitions[st]; !ok {
		return "", fmt.Errorf("unknown pass status %q", s)
	}
	return st, nil
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further run will happen without an explicit resume.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether a pass may move from s to next.
func (s PassStatus) CanTransition(next PassStatus) bool {
	for _, allowed := range passTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change is not allowed.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// CheckJobTransition returns a *TransitionError when from -> to is not allowed.
func CheckJobTransition(from, to JobStatus) error {
	if !from.CanTransition(to) {
		return &TransitionError{Entity: "job", From: string(from), To: string(to)}
	}
	return nil
}

// CheckPassTransition returns a *TransitionError when from -> to is not allowed.
func CheckPassTransition(from, to PassStatus) error {
	if !from.CanTransition(to) {
		return &TransitionError{Entity: "pass", From: string(from), To: string(to)}
	}
	return nil
}

// CheckPassAdvance enforces the monotonic pass index.
func CheckPassAdvance(current, next int) error {
	if next < current {
		return &TransitionError{Entity: "pass index", From: fmt.Sprint(current), To: fmt.Sprint(next)}
	}
	return nil
}
