package document

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a document run.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobPaused     JobStatus = "paused"
	JobCancelled  JobStatus = "cancelled"
	JobFailed     JobStatus = "failed"
	JobCompleted  JobStatus = "completed"
)

// PassStatus is the state of a single pass within a job.
type PassStatus string

const (
	PassNotStarted PassStatus = "not_started"
	PassInProgress PassStatus = "in_progress"
	PassCompleted  PassStatus = "completed"
	PassFailed     PassStatus = "failed"
)

// Job is one document-generation run.
type Job struct {
	ID                string             `json:"id"`
	Title             string             `json:"title"`
	DocType           string             `json:"doc_type"`
	Language          string             `json:"language"`
	Status            JobStatus          `json:"status"`
	Passes            map[int]PassStatus `json:"passes"`
	CurrentPass       int                `json:"current_pass"`
	TotalSections     int                `json:"total_sections"`
	CompletedSections int                `json:"completed_sections"`
	Draft             string             `json:"draft,omitempty"`
	Failure           *FailureReason     `json:"failure,omitempty"`
	CancelRequested   bool               `json:"cancel_requested"`
	PlannedVisuals    map[string]string  `json:"planned_visuals,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// PassState returns the status of pass n, defaulting to not_started.
func (j Job) PassState(n int) PassStatus {
	if s, ok := j.Passes[n]; ok {
		return s
	}
	return PassNotStarted
}

// FailureReason is the structured cause stored on a failed job.
type FailureReason struct {
	Kind    string   `json:"kind"`
	Pass    int      `json:"pass,omitempty"`
	Section string   `json:"section,omitempty"`
	Rules   []string `json:"rules,omitempty"`
	Score   int      `json:"score,omitempty"`
	Message string   `json:"message"`
}

func (f FailureReason) String() string {
	s := f.Kind
	if f.Pass > 0 {
		s += fmt.Sprintf(" pass=%d", f.Pass)
	}
	if f.Section != "" {
		s += " section=" + f.Section
	}
	if len(f.Rules) > 0 {
		s += fmt.Sprintf(" rules=%v score=%d", f.Rules, f.Score)
	}
	return s + ": " + f.Message
}

// Failure kinds.
const (
	FailureConfiguration = "configuration"
	FailurePersistence   = "persistence_integrity"
	FailureQualityGate   = "quality_gate"
	FailurePass          = "pass_failed"
)

// JobPatch is a partial job update. Nil fields are left untouched.
type JobPatch struct {
	Status            *JobStatus
	Pass              *PassUpdate
	CurrentPass       *int
	TotalSections     *int
	CompletedSections *int
	Draft             *string
	Failure           *FailureReason
	ClearFailure      bool
	CancelRequested   *bool
}

// PassUpdate sets the status of one pass.
type PassUpdate struct {
	Number int
	Status PassStatus
}

// Section is one addressable unit of the document.
type Section struct {
	JobID            string         `json:"job_id"`
	Key              string         `json:"key"`
	Heading          string         `json:"heading"`
	Level            int            `json:"level"`
	Order            int            `json:"order"`
	Content          string         `json:"content"`
	History          map[int]string `json:"history,omitempty"`
	LastModifiedPass int            `json:"last_modified_pass"`
	LastVisitedPass  int            `json:"last_visited_pass"`
}

// SectionPatch updates an existing section or, when Heading is set and the
// section does not exist yet, inserts it.
type SectionPatch struct {
	JobID string
	Key   string

	// Insert-only fields.
	Heading string
	Level   int
	Order   int

	Content          *string
	History          *HistoryEntry
	LastModifiedPass *int
	LastVisitedPass  *int

	// ChangeLog is appended in the same write as the section update.
	ChangeLog *ChangeLogEntry
}

// HistoryEntry records the content a section had before a pass changed it.
type HistoryEntry struct {
	Pass  int
	Prior string
}

// ChangeLogEntry is an append-only trace of an accepted edit.
type ChangeLogEntry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Pass       int       `json:"pass"`
	SectionKey string    `json:"section_key"`
	Field      string    `json:"field"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Verdict is the quality gate decision.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// RuleResult is the outcome of one audit rule.
type RuleResult struct {
	Rule    string `json:"rule"`
	Passed  bool   `json:"passed"`
	Detail  string `json:"detail,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// AuditRecord is written once per completed run and never modified.
type AuditRecord struct {
	ID                   string       `json:"id"`
	JobID                string       `json:"job_id"`
	Rules                []RuleResult `json:"rules"`
	AlgorithmicScore     float64      `json:"algorithmic_score"`
	ComplianceScore      float64      `json:"compliance_score"`
	Contradictions       []string     `json:"contradictions,omitempty"`
	ContradictionPenalty int          `json:"contradiction_penalty"`
	FinalScore           int          `json:"final_score"`
	Verdict              Verdict      `json:"verdict"`
	CreatedAt            time.Time    `json:"created_at"`
}

// FailedRules returns the names of rules that did not pass.
func (a AuditRecord) FailedRules() []string {
	var out []string
	for _, r := range a.Rules {
		if !r.Passed {
			out = append(out, r.Rule)
		}
	}
	return out
}
