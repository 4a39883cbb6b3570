package engine

import (
	"context"

	"github.com/kalambet/passwright/internal/document"
)

// Repository is the persistent store the engine reads and checkpoints to.
// Writes that matter for resuming return the number of affected rows; zero
// is treated as an integrity failure. An accepted edit carries its change
// log entry in the section patch so both land together.
type Repository interface {
	GetJob(ctx context.Context, id string) (document.Job, error)
	// GetSections returns the job's sections ordered by Order.
	GetSections(ctx context.Context, jobID string) ([]document.Section, error)
	UpsertSection(ctx context.Context, p document.SectionPatch) (int64, error)
	UpdateJob(ctx context.Context, id string, p document.JobPatch) (int64, error)
	SaveAudit(ctx context.Context, r document.AuditRecord) error
}
