// Package ingest turns a submitted document into a stored job and queues it
// for the worker.
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/engine"
	"github.com/kalambet/passwright/internal/lang"
	"github.com/kalambet/passwright/internal/storage"
)

const maxPDFSize = 20 << 20 // 20MB

// ErrInvalid marks a submission that cannot become a job.
var ErrInvalid = errors.New("invalid submission")

// Submission is a document handed to the service. Exactly one of Markdown
// and PDF is set; PDF is base64 encoded.
type Submission struct {
	Title          string            `json:"title"`
	DocType        string            `json:"doc_type"`
	Language       string            `json:"language"`
	Markdown       string            `json:"markdown"`
	PDF            string            `json:"pdf"`
	PlannedVisuals map[string]string `json:"planned_visuals"`
}

// Store is the persistence the ingester needs.
type Store interface {
	CreateJob(ctx context.Context, job document.Job, sections []document.Section) (document.Job, error)
	EnqueueRun(ctx context.Context, jobID string) (storage.Run, error)
}

// Ingester validates submissions and creates queued jobs.
type Ingester struct {
	store  Store
	plans  engine.Plans
	langs  *lang.Registry
	logger *slog.Logger
}

// New creates an Ingester.
func New(store Store, plans engine.Plans, langs *lang.Registry) *Ingester {
	return &Ingester{store: store, plans: plans, langs: langs, logger: slog.Default()}
}

// Prepare validates a submission and splits it into a job and its
// sections without storing anything.
func (in *Ingester) Prepare(sub Submission) (document.Job, []document.Section, error) {
	if sub.DocType == "" {
		sub.DocType = "article"
	}
	if sub.Language == "" {
		sub.Language = "en"
	}
	if _, err := in.plans.For(sub.DocType); err != nil {
		return document.Job{}, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !in.langs.Has(sub.Language) {
		return document.Job{}, nil, fmt.Errorf("%w: unsupported language %q (have %s)",
			ErrInvalid, sub.Language, strings.Join(in.langs.Codes(), ", "))
	}

	var md string
	switch {
	case sub.Markdown != "" && sub.PDF != "":
		return document.Job{}, nil, fmt.Errorf("%w: set markdown or pdf, not both", ErrInvalid)
	case sub.Markdown != "":
		md = sub.Markdown
	case sub.PDF != "":
		data, err := base64.StdEncoding.DecodeString(sub.PDF)
		if err != nil {
			return document.Job{}, nil, fmt.Errorf("%w: invalid base64 pdf", ErrInvalid)
		}
		text, err := ExtractPDF(data)
		if err != nil {
			return document.Job{}, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		md = TextToMarkdown(text)
	default:
		return document.Job{}, nil, fmt.Errorf("%w: markdown or pdf is required", ErrInvalid)
	}

	title, sections := document.Decompose(md)
	if sub.Title != "" {
		title = sub.Title
	}
	if title == "" {
		return document.Job{}, nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if len(sections) == 0 {
		return document.Job{}, nil, fmt.Errorf("%w: document has no sections", ErrInvalid)
	}

	job := document.Job{
		ID:             uuid.New().String(),
		Title:          title,
		DocType:        sub.DocType,
		Language:       sub.Language,
		PlannedVisuals: sub.PlannedVisuals,
	}
	for i := range sections {
		sections[i].JobID = job.ID
	}
	return job, sections, nil
}

// Submit stores a new job and queues its first run.
func (in *Ingester) Submit(ctx context.Context, sub Submission) (document.Job, error) {
	job, sections, err := in.Prepare(sub)
	if err != nil {
		return document.Job{}, err
	}
	job, err = in.store.CreateJob(ctx, job, sections)
	if err != nil {
		return document.Job{}, fmt.Errorf("storing job: %w", err)
	}
	if _, err := in.store.EnqueueRun(ctx, job.ID); err != nil {
		return document.Job{}, fmt.Errorf("queueing job %s: %w", job.ID, err)
	}
	in.logger.Info("job submitted", "job_id", job.ID, "doc_type", job.DocType, "sections", job.TotalSections)
	return job, nil
}

// ExtractPDF returns the plain text of a PDF document.
func ExtractPDF(data []byte) (string, error) {
	if len(data) > maxPDFSize {
		return "", fmt.Errorf("pdf exceeds %d bytes", maxPDFSize)
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}
	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	out, err := io.ReadAll(text)
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		return "", errors.New("pdf has no extractable text")
	}
	return string(out), nil
}

// TextToMarkdown rebuilds headings in extracted plain text. The first
// heading-like line becomes the title; later ones become level 2 headings.
// A heading-like line is short, has no closing punctuation and stands
// alone between blank lines.
func TextToMarkdown(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var b strings.Builder
	titled := false
	for i, line := range lines {
		line = strings.TrimSpace(line)
		alone := (i == 0 || strings.TrimSpace(lines[i-1]) == "") &&
			(i == len(lines)-1 || strings.TrimSpace(lines[i+1]) == "")
		if alone && headingLike(line) {
			if !titled {
				b.WriteString("# ")
				titled = true
			} else {
				b.WriteString("## ")
			}
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func headingLike(line string) bool {
	if line == "" || len(line) > 80 {
		return false
	}
	last := rune(line[len(line)-1])
	if strings.ContainsRune(".,;:!", last) {
		return false
	}
	first := []rune(line)[0]
	return unicode.IsUpper(first) || unicode.IsDigit(first)
}
