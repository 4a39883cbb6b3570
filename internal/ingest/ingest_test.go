package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/engine"
	"github.com/kalambet/passwright/internal/lang"
	"github.com/kalambet/passwright/internal/storage"
)

type mockStore struct {
	created  []document.Job
	sections []document.Section
	queued   []string
	createFn func(job document.Job, sections []document.Section) (document.Job, error)
}

func (m *mockStore) CreateJob(_ context.Context, job document.Job, sections []document.Section) (document.Job, error) {
	if m.createFn != nil {
		return m.createFn(job, sections)
	}
	m.created = append(m.created, job)
	m.sections = sections
	job.Status = document.JobPending
	job.TotalSections = len(sections)
	return job, nil
}

func (m *mockStore) EnqueueRun(_ context.Context, jobID string) (storage.Run, error) {
	m.queued = append(m.queued, jobID)
	return storage.Run{ID: "run-1", JobID: jobID, Status: storage.RunPending}, nil
}

func newTestIngester(t *testing.T, store Store) *Ingester {
	t.Helper()
	plans, err := engine.LoadPlans()
	if err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}
	return New(store, plans, lang.MustLoad())
}

const sampleDoc = `# Brewing Coffee at Home

Good coffee starts with fresh beans.

## Choosing Beans

Buy whole beans roasted within the last month.

## Grinding

Grind right before brewing.
`

func TestSubmit_Markdown(t *testing.T) {
	store := &mockStore{}
	in := newTestIngester(t, store)

	job, err := in.Submit(context.Background(), Submission{Markdown: sampleDoc})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Title != "Brewing Coffee at Home" {
		t.Errorf("Title = %q", job.Title)
	}
	if job.DocType != "article" || job.Language != "en" {
		t.Errorf("defaults = %s/%s, want article/en", job.DocType, job.Language)
	}
	if job.ID == "" {
		t.Error("job has no id")
	}
	if len(store.sections) != 3 {
		t.Fatalf("sections = %d, want 3 (introduction plus two)", len(store.sections))
	}
	for _, s := range store.sections {
		if s.JobID != job.ID {
			t.Errorf("section %s JobID = %q, want %q", s.Key, s.JobID, job.ID)
		}
	}
	if len(store.queued) != 1 || store.queued[0] != job.ID {
		t.Errorf("queued = %v, want [%s]", store.queued, job.ID)
	}
}

func TestSubmit_TitleOverride(t *testing.T) {
	store := &mockStore{}
	in := newTestIngester(t, store)

	job, err := in.Submit(context.Background(), Submission{Title: "Coffee Basics", Markdown: sampleDoc, DocType: "guide"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Title != "Coffee Basics" || job.DocType != "guide" {
		t.Errorf("job = %s/%s", job.Title, job.DocType)
	}
}

func TestSubmit_Invalid(t *testing.T) {
	cases := map[string]Submission{
		"empty":            {},
		"both sources":     {Markdown: sampleDoc, PDF: "JVBERi0="},
		"unknown doc type": {Markdown: sampleDoc, DocType: "poem"},
		"unknown language": {Markdown: sampleDoc, Language: "xx"},
		"no title":         {Markdown: "## Only Section\n\nText."},
		"bad base64":       {PDF: "%%%"},
		"not a pdf":        {PDF: base64.StdEncoding.EncodeToString([]byte("plain text"))},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			store := &mockStore{}
			_, err := newTestIngester(t, store).Submit(context.Background(), sub)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
			if len(store.created) != 0 || len(store.queued) != 0 {
				t.Error("invalid submission reached the store")
			}
		})
	}
}

func TestSubmit_StoreError(t *testing.T) {
	store := &mockStore{createFn: func(document.Job, []document.Section) (document.Job, error) {
		return document.Job{}, errors.New("disk full")
	}}
	_, err := newTestIngester(t, store).Submit(context.Background(), Submission{Markdown: sampleDoc})
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want a storage error", err)
	}
	if len(store.queued) != 0 {
		t.Error("job queued after a failed create")
	}
}

func TestTextToMarkdown(t *testing.T) {
	text := "Brewing Coffee at Home\n\nGood coffee starts with fresh beans.\n\nChoosing Beans\n\nBuy whole beans roasted recently.\nKeep them sealed.\n"

	md := TextToMarkdown(text)
	title, sections := document.Decompose(md)
	if title != "Brewing Coffee at Home" {
		t.Errorf("title = %q", title)
	}
	if len(sections) != 2 {
		t.Fatalf("sections = %d, want 2:\n%s", len(sections), md)
	}
	if sections[1].Heading != "Choosing Beans" {
		t.Errorf("heading = %q", sections[1].Heading)
	}
	if !strings.Contains(sections[1].Content, "Keep them sealed.") {
		t.Errorf("content lost: %q", sections[1].Content)
	}
}
