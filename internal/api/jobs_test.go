package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/engine"
	"github.com/kalambet/passwright/internal/ingest"
	"github.com/kalambet/passwright/internal/lang"
	"github.com/kalambet/passwright/internal/storage"
)

const testToken = "test-token-12345"

const sampleDoc = `# Brewing Coffee at Home

Good coffee starts with fresh beans.

## Choosing Beans

Buy whole beans roasted within the last month.

## Grinding

Grind right before brewing.
`

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestIngester(t *testing.T, store *storage.Store) *ingest.Ingester {
	t.Helper()
	plans, err := engine.LoadPlans()
	if err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}
	return ingest.New(store, plans, lang.MustLoad())
}

func setupHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	return NewHandler(Deps{Store: store, Ingester: newTestIngester(t, store), Token: testToken}), store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func submitBody(t *testing.T, md string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{"markdown": md})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func submitJob(t *testing.T, h http.Handler) document.Job {
	t.Helper()
	rr := serve(h, authReq(http.MethodPost, "/jobs", submitBody(t, sampleDoc), testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var job document.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
		t.Fatalf("decoding job: %v", err)
	}
	return job
}

func setStatus(t *testing.T, store *storage.Store, id string, status document.JobStatus, failure *document.FailureReason) {
	t.Helper()
	if _, err := store.UpdateJob(context.Background(), id, document.JobPatch{Status: &status, Failure: failure}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupHandler(t)

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_Rejected(t *testing.T) {
	h, _ := setupHandler(t)

	for _, token := range []string{"", "wrong-token"} {
		rr := serve(h, authReq(http.MethodGet, "/jobs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestSubmit_CreatesQueuedJob(t *testing.T) {
	h, store := setupHandler(t)

	job := submitJob(t, h)
	if job.Status != document.JobPending || job.TotalSections != 3 {
		t.Errorf("job = %+v", job)
	}

	run, err := store.ClaimNextRun(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextRun: %v", err)
	}
	if run == nil || run.JobID != job.ID {
		t.Errorf("queued run = %+v, want one for %s", run, job.ID)
	}
}

func TestSubmit_BadRequests(t *testing.T) {
	h, _ := setupHandler(t)

	for name, body := range map[string]string{
		"malformed json": `{"markdown":`,
		"no content":     `{"title":"x"}`,
		"bad doc type":   `{"markdown":"# T\n\n## A\n\ntext","doc_type":"poem"}`,
	} {
		rr := serve(h, authReq(http.MethodPost, "/jobs", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400; body = %s", name, rr.Code, rr.Body.String())
		}
	}
}

func TestGetAndListJobs(t *testing.T) {
	h, _ := setupHandler(t)
	job := submitJob(t, h)

	rr := serve(h, authReq(http.MethodGet, "/jobs/"+job.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var got document.Job
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got.ID != job.ID || got.Title != "Brewing Coffee at Home" {
		t.Errorf("got = %+v", got)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs?status=pending", "", testToken))
	var jobs []document.Job
	json.Unmarshal(rr.Body.Bytes(), &jobs)
	if len(jobs) != 1 {
		t.Errorf("list = %d jobs, want 1", len(jobs))
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs?status=bogus", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter: %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job: %d, want 404", rr.Code)
	}
}

func TestCancel(t *testing.T) {
	h, store := setupHandler(t)
	job := submitJob(t, h)

	rr := serve(h, authReq(http.MethodPost, "/jobs/"+job.ID+"/cancel", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, body = %s", rr.Code, rr.Body.String())
	}
	stored, _ := store.GetJob(context.Background(), job.ID)
	if !stored.CancelRequested {
		t.Error("cancel flag not set")
	}

	setStatus(t, store, job.ID, document.JobCompleted, nil)
	rr = serve(h, authReq(http.MethodPost, "/jobs/"+job.ID+"/cancel", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("cancel completed job: %d, want 409", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPost, "/jobs/missing/cancel", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("cancel missing job: %d, want 404", rr.Code)
	}
}

func TestResume(t *testing.T) {
	h, store := setupHandler(t)
	ctx := context.Background()
	job := submitJob(t, h)

	// Pending with a queued run: nothing to resume.
	rr := serve(h, authReq(http.MethodPost, "/jobs/"+job.ID+"/resume", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("resume pending job: %d, want 409", rr.Code)
	}

	run, _ := store.ClaimNextRun(ctx)
	if err := store.CompleteRun(ctx, run.ID); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	setStatus(t, store, job.ID, document.JobCancelled, nil)

	rr = serve(h, authReq(http.MethodPost, "/jobs/"+job.ID+"/resume", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("resume cancelled job: %d, body = %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodPost, "/jobs/"+job.ID+"/resume", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("second resume while queued: %d, want 409", rr.Code)
	}
}

func TestResume_QualityGateFailureIsFinal(t *testing.T) {
	h, store := setupHandler(t)
	job := submitJob(t, h)
	setStatus(t, store, job.ID, document.JobFailed, &document.FailureReason{Kind: document.FailureQualityGate, Score: 41})

	rr := serve(h, authReq(http.MethodPost, "/jobs/"+job.ID+"/resume", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "quality gate") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestResumable(t *testing.T) {
	cases := []struct {
		job  document.Job
		want bool
	}{
		{document.Job{Status: document.JobCancelled}, true},
		{document.Job{Status: document.JobPaused}, true},
		{document.Job{Status: document.JobFailed, Failure: &document.FailureReason{Kind: document.FailurePass}}, true},
		{document.Job{Status: document.JobFailed, Failure: &document.FailureReason{Kind: document.FailureQualityGate}}, false},
		{document.Job{Status: document.JobCompleted}, false},
		{document.Job{Status: document.JobInProgress}, false},
	}
	for _, tc := range cases {
		if got := Resumable(tc.job) == nil; got != tc.want {
			t.Errorf("Resumable(%s) = %v, want %v", tc.job.Status, got, tc.want)
		}
	}
}

func TestSectionsAndChangeLog(t *testing.T) {
	h, store := setupHandler(t)
	job := submitJob(t, h)

	rr := serve(h, authReq(http.MethodGet, "/jobs/"+job.ID+"/sections", "", testToken))
	var sections []document.Section
	json.Unmarshal(rr.Body.Bytes(), &sections)
	if len(sections) != 3 || sections[1].Heading != "Choosing Beans" {
		t.Errorf("sections = %+v", sections)
	}

	if err := store.AppendChangeLog(context.Background(), document.ChangeLogEntry{
		JobID: job.ID, Pass: 1, SectionKey: sections[1].Key, Field: "content", Before: "a", After: "b",
	}); err != nil {
		t.Fatalf("AppendChangeLog: %v", err)
	}
	rr = serve(h, authReq(http.MethodGet, "/jobs/"+job.ID+"/changelog", "", testToken))
	var entries []document.ChangeLogEntry
	json.Unmarshal(rr.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].SectionKey != sections[1].Key {
		t.Errorf("change log = %+v", entries)
	}
}

func TestAudit(t *testing.T) {
	h, store := setupHandler(t)
	job := submitJob(t, h)

	rr := serve(h, authReq(http.MethodGet, "/jobs/"+job.ID+"/audit", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("audit before run: %d, want 404", rr.Code)
	}

	if err := store.SaveAudit(context.Background(), document.AuditRecord{
		JobID: job.ID, AlgorithmicScore: 70, ComplianceScore: 90, FinalScore: 78, Verdict: document.VerdictPass,
	}); err != nil {
		t.Fatalf("SaveAudit: %v", err)
	}
	rr = serve(h, authReq(http.MethodGet, "/jobs/"+job.ID+"/audit", "", testToken))
	var rec document.AuditRecord
	json.Unmarshal(rr.Body.Bytes(), &rec)
	if rec.FinalScore != 78 || rec.Verdict != document.VerdictPass {
		t.Errorf("audit = %+v", rec)
	}
}

func TestDocumentExport(t *testing.T) {
	h, _ := setupHandler(t)
	job := submitJob(t, h)

	rr := serve(h, authReq(http.MethodGet, "/jobs/"+job.ID+"/document", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("md status = %d", rr.Code)
	}
	md := rr.Body.String()
	if !strings.HasPrefix(md, "# Brewing Coffee at Home") || !strings.Contains(md, "## Grinding") {
		t.Errorf("markdown = %q", md)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs/"+job.ID+"/document?format=html", "", testToken))
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "<h2") {
		t.Errorf("html = %q", rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs/"+job.ID+"/document?format=pdf", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("pdf format: %d, want 400", rr.Code)
	}
}
