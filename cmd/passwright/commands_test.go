package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/passwright/internal/api"
	"github.com/kalambet/passwright/internal/config"
	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/ingest"
	"github.com/kalambet/passwright/internal/worker"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"job not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

const sampleDoc = `# Brewing Coffee at Home

Good coffee starts with fresh beans and a little patience.

## Choosing Beans

Buy whole beans roasted within the last month. Store them in an airtight
container away from light.

## Grinding

Grind right before brewing. A burr grinder gives an even particle size.

## Brewing

Use water just off the boil and a ratio of about one to sixteen.
`

func testConfig() config.Config {
	return config.Config{
		Storage:    config.StorageConfig{DataDir: ":memory:"},
		Generation: config.GenerationConfig{Vendors: "static", RetryBudget: 1},
		Engine:     config.EngineConfig{BatchSize: 1, CheckpointInterval: 3, ChunkSize: 16},
		Policy: config.PolicyConfig{
			AggressiveProseRatio:    0.8,
			PreservationFloor:       0.3,
			MinLengthRatio:          0.5,
			GateFloor:               50,
			GateWarning:             70,
			AlgorithmicWeight:       0.6,
			ComplianceWeight:        0.4,
			ContradictionPenalty:    5,
			MaxContradictionPenalty: 20,
		},
		Worker: config.WorkerConfig{PollInterval: "10ms", Concurrency: 1},
		Log:    config.LogConfig{Level: "error"},
	}
}

func ingestSubmission(md string) ingest.Submission {
	return ingest.Submission{Markdown: md}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSubmitFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addSubmissionFlags(cmd)
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	return cmd
}

func TestSubmissionFromFlags_Markdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draft.md")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := newSubmitFlags(t, "--title", "Coffee", "--doc-type", "guide", "--language", "en", "--visual", "grinding=Grind size chart")

	sub, err := submissionFromFlags(cmd, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Markdown != sampleDoc || sub.PDF != "" {
		t.Errorf("markdown not carried through (pdf=%q)", sub.PDF)
	}
	if sub.Title != "Coffee" || sub.DocType != "guide" || sub.Language != "en" {
		t.Errorf("sub = %+v", sub)
	}
	if sub.PlannedVisuals["grinding"] != "Grind size chart" {
		t.Errorf("PlannedVisuals = %v", sub.PlannedVisuals)
	}
}

func TestSubmissionFromFlags_PDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paper.PDF")
	raw := []byte("%PDF-1.4 fake")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	sub, err := submissionFromFlags(newSubmitFlags(t), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Markdown != "" {
		t.Error("PDF submission should not set markdown")
	}
	decoded, err := base64.StdEncoding.DecodeString(sub.PDF)
	if err != nil || !bytes.Equal(decoded, raw) {
		t.Errorf("PDF payload = %q, %v", decoded, err)
	}
}

func TestSubmissionFromFlags_VisualsFile(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "draft.md")
	if err := os.WriteFile(doc, []byte(sampleDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	visuals := filepath.Join(dir, "visuals.yaml")
	content := "grinding: Grind size chart\nbrewing: Brew ratio table\n"
	if err := os.WriteFile(visuals, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newSubmitFlags(t, "--visuals-file", visuals, "--visual", "brewing=Kettle photo")
	sub, err := submissionFromFlags(cmd, doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"grinding": "Grind size chart", "brewing": "Kettle photo"}
	if len(sub.PlannedVisuals) != len(want) {
		t.Fatalf("PlannedVisuals = %v, want %v", sub.PlannedVisuals, want)
	}
	for k, v := range want {
		if sub.PlannedVisuals[k] != v {
			t.Errorf("PlannedVisuals[%q] = %q, want %q", k, sub.PlannedVisuals[k], v)
		}
	}
}

func TestSubmissionFromFlags_BadVisualsFile(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "draft.md")
	if err := os.WriteFile(doc, []byte(sampleDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	visuals := filepath.Join(dir, "visuals.yaml")
	if err := os.WriteFile(visuals, []byte("- just\n- a list\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := submissionFromFlags(newSubmitFlags(t, "--visuals-file", visuals), doc); err == nil {
		t.Fatal("expected error for a visuals file that is not a mapping")
	}
}

func TestSubmissionFromFlags_MissingFile(t *testing.T) {
	if _, err := submissionFromFlags(newSubmitFlags(t), filepath.Join(t.TempDir(), "nope.md")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSubmitRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs": `{"id":"job-123","status":"pending","total_sections":3}`,
	})

	resp, err := ts.client().post(ctx, "/jobs", map[string]any{"markdown": sampleDoc})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var job document.Job
	if err := decodeJSON(resp, &job); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if job.ID != "job-123" || job.Status != document.JobPending || job.TotalSections != 3 {
		t.Errorf("job = %+v", job)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/jobs" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["markdown"] != sampleDoc {
		t.Errorf("body.markdown = %v", body["markdown"])
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/jobs/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var job document.Job
	err = decodeJSON(resp, &job)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestReadBody_PlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	resp, err := c.get(ctx, "/jobs/x/document")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := readBody(resp); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("readBody error = %v, want it to carry the body", err)
	}
}

func TestServerNotRunning(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client()
	ts.server.Close()

	_, err := c.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestFormatJobLine(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	line := formatJobLine(document.Job{
		ID:                "0123456789abcdef",
		Title:             "Brewing Coffee at Home",
		Status:            document.JobInProgress,
		CurrentPass:       2,
		CompletedSections: 1,
		TotalSections:     3,
	})
	for _, want := range []string{"01234567 ", "in_progress", "pass 2", "1/3", "Brewing Coffee"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestPrintAudit(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	printAudit(&buf, document.AuditRecord{
		FinalScore: 62,
		Verdict:    document.VerdictWarn,
		Rules: []document.RuleResult{
			{Rule: "direct_answer", Passed: true},
			{Rule: "no_filler", Passed: false, Detail: "3 filler phrases", Hint: "cut the filler"},
		},
		Contradictions: []string{"always vs never"},
	})
	out := buf.String()
	for _, want := range []string{"62 (warn)", "pass  direct_answer", "fail  no_filler: 3 filler phrases", "cut the filler", "always vs never"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStaticOnly(t *testing.T) {
	if !staticOnly([]string{"static"}) {
		t.Error("static should be static-only")
	}
	if staticOnly([]string{"static", "ollama"}) {
		t.Error("static,ollama is not static-only")
	}
}

func TestPolicyMapping(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.GateFloor = 40
	cfg.Policy.PreservationFloor = 0.25
	cfg.Engine.ChunkSize = 8

	if p := auditPolicy(cfg); p.Floor != 40 || p.Warning != 70 || p.AlgorithmicWeight != 0.6 {
		t.Errorf("auditPolicy = %+v", p)
	}
	if p := preservePolicy(cfg); p.Floor != 0.25 || p.MinLengthRatio != 0.5 {
		t.Errorf("preservePolicy = %+v", p)
	}
	if p := analysisPolicy(cfg); p.ChunkSize != 8 || p.AggressiveProseRatio != 0.8 {
		t.Errorf("analysisPolicy = %+v", p)
	}
}

func TestRunToCompletion(t *testing.T) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rt, err := buildRuntime(runCtx, testConfig(), quietLogger())
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	defer rt.Close()

	job, err := rt.ingester.Submit(runCtx, ingestSubmission(sampleDoc))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	w := worker.New(rt.store, rt.runner, 10*time.Millisecond, 1)
	done, err := runToCompletion(runCtx, w, rt.store, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("runToCompletion: %v", err)
	}
	if !done.Status.Terminal() {
		t.Fatalf("status = %s, want terminal", done.Status)
	}
}

func TestRunToCompletion_Interrupted(t *testing.T) {
	rt, err := buildRuntime(ctx, testConfig(), quietLogger())
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	defer rt.Close()

	job, err := rt.ingester.Submit(ctx, ingestSubmission(sampleDoc))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	w := worker.New(rt.store, rt.runner, 10*time.Millisecond, 1)
	if _, err := runToCompletion(cancelled, w, rt.store, job.ID, 10*time.Millisecond); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// TestEndToEndOverHTTP submits through the API client, drains the queue and
// exports the result.
func TestEndToEndOverHTTP(t *testing.T) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rt, err := buildRuntime(runCtx, testConfig(), quietLogger())
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	defer rt.Close()

	srv := httptest.NewServer(api.NewHandler(api.Deps{Store: rt.store, Ingester: rt.ingester, Token: "test-token"}))
	defer srv.Close()
	c := &apiClient{baseURL: srv.URL, token: "test-token", httpClient: srv.Client()}

	resp, err := c.post(runCtx, "/jobs", ingestSubmission(sampleDoc))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var job document.Job
	if err := decodeJSON(resp, &job); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if job.TotalSections == 0 {
		t.Fatalf("job has no sections: %+v", job)
	}

	w := worker.New(rt.store, rt.runner, 10*time.Millisecond, 1)
	if _, err := runToCompletion(runCtx, w, rt.store, job.ID, 10*time.Millisecond); err != nil {
		t.Fatalf("runToCompletion: %v", err)
	}

	resp, err = c.get(runCtx, "/jobs/"+job.ID+"/document?format=md")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	body, err := readBody(resp)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(body), "Brewing Coffee at Home") {
		t.Errorf("exported document lacks the title:\n%s", body)
	}

	resp, err = c.get(runCtx, "/jobs?limit=5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var jobs []document.Job
	if err := decodeJSON(resp, &jobs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Errorf("jobs = %+v", jobs)
	}
}
