package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	return MCPDeps{Store: store, Ingester: newTestIngester(t, store)}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func submitViaMCP(t *testing.T, deps MCPDeps) string {
	t.Helper()
	result, err := mcpSubmit(deps)(context.Background(), makeCallToolRequest("submit_document", map[string]interface{}{
		"markdown": sampleDoc,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	fields := strings.Fields(toolText(t, result))
	if len(fields) < 3 {
		t.Fatalf("unexpected response: %s", toolText(t, result))
	}
	return fields[2]
}

// --- tests ---

func TestMCPTool_Submit(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	id := submitViaMCP(t, deps)
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	if job.Title != "Brewing Coffee at Home" || job.TotalSections != 3 {
		t.Errorf("job = %+v", job)
	}
}

func TestMCPTool_Submit_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpSubmit(deps)(context.Background(), makeCallToolRequest("submit_document", map[string]interface{}{
		"markdown": sampleDoc,
		"language": "xx",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result for an unsupported language")
	}

	result, _ = mcpSubmit(deps)(context.Background(), makeCallToolRequest("submit_document", map[string]interface{}{}))
	if !result.IsError {
		t.Fatal("expected an error result without markdown")
	}
}

func TestMCPTool_JobStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	id := submitViaMCP(t, deps)

	result, err := mcpJobStatus(deps)(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{"job_id": id}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sum jobSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &sum); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if sum.Status != "pending" || sum.TotalSections != 3 {
		t.Errorf("summary = %+v", sum)
	}

	result, _ = mcpJobStatus(deps)(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{"job_id": "missing"}))
	if !result.IsError {
		t.Error("expected an error result for a missing job")
	}
}

func TestMCPTool_CancelJob(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	id := submitViaMCP(t, deps)

	result, err := mcpCancel(deps)(context.Background(), makeCallToolRequest("cancel_job", map[string]interface{}{"job_id": id}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	job, _ := store.GetJob(context.Background(), id)
	if !job.CancelRequested {
		t.Error("cancel flag not set")
	}
}

func TestMCPTool_GetAudit(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	id := submitViaMCP(t, deps)
	handler := mcpAudit(deps)
	req := makeCallToolRequest("get_audit", map[string]interface{}{"job_id": id})

	result, _ := handler(context.Background(), req)
	if !result.IsError {
		t.Fatal("expected an error result before the audit exists")
	}

	if err := store.SaveAudit(context.Background(), document.AuditRecord{
		JobID:      id,
		Rules:      []document.RuleResult{{Rule: "filler_density", Passed: true}},
		FinalScore: 81,
		Verdict:    document.VerdictPass,
	}); err != nil {
		t.Fatalf("SaveAudit: %v", err)
	}
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rec document.AuditRecord
	if err := json.Unmarshal([]byte(toolText(t, result)), &rec); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if rec.FinalScore != 81 || len(rec.Rules) != 1 {
		t.Errorf("audit = %+v", rec)
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	submitViaMCP(t, deps)

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("jobs://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "jobs://recent" {
		t.Errorf("URI = %q", tc.URI)
	}
	var sums []jobSummary
	if err := json.Unmarshal([]byte(tc.Text), &sums); err != nil {
		t.Fatalf("failed to parse resource: %v", err)
	}
	if len(sums) != 1 || sums[0].Title != "Brewing Coffee at Home" {
		t.Errorf("recent = %+v", sums)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	id := submitViaMCP(t, deps)

	submit := mcpSubmit(deps)
	status := mcpJobStatus(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 5 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := submit(context.Background(), makeCallToolRequest("submit_document", map[string]interface{}{"markdown": sampleDoc})); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := status(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{"job_id": id})); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
