package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/passwright/internal/ingest"
	"github.com/kalambet/passwright/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Ingester *ingest.Ingester
	Version  string
}

// NewMCPServer creates an MCP server with the job tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"passwright",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("passwright rewrites markdown documents section by section in multiple passes and audits the result."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_document",
			mcp.WithDescription("Queue a markdown document for multi-pass optimization. Returns the job id."),
			mcp.WithString("markdown", mcp.Description("The full markdown document"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Title; defaults to the document's first level 1 heading")),
			mcp.WithString("doc_type", mcp.Description("article, guide or comparison (default article)")),
			mcp.WithString("language", mcp.Description("Language code: en, de or es (default en)")),
		),
		mcpSubmit(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report a job's status, current pass and section progress."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_job",
			mcp.WithDescription("Request cancellation of a running job. Progress up to the last checkpoint is kept."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpCancel(deps),
	)

	s.AddTool(
		mcp.NewTool("get_audit",
			mcp.WithDescription("Return the quality audit of a finished job: rule results, scores and verdict."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpAudit(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jobs://recent",
			"Recent Jobs",
			mcp.WithResourceDescription("Last 10 jobs with status and progress"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmit(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		md, err := req.RequireString("markdown")
		if err != nil {
			return mcpError("markdown is required"), nil
		}
		job, err := deps.Ingester.Submit(ctx, ingest.Submission{
			Markdown: md,
			Title:    req.GetString("title", ""),
			DocType:  req.GetString("doc_type", ""),
			Language: req.GetString("language", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued job %s (%d sections)", job.ID, job.TotalSections)), nil
	}
}

type jobSummary struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Status            string `json:"status"`
	CurrentPass       int    `json:"current_pass"`
	CompletedSections int    `json:"completed_sections"`
	TotalSections     int    `json:"total_sections"`
	Failure           string `json:"failure,omitempty"`
	UpdatedAt         string `json:"updated_at"`
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		job, err := deps.Store.GetJob(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}
		sum := jobSummary{
			ID:                job.ID,
			Title:             job.Title,
			Status:            string(job.Status),
			CurrentPass:       job.CurrentPass,
			CompletedSections: job.CompletedSections,
			TotalSections:     job.TotalSections,
			UpdatedAt:         job.UpdatedAt.Format(time.RFC3339),
		}
		if job.Failure != nil {
			sum.Failure = job.Failure.String()
		}
		b, err := json.Marshal(sum)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCancel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		if err := deps.Store.RequestCancel(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancellation requested for job %s", id)), nil
	}
}

func mcpAudit(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		rec, err := deps.Store.GetAudit(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s has no audit yet", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get audit: %v", err)), nil
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal audit: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Store.ListJobs(ctx, "", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}

		summaries := make([]jobSummary, len(jobs))
		for i, j := range jobs {
			summaries[i] = jobSummary{
				ID:                j.ID,
				Title:             j.Title,
				Status:            string(j.Status),
				CurrentPass:       j.CurrentPass,
				CompletedSections: j.CompletedSections,
				TotalSections:     j.TotalSections,
				UpdatedAt:         j.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
