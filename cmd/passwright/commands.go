package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/passwright/internal/api"
	"github.com/kalambet/passwright/internal/config"
	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/ingest"
	"github.com/kalambet/passwright/internal/worker"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a markdown or PDF document for optimization",
	Long: `Submit a markdown or PDF document to the running server.

Examples:
  passwright submit draft.md
  passwright submit guide.md --doc-type guide --language de
  passwright submit paper.pdf --title "Field notes" --visual overview="Flow diagram"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := submissionFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs", sub)
		if err != nil {
			return err
		}
		var job document.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printSuccess("Queued job %s (%d sections)", job.ID, job.TotalSections)
		return nil
	},
}

func addSubmissionFlags(cmd *cobra.Command) {
	cmd.Flags().String("title", "", "document title (default: first heading)")
	cmd.Flags().String("doc-type", "", "document type selecting the pass plan (default: article)")
	cmd.Flags().String("language", "", "language code for rule tables (default: en)")
	cmd.Flags().StringToString("visual", nil, "planned visual per section key, e.g. overview=\"Flow diagram\"")
	cmd.Flags().String("visuals-file", "", "YAML file mapping section keys or headings to planned visuals")
}

func init() {
	addSubmissionFlags(submitCmd)
}

// submissionFromFlags reads path and builds a submission from it. Files
// ending in .pdf are sent as PDF; anything else is treated as markdown.
func submissionFromFlags(cmd *cobra.Command, path string) (ingest.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Submission{}, fmt.Errorf("reading file: %w", err)
	}

	title, _ := cmd.Flags().GetString("title")
	docType, _ := cmd.Flags().GetString("doc-type")
	language, _ := cmd.Flags().GetString("language")
	visuals, _ := cmd.Flags().GetStringToString("visual")
	visualsFile, _ := cmd.Flags().GetString("visuals-file")
	if visualsFile != "" {
		planned, err := readVisuals(visualsFile)
		if err != nil {
			return ingest.Submission{}, err
		}
		// --visual entries win over the file.
		for k, v := range visuals {
			planned[k] = v
		}
		visuals = planned
	}

	sub := ingest.Submission{
		Title:          title,
		DocType:        docType,
		Language:       language,
		PlannedVisuals: visuals,
	}
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		sub.PDF = base64.StdEncoding.EncodeToString(data)
	} else {
		sub.Markdown = string(data)
	}
	return sub, nil
}

func readVisuals(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading visuals file: %w", err)
	}
	planned := make(map[string]string)
	if err := yaml.Unmarshal(data, &planned); err != nil {
		return nil, fmt.Errorf("parsing visuals file %s: %w", path, err)
	}
	return planned, nil
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}
		var jobs []document.Job
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			fmt.Println(formatJobLine(j))
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job with its sections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withSections, _ := cmd.Flags().GetBool("sections")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job document.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		if !withSections {
			return printJSON(os.Stdout, job)
		}

		resp, err = client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/sections")
		if err != nil {
			return err
		}
		var sections []document.Section
		if err := decodeJSON(resp, &sections); err != nil {
			return err
		}
		return printJSON(os.Stdout, map[string]any{"job": job, "sections": sections})
	},
}

func init() {
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsListCmd.Flags().String("status", "", "only jobs with this status")
	jobsShowCmd.Flags().Bool("sections", false, "include section contents")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
}

// --- cancel / resume ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of a job",
	Long: `Request cancellation of a job. The job stops at its next checkpoint
and keeps everything written so far; resume continues from there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cancellation requested for job %s", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Queue a cancelled, paused or failed job again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/resume", nil)
		if err != nil {
			return err
		}
		var run struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		printSuccess("Job %s queued (run %s)", args[0], run.ID)
		return nil
	},
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show the quality audit of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/audit")
		if err != nil {
			return err
		}
		var rec document.AuditRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, rec)
		}
		printAudit(os.Stdout, rec)
		return nil
	},
}

func init() {
	auditCmd.Flags().Bool("json", false, "print the raw audit record")
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a job's current document as markdown or HTML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs/" + url.PathEscape(args[0]) + "/document?format=" + url.QueryEscape(format)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		body, err := readBody(resp)
		if err != nil {
			return err
		}
		return writeOutput(output, body)
	},
}

func init() {
	exportCmd.Flags().String("format", "md", "output format: md or html")
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	printSuccess("Wrote %s", path)
	return nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Optimize a document locally without a server",
	Long: `Run every pass and the quality audit for one document in this process.

The job is stored in the data directory like a submitted one, so an
interrupted run can be finished later with "passwright start".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		sub, err := submissionFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		job, err := rt.ingester.Submit(ctx, sub)
		if err != nil {
			return err
		}
		printStep("Job %s: %d sections", job.ID, job.TotalSections)

		w := worker.New(rt.store, rt.runner, cfg.PollInterval(), 1)
		job, err = runToCompletion(ctx, w, rt.store, job.ID, cfg.PollInterval())
		if err != nil {
			return err
		}

		if rec, err := rt.store.GetAudit(ctx, job.ID); err == nil {
			printAudit(os.Stderr, rec)
		}
		switch job.Status {
		case document.JobCompleted:
			md, err := api.Markdown(ctx, rt.store, job)
			if err != nil {
				return err
			}
			return writeOutput(output, []byte(md))
		case document.JobFailed:
			if job.Failure != nil {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Failure)
			}
			return fmt.Errorf("job %s failed", job.ID)
		}
		return fmt.Errorf("job %s stopped as %s", job.ID, job.Status)
	},
}

func init() {
	addSubmissionFlags(runCmd)
	runCmd.Flags().String("output", "", "output file path (default: stdout)")
}

type jobGetter interface {
	GetJob(ctx context.Context, id string) (document.Job, error)
}

// runToCompletion drives the queue until the job reaches a terminal status.
// Other queued runs claimed on the way are processed too.
func runToCompletion(ctx context.Context, w *worker.Worker, jobs jobGetter, jobID string, poll time.Duration) (document.Job, error) {
	for {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			return document.Job{}, err
		}
		if ctx.Err() != nil {
			return document.Job{}, fmt.Errorf("interrupted; job %s resumes on the next start: %w", jobID, ctx.Err())
		}
		job, err := jobs.GetJob(ctx, jobID)
		if err != nil {
			return document.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(poll):
		}
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
