package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/passwright/internal/analysis"
	"github.com/kalambet/passwright/internal/api"
	"github.com/kalambet/passwright/internal/articlectx"
	"github.com/kalambet/passwright/internal/audit"
	"github.com/kalambet/passwright/internal/config"
	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/engine"
	"github.com/kalambet/passwright/internal/generation"
	"github.com/kalambet/passwright/internal/ingest"
	"github.com/kalambet/passwright/internal/lang"
	"github.com/kalambet/passwright/internal/preserve"
	"github.com/kalambet/passwright/internal/prompt"
	"github.com/kalambet/passwright/internal/storage"
	"github.com/kalambet/passwright/internal/worker"
)

var _ engine.Repository = (*storage.Store)(nil)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the passwright server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running passwright server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show passwright system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "passwright.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

// runtime is everything needed to accept and execute jobs.
type runtime struct {
	store    *storage.Store
	gen      *generation.Service
	ingester *ingest.Ingester
	runner   *engine.Runner
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	langs, err := lang.Load()
	if err != nil {
		return nil, fmt.Errorf("loading language tables: %w", err)
	}
	plans, err := engine.LoadPlans()
	if err != nil {
		return nil, fmt.Errorf("loading pass plans: %w", err)
	}

	gen, err := generation.Build(ctx, generation.Settings{
		Vendors:       cfg.Vendors(),
		OpenAIBaseURL: cfg.Generation.OpenAIBaseURL,
		OpenAIModel:   cfg.Generation.OpenAIModel,
		OpenAIAPIKey:  cfg.Generation.OpenAIAPIKey,
		GeminiModel:   cfg.Generation.GeminiModel,
		GeminiAPIKey:  cfg.Generation.GeminiAPIKey,
		OllamaBaseURL: cfg.Generation.OllamaBaseURL,
		OllamaModel:   cfg.Generation.OllamaModel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("building generation service: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	ecfg := engine.DefaultConfig()
	ecfg.BatchSize = cfg.Engine.BatchSize
	ecfg.CheckpointInterval = cfg.Engine.CheckpointInterval
	ecfg.RetryBudget = cfg.Generation.RetryBudget
	ecfg.Analysis = analysisPolicy(cfg)
	ecfg.Preserve = preservePolicy(cfg)

	eng, err := engine.New(engine.Deps{
		Repo:      store,
		Generator: gen,
		Context:   articlectx.NewLocal(0),
		Prompts:   prompt.NewBuilder(0),
		Languages: langs,
		Notifier:  engine.SlogNotifier{Logger: logger},
		Logger:    logger,
	}, ecfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	// A static-only setup has no model to judge compliance, so the
	// algorithmic score stands in.
	var compliance audit.Compliance
	if !staticOnly(cfg.Vendors()) {
		compliance = audit.NewLLMCompliance(gen, cfg.Generation.RetryBudget, 0)
	}
	auditor := audit.New(langs, compliance, auditPolicy(cfg), logger)

	runner, err := engine.NewRunner(eng, plans, auditor)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{
		store:    store,
		gen:      gen,
		ingester: ingest.New(store, plans, langs),
		runner:   runner,
	}, nil
}

func staticOnly(vendors []string) bool {
	for _, v := range vendors {
		if v != "static" {
			return false
		}
	}
	return true
}

func analysisPolicy(cfg config.Config) analysis.Policy {
	p := analysis.DefaultPolicy()
	p.AggressiveProseRatio = cfg.Policy.AggressiveProseRatio
	if cfg.Engine.ChunkSize > 0 {
		p.ChunkSize = cfg.Engine.ChunkSize
	}
	return p
}

func preservePolicy(cfg config.Config) preserve.Policy {
	p := preserve.DefaultPolicy()
	p.Floor = cfg.Policy.PreservationFloor
	p.MinLengthRatio = cfg.Policy.MinLengthRatio
	return p
}

func auditPolicy(cfg config.Config) audit.Policy {
	return audit.Policy{
		Floor:                   cfg.Policy.GateFloor,
		Warning:                 cfg.Policy.GateWarning,
		AlgorithmicWeight:       cfg.Policy.AlgorithmicWeight,
		ComplianceWeight:        cfg.Policy.ComplianceWeight,
		ContradictionPenalty:    cfg.Policy.ContradictionPenalty,
		MaxContradictionPenalty: cfg.Policy.MaxContradictionPenalty,
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "passwright version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewSecrets())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("passwright is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("passwright is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if o, ok := rt.gen.LocalOllama(); ok {
		if err := o.EnsureReady(ctx, os.Stderr); err != nil {
			return err
		}
	}

	// Runs claimed by a previous process that never finished go back on
	// the queue; the runner resumes them from their last checkpoint.
	if n, err := rt.store.RequeueRunning(ctx); err != nil {
		return fmt.Errorf("requeueing interrupted runs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted runs", "count", n)
	}

	handler := api.NewHandler(api.Deps{
		Store:    rt.store,
		Ingester: rt.ingester,
		Token:    apiToken,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w := worker.New(rt.store, rt.runner, cfg.PollInterval(), cfg.Worker.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Run(gctx)
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "passwright listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    rt.store,
			Ingester: rt.ingester,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("passwright is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop passwright (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to passwright (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Vendors", "%s", strings.Join(cfg.Vendors(), ", "))
	for _, v := range cfg.Vendors() {
		if v != "ollama" {
			continue
		}
		o := generation.NewOllama(cfg.Generation.OllamaBaseURL, cfg.Generation.OllamaModel)
		if o.IsRunning(ctx) {
			printStatus("Ollama", "running at %s (model %s)", cfg.Generation.OllamaBaseURL, o.Model())
		} else {
			printStatus("Ollama", "not running")
		}
	}
	if err := cfg.Validate(); err != nil {
		printWarning("%v", err)
	}

	if running {
		client, err := newAPIClient()
		if err == nil {
			for _, st := range []string{"pending", "in_progress", "completed", "failed"} {
				resp, err := client.get(ctx, "/jobs?limit=100&status="+st)
				if err != nil {
					break
				}
				var jobs []document.Job
				if decodeJSON(resp, &jobs) == nil {
					printStatus("Jobs "+st, "%s", countLabel(len(jobs), 100))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
