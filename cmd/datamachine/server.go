package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/datamachine/internal/api"
	"github.com/kalambet/datamachine/internal/config"
	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/handlers/export"
	"github.com/kalambet/datamachine/internal/handlers/files"
	"github.com/kalambet/datamachine/internal/handlers/ollamaai"
	"github.com/kalambet/datamachine/internal/handlers/rest"
	"github.com/kalambet/datamachine/internal/handlers/rss"
	"github.com/kalambet/datamachine/internal/handlers/webhook"
	"github.com/kalambet/datamachine/internal/handlers/wordpress"
	"github.com/kalambet/datamachine/internal/job"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/ollama"
	"github.com/kalambet/datamachine/internal/queue"
	"github.com/kalambet/datamachine/internal/step"
	"github.com/kalambet/datamachine/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and job workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "datamachine.pid")
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

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "datamachine version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.API.Token == "" {
		return errors.New("api.token is not set: run `datamachine config set api.token <token>` or set DM_API_TOKEN")
	}

	logger := log.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", log.Error(err))
		}
	}()

	sig, err := queue.New(ctx, cfg.Queue.Backend, cfg.Queue.RedisAddr)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer sig.Close()

	// A missing model only fails the AI steps that need it.
	chat := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, chat, cfg.Ollama.Model, os.Stderr); err != nil {
		printWarning("%v", err)
	}

	reg, closeRegistry, err := buildRegistry(ctx, cfg, chat)
	if err != nil {
		return err
	}
	defer closeRegistry()

	invoker, err := handler.NewInvoker(ctx, reg)
	if err != nil {
		return err
	}
	defer invoker.Close()

	orch := job.New(job.Deps{
		Store:    store,
		Registry: reg,
		Executors: step.NewExecutors(step.Deps{
			Registry: reg,
			Caller:   invoker,
			Ledger:   store,
			Logger:   logger,
		}),
		Signal:     sig,
		Logger:     logger,
		Timeout:    cfg.Job.Timeout,
		StuckAfter: cfg.Job.StuckAfter,
	})

	if err := loadFlows(ctx, orch, cfg.Flows.Dir, reg, logger); err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Jobs:     orch,
			Registry: reg,
			Token:    cfg.API.Token,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", addr)
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

	for i := range cfg.Worker.Count {
		reap := time.Duration(0)
		if i == 0 {
			reap = cfg.Job.ReapInterval
		}
		w := job.NewWorker(orch, cfg.Queue.PollInterval, reap)
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	logger.Info("workers started", "count", cfg.Worker.Count, "queue", cfg.Queue.Backend)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Jobs:         orch,
			Registry:     reg,
			Version:      version,
			PollInterval: cfg.Queue.PollInterval,
		})
		g.Go(func() error {
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", log.Error(err))
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

// buildRegistry registers every configured handler. The returned func
// releases resources the handlers hold.
func buildRegistry(ctx context.Context, cfg config.Config, chat *ollama.Client) (*handler.Registry, func(), error) {
	reg := handler.NewRegistry()
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	filesRoot := cfg.Files.Root
	if filesRoot == "" {
		filesRoot = filepath.Join(cfg.Storage.DataDir, "files")
	}

	bucketURL := cfg.Export.BucketURL
	if bucketURL == "" {
		dir := filepath.Join(cfg.Storage.DataDir, "exports")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating export dir: %w", err)
		}
		bucketURL = "file://" + filepath.ToSlash(dir)
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening export bucket %s: %w", bucketURL, err)
	}
	closers = append(closers, func() { bucket.Close() })

	register := []struct {
		name string
		fn   func() error
	}{
		{rss.Slug, func() error { return rss.Register(reg, &http.Client{Timeout: cfg.HTTP.Timeout}) }},
		{rest.Slug, func() error { return rest.Register(reg, cfg.HTTP.Timeout) }},
		{files.Slug, func() error { return files.Register(reg, filesRoot) }},
		{ollamaai.Slug, func() error { return ollamaai.Register(reg, chat, cfg.Ollama.Model) }},
		{export.Slug, func() error { return export.Register(reg, bucket, cfg.Export.Prefix) }},
		{webhook.Slug, func() error { return webhook.Register(reg, cfg.HTTP.Timeout) }},
	}
	if cfg.WordPress.BaseURL != "" {
		register = append(register, struct {
			name string
			fn   func() error
		}{wordpress.Slug, func() error {
			return wordpress.Register(reg, wordpress.Options{
				BaseURL:     cfg.WordPress.BaseURL,
				Username:    cfg.WordPress.Username,
				AppPassword: cfg.WordPress.AppPassword,
				Timeout:     cfg.HTTP.Timeout,
			})
		}})
	}

	for _, r := range register {
		if err := r.fn(); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("registering %s handler: %w", r.name, err)
		}
	}
	return reg, closeAll, nil
}

// loadFlows upserts every flow file in dir. An empty dir is skipped.
func loadFlows(ctx context.Context, orch *job.Orchestrator, dir string, reg *handler.Registry, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	flows, err := flow.LoadDir(dir, reg)
	if err != nil {
		return fmt.Errorf("loading flows from %s: %w", dir, err)
	}
	for _, f := range flows {
		if _, err := orch.SaveFlow(ctx, f); err != nil {
			return fmt.Errorf("saving flow %s: %w", f.ID, err)
		}
		logger.Info("flow loaded", log.FlowID(f.ID), "steps", len(f.Steps))
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop datamachine (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to datamachine (PID %d)", pid)
	return nil
}
