package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oho/lfmt-daemon/internal/api"
	"github.com/oho/lfmt-daemon/internal/config"
	"github.com/oho/lfmt-daemon/internal/jobstore"
	"github.com/oho/lfmt-daemon/internal/llmclient"
	"github.com/oho/lfmt-daemon/internal/objectstore"
	"github.com/oho/lfmt-daemon/internal/pipeline"
	"github.com/oho/lfmt-daemon/internal/ratelimit"
	"github.com/oho/lfmt-daemon/internal/ratelimit/memlimiter"
	"github.com/oho/lfmt-daemon/internal/ratelimit/redislimiter"
	"github.com/oho/lfmt-daemon/internal/server"
	"github.com/oho/lfmt-daemon/internal/translate"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	slog.Info("Starting long-form translation daemon...")

	cfg := config.LoadConfig()
	slog.Info("Configuration loaded", "data_dir", cfg.DataDir, "port", cfg.Port)

	objects, err := newObjectStore(cfg.ObjectStore)
	if err != nil {
		slog.Error("Failed to initialize object store", "error", err)
		os.Exit(1)
	}
	slog.Info("Object store ready", "backend", cfg.ObjectStore.Backend)

	jobs, err := newJobStore(cfg.JobStore)
	if err != nil {
		slog.Error("Failed to initialize job store", "error", err)
		os.Exit(1)
	}
	defer jobs.Close()
	slog.Info("Job store ready", "backend", cfg.JobStore.Backend)

	limiter, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}
	slog.Info("Rate limiter ready", "backend", cfg.RateLimit.Backend)

	llm := llmclient.NewOpenAICompatClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)
	if llm.HealthCheck(context.Background()) {
		slog.Info("LLM backend connected", "base_url", cfg.LLM.BaseURL, "model", cfg.LLM.Model)
	} else {
		slog.Warn("LLM backend not reachable - chunk translation will fail until it is", "base_url", cfg.LLM.BaseURL)
	}

	chunker := pipeline.NewChunker(objects, cfg.Pipeline)
	worker := translate.NewWorker(jobs, objects, limiter, llm, cfg.Pipeline)
	orch := pipeline.NewOrchestrator(jobs, objects, chunker, worker, cfg.Pipeline)
	orch.ResumeInFlight(context.Background())

	r := server.NewRouter()
	r.Get("/health", server.HealthHandler(cfg, llm))
	r.Mount("/jobs", api.JobsRouter(jobs, objects, orch, cfg.Pipeline.CostPerInputToken, cfg.Pipeline.CostPerOutputToken))

	pidPath := filepath.Join(cfg.DataDir, "daemon.pid")
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
	defer os.Remove(pidPath)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 60))
	fmt.Printf("  Long-Form Translation Daemon\n")
	fmt.Printf("  http://%s\n", addr)
	fmt.Printf("  Data dir: %s\n", cfg.DataDir)
	fmt.Printf("  LLM backend: %s\n", cfg.LLM.BaseURL)
	fmt.Printf("%s\n\n", strings.Repeat("=", 60))

	slog.Info("Daemon ready", "addr", addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	slog.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	slog.Info("Daemon stopped")
}

func newObjectStore(cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	switch cfg.Backend {
	case "minio":
		return objectstore.NewMinIOStore(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.UseTLS)
	default:
		return objectstore.NewSQLiteStore(cfg.SQLitePath)
	}
}

func newJobStore(cfg config.JobStoreConfig) (jobstore.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return jobstore.NewPGStore(context.Background(), cfg.DSN)
	default:
		return jobstore.NewSQLiteStore(cfg.SQLitePath)
	}
}

func newRateLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, error) {
	limits := ratelimit.Limits{
		RequestsPerMinute: cfg.RequestsPerMinute,
		TokensPerMinute:   cfg.TokensPerMinute,
		RequestsPerDay:    cfg.RequestsPerDay,
	}
	switch cfg.Backend {
	case "redis":
		return redislimiter.New(cfg.RedisAddress, limits, cfg.DayBoundaryTZ)
	default:
		return memlimiter.New(limits, cfg.DayBoundaryTZ)
	}
}
