package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"crucible/internal/analysis"
	"crucible/internal/config"
	"crucible/internal/logging"
	"crucible/internal/pipeline"
	"crucible/internal/queue"
	"crucible/internal/ratelimit"
	"crucible/internal/sandbox"
	"crucible/internal/testgen"
	"crucible/internal/verify"
)

const janitorInterval = 10 * time.Minute

func main() {
	if err := godotenv.Load(); err != nil {
		// Try parent directory for .env
		_ = godotenv.Load("../.env")
	}

	logging.Init()
	defer logging.Sync()
	log := logging.Named("main")

	cfg, err := config.Load(os.Getenv("CRUCIBLE_CONFIG"))
	if err != nil {
		log.Fatal("configuration invalid", zap.Error(err))
	}

	exec, err := sandbox.NewExecutor(sandbox.Config{
		WorkspacePath:           cfg.Sandbox.WorkspacePath,
		MaxConcurrentExecutions: cfg.Sandbox.MaxConcurrentExecutions,
		MemoryLimitMB:           cfg.Sandbox.MemoryLimitMB,
		CPULimit:                cfg.Sandbox.CPULimit,
		PidsLimit:               cfg.Sandbox.PidsLimit,
		DefaultTimeoutSeconds:   cfg.Sandbox.DefaultTimeoutSeconds,
		Images:                  cfg.Sandbox.Images,
	})
	if err != nil {
		log.Fatal("sandbox executor unavailable", zap.Error(err))
	}
	defer exec.Close()

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go exec.RunJanitor(janitorCtx, janitorInterval)

	limiter := ratelimit.New(cfg.RateLimit)
	pipe := pipeline.New(cfg.Pipeline, pipeline.Deps{
		// EchoGenerator keeps the daemon runnable without a model provider;
		// embedders inject their own Generator here.
		Generator: &pipeline.EchoGenerator{},
		Sandbox:   exec,
		Analyzer:  analysis.New(exec),
		TestGen:   testgen.New(),
		Verifier:  verify.New(cfg.Verification),
		Limiter:   limiter,
	})
	jobs := queue.New(cfg.Queue, pipe)

	addr := os.Getenv("CRUCIBLE_METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	log.Info("crucible ready",
		zap.String("metrics_addr", addr),
		zap.Int("workers", cfg.Queue.Workers),
		zap.Int("queue_capacity", cfg.Queue.Capacity),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("metrics server failed", zap.Error(err))
	case sig := <-quit:
		log.Info("starting graceful shutdown", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 1. Stop serving metrics and health.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}

	// 2. Stop intake, cancel in-flight pipelines, wait for workers to drain.
	jobs.Shutdown()

	// 3. Stop the janitor; the deferred Close releases the runtime client.
	stopJanitor()

	log.Info("shutdown complete")
}
