// mgx gateway server — provides the HTTP/SSE API, runs the broker
// worker pool that launches agent containers, and enforces retention.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/joho/godotenv"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/api"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/cleanup"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/database"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/orchestrator"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/queue"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

const shutdownTimeout = 15 * time.Second

// resolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// agentEnv collects the env vars forwarded into every agent container:
// store connection and LLM credentials.
func agentEnv() []string {
	keys := []string{
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "LLM_MODEL", "LLM_SUMMARIZER_MODEL",
		"AGENT_MAX_ITERATIONS", "GRAPH_MAX_TRANSITIONS",
	}
	var env []string
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	podID := resolvePodID()
	slog.Info("Starting mgx gateway", "listen_addr", cfg.ListenAddr, "pod_id", podID)

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewPostgresStore(dbClient)
	taskQueue := queue.NewPostgresQueue(dbClient.DB())

	docker, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("Failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer docker.Close()

	orch := &orchestrator.Orchestrator{
		Docker:   docker,
		Store:    st,
		Config:   cfg.Orchestrator,
		ExtraEnv: agentEnv(),
	}

	pool := queue.NewWorkerPool(podID, taskQueue, st, orch, cfg.Queue)
	pool.Start(ctx)

	retention := cleanup.NewService(cfg.Retention, st, st)
	retention.Start(ctx)

	if cfg.Auth.JWKSURL == "" && !cfg.Auth.Disabled {
		slog.Error("AUTH_JWKS_URL is required unless AUTH_DISABLED=true")
		os.Exit(1)
	}
	auth := &api.Authenticator{
		Cache: &api.JWKSCache{
			URL:             cfg.Auth.JWKSURL,
			RefreshInterval: cfg.Auth.JWKSRefreshInterval,
		},
		Disabled: cfg.Auth.Disabled,
	}

	server := api.NewServer(st, taskQueue, auth, cfg.SSE).
		WithCanceller(pool).
		WithHealthCheck(func(ctx context.Context) error {
			_, err := database.Health(ctx, dbClient.DB())
			return err
		})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("mgx gateway started", "pod_id", podID, "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop accepting requests, then drain in-flight tasks.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	pool.Stop()
	retention.Stop()

	slog.Info("mgx gateway stopped")
}
