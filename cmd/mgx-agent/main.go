// mgx-agent runner — executes one generation run for one session
// inside its container, then exits. The orchestrator reads the outcome
// from the session's event stream; the exit code only distinguishes
// clean runs from crashes.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agent"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agentctx"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/database"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/graph"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/llm"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/runtime"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/tools"
)

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	sessionID := os.Getenv("SESSION_ID")
	workspaceID := os.Getenv("WORKSPACE_ID")
	framework := models.Framework(os.Getenv("FRAMEWORK"))
	if sessionID == "" || workspaceID == "" {
		slog.Error("SESSION_ID and WORKSPACE_ID are required")
		os.Exit(1)
	}
	if !framework.Valid() {
		framework = models.FrameworkNextJS
	}

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	scope := &agentctx.Scope{
		SessionID:     sessionID,
		WorkspaceID:   workspaceID,
		WorkspaceRoot: cfg.Orchestrator.ContainerWorkspaceRoot,
		Framework:     framework,
		RunID:         uuid.New().String(),
		Events:        st,
		Messages:      st,
		Sessions:      st,
	}
	agentctx.SetProcessDefault(scope)

	if cfg.RunMode == config.RunModeMemory {
		seedMemoryRun(st, sessionID, workspaceID, framework)
	}

	registry := tools.NewRegistry()
	tools.RegisterWorkspaceTools(registry)
	tools.RegisterExecTools(registry)
	tools.RegisterDevServerTools(registry)
	tools.RegisterDecisionTool(registry)

	llmClient := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		MaxRetries: cfg.LLM.MaxRetries,
	})

	summarizerModel := cfg.LLM.SummarizerModel
	if summarizerModel == "" {
		summarizerModel = cfg.LLM.Model
	}
	summarizer := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      summarizerModel,
		MaxRetries: cfg.LLM.MaxRetries,
	})

	rt := &runtime.Runtime{
		Runner: &graph.Runner{
			Invoker: &agent.Invoker{
				LLM:   llmClient,
				Tools: registry,
				Compressor: &agent.Compressor{
					LLM:              summarizer,
					Model:            summarizerModel,
					TokenThreshold:   cfg.Agent.CompressTokenThreshold,
					MessageThreshold: cfg.Agent.CompressMessageThreshold,
					KeepRecent:       cfg.Agent.CompressKeepRecent,
				},
				MaxIterations: cfg.Agent.MaxIterations,
			},
			IntentLLM:      llmClient,
			MaxTransitions: cfg.Agent.MaxTransitions,
		},
		HistoryLimit:      cfg.Agent.HistoryLimit,
		StopCheckInterval: time.Second,
	}

	// docker stop sends SIGTERM; wind the run down instead of dying
	// mid-write.
	ctx, cancel := signal.NotifyContext(
		agentctx.WithScope(context.Background(), scope),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	slog.Info("Agent run starting",
		"session_id", sessionID, "workspace_id", workspaceID, "framework", framework)

	status, err := rt.Run(ctx)
	if err != nil {
		slog.Error("Agent run error", "session_id", sessionID, "status", status, "error", err)
	} else {
		slog.Info("Agent run finished", "session_id", sessionID, "status", status)
	}

	switch status {
	case models.FinishStatusSuccess, models.FinishStatusStopped:
		os.Exit(0)
	default:
		os.Exit(1)
	}
}

// openStore selects the persistence backend by run mode.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.RunMode == config.RunModeMemory {
		return store.NewMemoryStore(), nil
	}
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	client, err := database.NewClient(context.Background(), dbConfig)
	if err != nil {
		return nil, err
	}
	return store.NewPostgresStore(client), nil
}

// seedMemoryRun makes memory mode usable standalone: the store starts
// empty, so the session and the prompt (PROMPT env) are seeded here.
func seedMemoryRun(st store.Store, sessionID, workspaceID string, framework models.Framework) {
	ctx := context.Background()
	_ = st.CreateSession(ctx, &models.Session{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Framework:   framework,
	})
	if prompt := os.Getenv("PROMPT"); prompt != "" {
		_ = st.AppendMessage(ctx, models.NewMessage(sessionID, models.RoleUser, prompt))
	}
}
