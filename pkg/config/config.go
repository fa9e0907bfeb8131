// Package config holds runtime configuration for the API gateway, the
// broker, and the agent runner. Values come from environment variables
// with built-in defaults; main loads .env via godotenv first.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RunMode selects the persistence backend of the agent runner.
type RunMode string

// Run modes.
const (
	RunModeDatabase RunMode = "database"
	RunModeMemory   RunMode = "memory"
)

// Config is the top-level configuration.
type Config struct {
	// ListenAddr is the HTTP listen address of the gateway.
	ListenAddr string

	RunMode RunMode

	LLM          LLMConfig
	Auth         AuthConfig
	SSE          SSEConfig
	Queue        QueueConfig
	Orchestrator OrchestratorConfig
	Retention    RetentionConfig
	Agent        AgentConfig
}

// LLMConfig configures the OpenAI-compatible model endpoint.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	// Model is the primary model for agent turns.
	Model string
	// SummarizerModel handles context compression; falls back to Model.
	SummarizerModel string
	MaxRetries      int
}

// AuthConfig configures gateway authentication.
type AuthConfig struct {
	// JWKSURL is where RS256 signing keys are fetched from.
	JWKSURL string
	// JWKSRefreshInterval bounds how stale the cached key set may get.
	JWKSRefreshInterval time.Duration
	// Disabled turns off bearer auth entirely (local development only).
	Disabled bool
}

// SSEConfig controls the event polling loop behind SSE streams.
type SSEConfig struct {
	// PollInterval is how often the gateway polls the event store.
	PollInterval time.Duration
	// BatchSize caps events fetched per poll.
	BatchSize int
	// IdleTimeout closes a stream that has seen no new events.
	IdleTimeout time.Duration
	// LateFinishAfter triggers a finish-event recheck when a stream has
	// been silent this long, catching finishes persisted before the
	// stream attached.
	LateFinishAfter time.Duration
}

// QueueConfig contains broker worker pool configuration.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	WorkerCount int

	// MaxConcurrentTasks is the global limit of concurrent tasks being
	// processed across ALL replicas. Enforced by database COUNT(*) check.
	MaxConcurrentTasks int

	// PollInterval is the base interval for checking pending tasks.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// HeartbeatInterval is how often a worker refreshes its claim.
	HeartbeatInterval time.Duration

	// StaleTaskThreshold is how long a claimed task can go without a
	// heartbeat before it is requeued (at-least-once delivery).
	StaleTaskThreshold time.Duration

	// StaleScanInterval is how often to scan for stale tasks.
	StaleScanInterval time.Duration
}

// OrchestratorConfig controls per-task agent containers.
type OrchestratorConfig struct {
	// AgentImage is the container image of the agent runner.
	AgentImage string
	// HostWorkspacesRoot is the host directory holding per-session
	// workspaces; <root>/<workspace_id> is bind-mounted into the agent.
	HostWorkspacesRoot string
	// ContainerWorkspaceRoot is the mount point inside the container.
	ContainerWorkspaceRoot string
	// NetworkMode is the docker network for agent containers.
	NetworkMode string
	// TaskTimeout bounds one generation run.
	TaskTimeout time.Duration
	// MonitorInterval is the finish-event poll cadence.
	MonitorInterval time.Duration
	// StopGrace is the docker stop grace period.
	StopGrace time.Duration
	// MemoryLimitBytes caps container memory.
	MemoryLimitBytes int64
	// NanoCPUs caps container CPU (1e9 = one core).
	NanoCPUs int64
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// EventTTL is the maximum age of event rows before deletion.
	EventTTL time.Duration
	// MessageTTL is the maximum age of message rows. Kept longer than
	// events: history is the durable conversation record.
	MessageTTL time.Duration
	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// AgentConfig bounds agent and graph execution.
type AgentConfig struct {
	// MaxIterations caps tool-calling iterations within one node turn.
	MaxIterations int
	// MaxTransitions caps graph node transitions per run.
	MaxTransitions int
	// HistoryLimit caps messages loaded as conversation history.
	HistoryLimit int
	// Compression settings.
	CompressTokenThreshold   int
	CompressMessageThreshold int
	CompressKeepRecent       int
}

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnvOrDefault("LISTEN_ADDR", ":8080"),
		RunMode:    RunMode(getEnvOrDefault("RUN_MODE", string(RunModeDatabase))),
		LLM: LLMConfig{
			APIKey:          os.Getenv("OPENAI_API_KEY"),
			BaseURL:         os.Getenv("OPENAI_BASE_URL"),
			Model:           getEnvOrDefault("LLM_MODEL", "gpt-4o"),
			SummarizerModel: getEnvOrDefault("LLM_SUMMARIZER_MODEL", ""),
			MaxRetries:      getEnvInt("LLM_MAX_RETRIES", 3),
		},
		Auth: AuthConfig{
			JWKSURL:             os.Getenv("AUTH_JWKS_URL"),
			JWKSRefreshInterval: getEnvDuration("AUTH_JWKS_REFRESH_INTERVAL", time.Hour),
			Disabled:            getEnvBool("AUTH_DISABLED", false),
		},
		SSE: SSEConfig{
			PollInterval:    getEnvDuration("SSE_POLL_INTERVAL", 500*time.Millisecond),
			BatchSize:       getEnvInt("SSE_BATCH_SIZE", 100),
			IdleTimeout:     getEnvDuration("SSE_IDLE_TIMEOUT", 300*time.Second),
			LateFinishAfter: getEnvDuration("SSE_LATE_FINISH_AFTER", 10*time.Second),
		},
		Queue: QueueConfig{
			WorkerCount:        getEnvInt("QUEUE_WORKER_COUNT", 5),
			MaxConcurrentTasks: getEnvInt("QUEUE_MAX_CONCURRENT_TASKS", 5),
			PollInterval:       getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			PollIntervalJitter: getEnvDuration("QUEUE_POLL_INTERVAL_JITTER", 500*time.Millisecond),
			HeartbeatInterval:  getEnvDuration("QUEUE_HEARTBEAT_INTERVAL", 30*time.Second),
			StaleTaskThreshold: getEnvDuration("QUEUE_STALE_TASK_THRESHOLD", 5*time.Minute),
			StaleScanInterval:  getEnvDuration("QUEUE_STALE_SCAN_INTERVAL", 5*time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			AgentImage:             getEnvOrDefault("AGENT_IMAGE", "mgx-agent:latest"),
			HostWorkspacesRoot:     getEnvOrDefault("HOST_WORKSPACES_ROOT", "/var/lib/mgx/workspaces"),
			ContainerWorkspaceRoot: getEnvOrDefault("CONTAINER_WORKSPACE_ROOT", "/workspace"),
			NetworkMode:            getEnvOrDefault("AGENT_NETWORK_MODE", "bridge"),
			TaskTimeout:            getEnvDuration("TASK_TIMEOUT", 1800*time.Second),
			MonitorInterval:        getEnvDuration("MONITOR_INTERVAL", 2*time.Second),
			StopGrace:              getEnvDuration("CONTAINER_STOP_GRACE", 10*time.Second),
			MemoryLimitBytes:       getEnvInt64("AGENT_MEMORY_LIMIT_BYTES", 2<<30),
			NanoCPUs:               getEnvInt64("AGENT_NANO_CPUS", 1_000_000_000),
		},
		Retention: RetentionConfig{
			EventTTL:        getEnvDuration("EVENT_TTL", 7*24*time.Hour),
			MessageTTL:      getEnvDuration("MESSAGE_TTL", 30*24*time.Hour),
			CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		},
		Agent: AgentConfig{
			MaxIterations:            getEnvInt("AGENT_MAX_ITERATIONS", 25),
			MaxTransitions:           getEnvInt("GRAPH_MAX_TRANSITIONS", 50),
			HistoryLimit:             getEnvInt("AGENT_HISTORY_LIMIT", 100),
			CompressTokenThreshold:   getEnvInt("COMPRESS_TOKEN_THRESHOLD", 60000),
			CompressMessageThreshold: getEnvInt("COMPRESS_MESSAGE_THRESHOLD", 80),
			CompressKeepRecent:       getEnvInt("COMPRESS_KEEP_RECENT", 20),
		},
	}

	if cfg.RunMode != RunModeDatabase && cfg.RunMode != RunModeMemory {
		return nil, fmt.Errorf("invalid RUN_MODE %q (want database or memory)", cfg.RunMode)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are seconds, matching container env conventions.
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultVal
}
