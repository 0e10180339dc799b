package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/conclave-ai/conclave/pkg/models"
)

// conclaveYAML is the on-disk shape of conclave.yaml. Durations are
// expressed as integers with an explicit unit in the field name and
// converted to time.Duration after parsing.
type conclaveYAML struct {
	Agents    []models.AgentDefinition              `yaml:"agents"`
	Workflows map[string]models.WorkflowDefinition  `yaml:"workflows"`
	Limits    limitsYAML                            `yaml:"limits"`
	RAG       ragYAML                               `yaml:"rag"`
	Stream    streamYAML                            `yaml:"stream"`
	Memory    memoryYAML                            `yaml:"memory"`
	Selection SelectionWeights                      `yaml:"selection"`
	Providers ProvidersConfig                       `yaml:"providers"`
	Server    ServerConfig                          `yaml:"server"`
}

type limitsYAML struct {
	BudgetDailyLimit  float64 `yaml:"budget_daily_limit"`
	ConversationLimit float64 `yaml:"conversation_limit"`
	TurnLimit         float64 `yaml:"turn_limit"`

	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	MaxTurnsPerMinute       int     `yaml:"max_turns_per_minute"`
	MaxConversationsPerHour int     `yaml:"max_conversations_per_hour"`
	SpikeFactor             float64 `yaml:"spike_factor"`

	FailureThreshold  int `yaml:"failure_threshold"`
	RecoveryTimeoutS  int `yaml:"recovery_timeout_s"`
	SuccessThreshold  int `yaml:"success_threshold"`
	HalfOpenProbes    int `yaml:"half_open_probes"`

	MaxTurns             int `yaml:"max_turns"`
	ProviderCallTimeoutS int `yaml:"provider_call_timeout_s"`
	TurnTimeoutS         int `yaml:"turn_timeout_s"`
	StepTimeoutS         int `yaml:"step_timeout_s"`
}

type ragYAML struct {
	CacheTTLS  int        `yaml:"cache_ttl_s"`
	TopK       int        `yaml:"top_k"`
	Threshold  float64    `yaml:"threshold"`
	RecencyTauH int       `yaml:"recency_tau_h"`
	Weights    RAGWeights `yaml:"weights"`
}

type streamYAML struct {
	HeartbeatS     int `yaml:"heartbeat_s"`
	MaxBufferBytes int `yaml:"max_buffer_bytes"`
	HighWaterMark  int `yaml:"high_water_mark"`
	WindowSize     int `yaml:"window_size"`
	ChunkDelayMS   int `yaml:"chunk_delay_ms"`
	ChunkDelayCapMS int `yaml:"chunk_delay_cap_ms"`
	MaxChunkBytes  int `yaml:"max_chunk_bytes"`
	MaxIdleMinutes int `yaml:"max_idle_minutes"`
	WriteTimeoutS  int `yaml:"write_timeout_s"`
}

type memoryYAML struct {
	EmbeddingDim  int `yaml:"embedding_dim"`
	RetentionDays int `yaml:"retention_days"`
	PurgeIntervalS int `yaml:"purge_interval_s"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read conclave.yaml from configDir
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Parse YAML into structs
//  4. Merge built-in defaults (user values win)
//  5. Apply environment-variable limit overrides
//  6. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"workflows", stats.Workflows,
		"llm_providers", stats.Providers)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	path := filepath.Join(configDir, "conclave.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError("conclave.yaml", ErrConfigNotFound)
		}
		return nil, NewLoadError("conclave.yaml", err)
	}

	expanded := ExpandEnv(raw)

	var parsed conclaveYAML
	if err := yaml.Unmarshal(expanded, &parsed); err != nil {
		return nil, NewLoadError("conclave.yaml", fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg := &Config{
		Agents:    parsed.Agents,
		Workflows: parsed.Workflows,
		Limits:    limitsFromYAML(parsed.Limits),
		RAG:       ragFromYAML(parsed.RAG),
		Stream:    streamFromYAML(parsed.Stream),
		Memory:    memoryFromYAML(parsed.Memory),
		Selection: parsed.Selection,
		Providers: parsed.Providers,
		Server:    parsed.Server,
	}
	if cfg.Workflows == nil {
		cfg.Workflows = make(map[string]models.WorkflowDefinition)
	}
	// Workflow maps key by id; backfill the id field when omitted inline.
	for id, wf := range cfg.Workflows {
		if wf.WorkflowID == "" {
			wf.WorkflowID = id
			cfg.Workflows[id] = wf
		}
	}

	// User values win over built-ins; zero-valued fields are filled in.
	if err := mergo.Merge(&cfg.Limits, DefaultLimits()); err != nil {
		return nil, fmt.Errorf("failed to merge default limits: %w", err)
	}
	if err := mergo.Merge(&cfg.RAG, DefaultRAG()); err != nil {
		return nil, fmt.Errorf("failed to merge default rag config: %w", err)
	}
	if err := mergo.Merge(&cfg.Stream, DefaultStream()); err != nil {
		return nil, fmt.Errorf("failed to merge default stream config: %w", err)
	}
	if err := mergo.Merge(&cfg.Memory, DefaultMemory()); err != nil {
		return nil, fmt.Errorf("failed to merge default memory config: %w", err)
	}
	if err := mergo.Merge(&cfg.Selection, DefaultSelection()); err != nil {
		return nil, fmt.Errorf("failed to merge default selection weights: %w", err)
	}

	return cfg, nil
}

func limitsFromYAML(y limitsYAML) Limits {
	return Limits{
		BudgetDailyLimit:        y.BudgetDailyLimit,
		ConversationLimit:       y.ConversationLimit,
		TurnLimit:               y.TurnLimit,
		WarningThreshold:        y.WarningThreshold,
		CriticalThreshold:       y.CriticalThreshold,
		MaxTurnsPerMinute:       y.MaxTurnsPerMinute,
		MaxConversationsPerHour: y.MaxConversationsPerHour,
		SpikeFactor:             y.SpikeFactor,
		FailureThreshold:        y.FailureThreshold,
		RecoveryTimeout:         time.Duration(y.RecoveryTimeoutS) * time.Second,
		SuccessThreshold:        y.SuccessThreshold,
		HalfOpenProbes:          y.HalfOpenProbes,
		MaxTurns:                y.MaxTurns,
		ProviderCallTimeout:     time.Duration(y.ProviderCallTimeoutS) * time.Second,
		TurnTimeout:             time.Duration(y.TurnTimeoutS) * time.Second,
		StepTimeout:             time.Duration(y.StepTimeoutS) * time.Second,
	}
}

func ragFromYAML(y ragYAML) RAGConfig {
	return RAGConfig{
		CacheTTL:   time.Duration(y.CacheTTLS) * time.Second,
		TopK:       y.TopK,
		Threshold:  y.Threshold,
		RecencyTau: time.Duration(y.RecencyTauH) * time.Hour,
		Weights:    y.Weights,
	}
}

func streamFromYAML(y streamYAML) StreamConfig {
	return StreamConfig{
		HeartbeatInterval: time.Duration(y.HeartbeatS) * time.Second,
		MaxBufferBytes:    y.MaxBufferBytes,
		HighWaterMark:     y.HighWaterMark,
		WindowSize:        y.WindowSize,
		ChunkDelay:        time.Duration(y.ChunkDelayMS) * time.Millisecond,
		ChunkDelayCap:     time.Duration(y.ChunkDelayCapMS) * time.Millisecond,
		MaxChunkBytes:     y.MaxChunkBytes,
		MaxIdle:           time.Duration(y.MaxIdleMinutes) * time.Minute,
		WriteTimeout:      time.Duration(y.WriteTimeoutS) * time.Second,
	}
}

func memoryFromYAML(y memoryYAML) MemoryConfig {
	return MemoryConfig{
		EmbeddingDim:  y.EmbeddingDim,
		RetentionDays: y.RetentionDays,
		PurgeInterval: time.Duration(y.PurgeIntervalS) * time.Second,
	}
}

// applyEnvOverrides applies the documented environment-variable overrides
// on top of file configuration. An unparseable value fails startup.
func applyEnvOverrides(cfg *Config) error {
	if err := envFloat("BUDGET_DAILY_LIMIT", &cfg.Limits.BudgetDailyLimit); err != nil {
		return err
	}
	if err := envFloat("BUDGET_CONVERSATION_LIMIT", &cfg.Limits.ConversationLimit); err != nil {
		return err
	}
	if err := envFloat("BUDGET_TURN_LIMIT", &cfg.Limits.TurnLimit); err != nil {
		return err
	}
	if err := envInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.Limits.FailureThreshold); err != nil {
		return err
	}
	if err := envSeconds("CIRCUIT_RECOVERY_TIMEOUT_S", &cfg.Limits.RecoveryTimeout); err != nil {
		return err
	}
	if err := envInt("CIRCUIT_SUCCESS_THRESHOLD", &cfg.Limits.SuccessThreshold); err != nil {
		return err
	}
	if err := envFloat("CIRCUIT_SPIKE_FACTOR", &cfg.Limits.SpikeFactor); err != nil {
		return err
	}
	if err := envInt("RATE_TURNS_PER_MINUTE", &cfg.Limits.MaxTurnsPerMinute); err != nil {
		return err
	}
	if err := envInt("RATE_CONVERSATIONS_PER_HOUR", &cfg.Limits.MaxConversationsPerHour); err != nil {
		return err
	}
	if err := envSeconds("RAG_CACHE_TTL_S", &cfg.RAG.CacheTTL); err != nil {
		return err
	}
	if err := envInt("RAG_TOP_K", &cfg.RAG.TopK); err != nil {
		return err
	}
	if err := envFloat("RAG_THRESHOLD", &cfg.RAG.Threshold); err != nil {
		return err
	}
	if err := envSeconds("STREAM_HEARTBEAT_S", &cfg.Stream.HeartbeatInterval); err != nil {
		return err
	}
	if err := envInt("STREAM_MAX_BUFFER_BYTES", &cfg.Stream.MaxBufferBytes); err != nil {
		return err
	}
	if err := envInt("STREAM_WINDOW_SIZE", &cfg.Stream.WindowSize); err != nil {
		return err
	}
	if err := envMillis("STREAM_CHUNK_DELAY_MS", &cfg.Stream.ChunkDelay); err != nil {
		return err
	}
	if err := envInt("EMBEDDING_DIM", &cfg.Memory.EmbeddingDim); err != nil {
		return err
	}
	if err := envInt("MEMORY_RETENTION_DAYS", &cfg.Memory.RetentionDays); err != nil {
		return err
	}
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envSeconds(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func envMillis(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
