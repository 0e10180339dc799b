package config

import (
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
)

// Config is the fully merged, validated runtime configuration.
type Config struct {
	Agents    []models.AgentDefinition
	Workflows map[string]models.WorkflowDefinition
	Limits    Limits
	RAG       RAGConfig
	Stream    StreamConfig
	Memory    MemoryConfig
	Selection SelectionWeights
	Providers ProvidersConfig
	Server    ServerConfig
}

// Stats summarizes loaded configuration for startup logging.
type Stats struct {
	Agents    int
	Workflows int
	Providers int
}

// Stats returns counts of loaded components.
func (c *Config) Stats() Stats {
	return Stats{
		Agents:    len(c.Agents),
		Workflows: len(c.Workflows),
		Providers: len(c.Providers.Providers),
	}
}

// Workflow returns the named workflow definition.
func (c *Config) Workflow(id string) (models.WorkflowDefinition, bool) {
	wf, ok := c.Workflows[id]
	return wf, ok
}

// Limits holds every budget, circuit, and rate limit. All fields are
// required; zero values fail validation.
type Limits struct {
	BudgetDailyLimit  float64 `yaml:"budget_daily_limit"`
	ConversationLimit float64 `yaml:"conversation_limit"`
	TurnLimit         float64 `yaml:"turn_limit"`

	// Thresholds are fractions of the daily budget.
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	MaxTurnsPerMinute       int     `yaml:"max_turns_per_minute"`
	MaxConversationsPerHour int     `yaml:"max_conversations_per_hour"`
	SpikeFactor             float64 `yaml:"spike_factor"`

	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`

	MaxTurns            int           `yaml:"max_turns"`
	ProviderCallTimeout time.Duration `yaml:"provider_call_timeout"`
	TurnTimeout         time.Duration `yaml:"turn_timeout"`
	StepTimeout         time.Duration `yaml:"step_timeout"`
}

// RAGWeights are the composite-score weights. They must sum to 1.
type RAGWeights struct {
	Relevance  float64 `yaml:"relevance"`
	Importance float64 `yaml:"importance"`
	Recency    float64 `yaml:"recency"`
}

// RAGConfig controls context retrieval.
type RAGConfig struct {
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	TopK       int           `yaml:"top_k"`
	Threshold  float64       `yaml:"threshold"`
	RecencyTau time.Duration `yaml:"recency_tau"`
	Weights    RAGWeights    `yaml:"weights"`
}

// StreamConfig controls the streaming engine.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxBufferBytes    int           `yaml:"max_buffer_bytes"`
	HighWaterMark     int           `yaml:"high_water_mark"`
	WindowSize        int           `yaml:"window_size"`
	ChunkDelay        time.Duration `yaml:"chunk_delay"`
	ChunkDelayCap     time.Duration `yaml:"chunk_delay_cap"`
	MaxChunkBytes     int           `yaml:"max_chunk_bytes"`
	MaxIdle           time.Duration `yaml:"max_idle"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// MemoryConfig controls the memory store.
type MemoryConfig struct {
	EmbeddingDim  int           `yaml:"embedding_dim"`
	RetentionDays int           `yaml:"retention_days"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// SelectionWeights are the speaker-selector scoring weights.
// They must sum to 1.
type SelectionWeights struct {
	Expertise    float64 `yaml:"expertise"`
	Tools        float64 `yaml:"tools"`
	Success      float64 `yaml:"success"`
	Load         float64 `yaml:"load"`
	Coordination float64 `yaml:"coordination"`
}

// ProviderConfig is one configured LLM provider.
type ProviderConfig struct {
	// APIKey is resolved at load time (usually via {{.VAR}} expansion).
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

// ProvidersConfig holds provider credentials and defaults.
type ProvidersConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	EmbeddingModel  string                    `yaml:"embedding_model"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	AdminToken       string   `yaml:"admin_token"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}
