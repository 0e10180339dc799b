package config

import "time"

// DefaultLimits returns the built-in limit set. Every field can be
// overridden by conclave.yaml and by environment variables (see
// applyEnvOverrides).
func DefaultLimits() Limits {
	return Limits{
		BudgetDailyLimit:  50.0,
		ConversationLimit: 5.0,
		TurnLimit:         0.50,

		WarningThreshold:  0.70,
		CriticalThreshold: 0.90,

		MaxTurnsPerMinute:       30,
		MaxConversationsPerHour: 100,
		SpikeFactor:             3.0,

		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		HalfOpenProbes:   3,

		MaxTurns:            10,
		ProviderCallTimeout: 60 * time.Second,
		TurnTimeout:         60 * time.Second,
		StepTimeout:         300 * time.Second,
	}
}

// DefaultRAG returns built-in retrieval settings.
func DefaultRAG() RAGConfig {
	return RAGConfig{
		CacheTTL:   15 * time.Minute,
		TopK:       5,
		Threshold:  0.35,
		RecencyTau: 72 * time.Hour,
		Weights: RAGWeights{
			Relevance:  0.3,
			Importance: 0.4,
			Recency:    0.3,
		},
	}
}

// DefaultStream returns built-in streaming settings.
func DefaultStream() StreamConfig {
	return StreamConfig{
		HeartbeatInterval: 30 * time.Second,
		MaxBufferBytes:    1 << 20, // 1 MiB
		HighWaterMark:     3 << 18, // 768 KiB
		WindowSize:        20,
		ChunkDelay:        10 * time.Millisecond,
		ChunkDelayCap:     500 * time.Millisecond,
		MaxChunkBytes:     4096,
		MaxIdle:           10 * time.Minute,
		WriteTimeout:      10 * time.Second,
	}
}

// DefaultMemory returns built-in memory-store settings.
func DefaultMemory() MemoryConfig {
	return MemoryConfig{
		EmbeddingDim:  1536,
		RetentionDays: 30,
		PurgeInterval: time.Hour,
	}
}

// DefaultSelection returns the speaker-selector scoring weights.
func DefaultSelection() SelectionWeights {
	return SelectionWeights{
		Expertise:    0.40,
		Tools:        0.20,
		Success:      0.15,
		Load:         0.10,
		Coordination: 0.15,
	}
}
