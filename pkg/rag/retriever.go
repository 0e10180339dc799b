// Package rag builds the scored, deduplicated context block fed into
// conversation turns. Retrieval degrades silently: a failing store or
// cache never breaks a turn.
package rag

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/embedding"
	"github.com/conclave-ai/conclave/pkg/memory"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
)

// contextSeparator joins entry contents in the assembled block.
const contextSeparator = "\n---\n"

// dedupePrefixLen bounds the normalized-content grouping key.
const dedupePrefixLen = 256

// MemorySource is the memory-store surface the retriever reads.
type MemorySource interface {
	Search(ctx context.Context, queryEmbedding []float32, f memory.Filters, k int, threshold float64) ([]memory.Scored, error)
	ByType(ctx context.Context, t models.MemoryType, f memory.Filters, k int) ([]models.MemoryEntry, error)
	Touch(ctx context.Context, id string) error
}

// Retriever assembles context blocks.
type Retriever struct {
	store    MemorySource
	embedder embedding.Provider
	cache    Cache
	cfg      config.RAGConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetriever creates a RAG retriever.
func NewRetriever(store MemorySource, embedder embedding.Provider, cache Cache, cfg config.RAGConfig, m *metrics.Metrics, logger *slog.Logger) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		cache:    cache,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "rag"),
		now:      time.Now,
	}
}

// BuildContext returns the top-k scored context for a query, or nil when
// nothing relevant exists. It never returns an error: retrieval failures
// degrade to a no-context turn.
func (r *Retriever) BuildContext(ctx context.Context, userID, agentID, query string, k int, threshold float64) *models.ContextBlock {
	start := r.now()
	if k <= 0 {
		k = r.cfg.TopK
	}

	key := r.cacheKey(userID, agentID, query, k, threshold)
	if block, ok := r.cacheGet(ctx, key); ok {
		r.metrics.RecordRAGRetrieval(r.now().Sub(start), true)
		return block
	}

	block := r.retrieve(ctx, userID, agentID, query, k, threshold)
	r.cacheSet(ctx, key, block)
	r.metrics.RecordRAGRetrieval(r.now().Sub(start), false)
	return block
}

func (r *Retriever) retrieve(ctx context.Context, userID, agentID, query string, k int, threshold float64) *models.ContextBlock {
	queryEmbedding, embedErr := r.embedder.Embed(ctx, query)
	if embedErr != nil {
		// Keyword relevance still works without a query vector.
		r.logger.Warn("Query embedding failed, falling back to keyword relevance", "error", embedErr)
	}

	filters := memory.Filters{UserID: userID}
	now := r.now().UTC()

	seen := make(map[string]models.MemoryEntry)
	similarities := make(map[string]float64)

	if embedErr == nil {
		scored, err := r.store.Search(ctx, queryEmbedding, filters, k*4, threshold)
		if err != nil {
			r.logger.Warn("Memory search failed, degrading to no context", "error", err)
			return nil
		}
		for _, s := range scored {
			seen[s.Entry.ID] = s.Entry
			similarities[s.Entry.ID] = s.Similarity
		}
	}

	for _, mt := range models.AllMemoryTypes() {
		entries, err := r.store.ByType(ctx, mt, filters, k)
		if err != nil {
			r.logger.Warn("Memory scan failed, degrading to no context", "memory_type", mt, "error", err)
			return nil
		}
		for _, e := range entries {
			if _, ok := seen[e.ID]; !ok {
				seen[e.ID] = e
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	scored := make([]scoredItem, 0, len(seen))
	for id, e := range seen {
		relevance, ok := similarities[id]
		if !ok {
			relevance = keywordJaccard(query, e.Content)
		}
		if relevance < 0 {
			relevance = 0
		}
		item := models.RAGContext{
			Content:         e.Content,
			RelevanceScore:  relevance,
			ImportanceScore: e.ImportanceScore,
			RecencyScore:    r.recency(e.CreatedAt, now),
			SourceAgent:     e.AgentID,
			MemoryType:      e.MemoryType,
			Timestamp:       e.CreatedAt,
		}
		item.CompositeScore = r.cfg.Weights.Relevance*item.RelevanceScore +
			r.cfg.Weights.Importance*item.ImportanceScore +
			r.cfg.Weights.Recency*item.RecencyScore
		scored = append(scored, scoredItem{entryID: id, item: item})
	}

	scored = dedupe(scored)
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].item.CompositeScore > scored[j].item.CompositeScore
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	if len(scored) == 0 {
		return nil
	}

	items := make([]models.RAGContext, len(scored))
	parts := make([]string, len(scored))
	for i, s := range scored {
		items[i] = s.item
		parts[i] = s.item.Content
		if err := r.store.Touch(ctx, s.entryID); err != nil {
			r.logger.Debug("Memory touch failed", "id", s.entryID, "error", err)
		}
	}

	return &models.ContextBlock{Items: items, Text: strings.Join(parts, contextSeparator)}
}

// recency decays exponentially with age. A zero timestamp scores 0.
func (r *Retriever) recency(created, now time.Time) float64 {
	if created.IsZero() {
		return 0
	}
	tau := r.cfg.RecencyTau
	if tau <= 0 {
		tau = 72 * time.Hour
	}
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return math.Exp(-float64(age) / float64(tau))
}

type scoredItem struct {
	entryID string
	item    models.RAGContext
}

// dedupe groups items by normalized content and keeps the highest
// composite per group, preserving input order otherwise.
func dedupe(items []scoredItem) []scoredItem {
	best := make(map[string]int)
	var out []scoredItem
	for _, s := range items {
		key := normalizeContent(s.item.Content)
		if idx, ok := best[key]; ok {
			if s.item.CompositeScore > out[idx].item.CompositeScore {
				out[idx] = s
			}
			continue
		}
		best[key] = len(out)
		out = append(out, s)
	}
	return out
}

// normalizeContent lowercases, collapses whitespace, and truncates to
// the dedupe prefix length.
func normalizeContent(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	if len(normalized) > dedupePrefixLen {
		normalized = normalized[:dedupePrefixLen]
	}
	return normalized
}

// keywordJaccard is the fallback relevance when embeddings fail.
func keywordJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = struct{}{}
	}
	return out
}

func (r *Retriever) cacheKey(userID, agentID, query string, k int, threshold float64) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("conclave:rag:%s:%s:%x:%d:%.3f", userID, agentID, sum[:8], k, threshold)
}

func (r *Retriever) cacheGet(ctx context.Context, key string) (*models.ContextBlock, bool) {
	if r.cache == nil {
		return nil, false
	}
	block, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Debug("RAG cache read failed", "error", err)
		return nil, false
	}
	return block, ok
}

func (r *Retriever) cacheSet(ctx context.Context, key string, block *models.ContextBlock) {
	if r.cache == nil {
		return
	}
	ttl := r.cfg.CacheTTL
	if ttl <= 0 || ttl > 15*time.Minute {
		ttl = 15 * time.Minute
	}
	if err := r.cache.Set(ctx, key, block, ttl); err != nil {
		r.logger.Debug("RAG cache write failed", "error", err)
	}
}
