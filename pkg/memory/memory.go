// Package memory implements the typed memory store: vector-searchable
// entries with importance, access tracking, and retention-based purging.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/embedding"
	"github.com/conclave-ai/conclave/pkg/models"
)

// ErrNotFound is returned when a memory id does not exist.
var ErrNotFound = errors.New("memory entry not found")

// purgeImportanceCutoff keeps high-importance entries past retention.
const purgeImportanceCutoff = 0.5

// Filters narrow a search or scan.
type Filters struct {
	UserID         string
	AgentID        string
	ConversationID string
	Types          []models.MemoryType
}

func (f Filters) matches(e models.MemoryEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.ConversationID != "" && e.ConversationID != f.ConversationID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.MemoryType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Backend is the persistence boundary of the store.
type Backend interface {
	Upsert(ctx context.Context, e models.MemoryEntry) error
	Get(ctx context.Context, id string) (models.MemoryEntry, error)
	// Candidates returns entries matching the filters, newest first,
	// up to limit. Vector scoring happens above this boundary.
	Candidates(ctx context.Context, f Filters, limit int) ([]models.MemoryEntry, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// Purge deletes expired entries and low-importance entries older
	// than the retention cutoff. Returns the number deleted.
	Purge(ctx context.Context, now, retentionCutoff time.Time, importanceCutoff float64) (int, error)
	Count(ctx context.Context) (int, error)
}

// Scored pairs an entry with its cosine similarity to a query.
type Scored struct {
	Entry      models.MemoryEntry
	Similarity float64
}

// Store is the memory service: embedding generation on write, cosine
// search on read.
type Store struct {
	backend  Backend
	embedder embedding.Provider
	cfg      config.MemoryConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a memory store.
func NewStore(backend Backend, embedder embedding.Provider, cfg config.MemoryConfig, logger *slog.Logger) *Store {
	return &Store{
		backend:  backend,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With("component", "memory"),
		now:      time.Now,
	}
}

// Put upserts an entry by id. Entries without an embedding get one from
// the embedding provider; a failed embed stores the entry without a
// vector so keyword retrieval still sees it.
func (s *Store) Put(ctx context.Context, e models.MemoryEntry) (models.MemoryEntry, error) {
	if e.Content == "" {
		return models.MemoryEntry{}, errors.New("memory entry requires content")
	}
	if !e.MemoryType.IsValid() {
		return models.MemoryEntry{}, fmt.Errorf("invalid memory type %q", e.MemoryType)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = now
	}
	if e.ImportanceScore < 0 || e.ImportanceScore > 1 {
		return models.MemoryEntry{}, fmt.Errorf("importance score %f out of [0,1]", e.ImportanceScore)
	}

	if len(e.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, e.Content)
		if err != nil {
			s.logger.Warn("Embedding failed, storing entry without vector", "id", e.ID, "error", err)
		} else {
			e.Embedding = vec
		}
	}
	if len(e.Embedding) > 0 && len(e.Embedding) != s.embedder.Dim() {
		return models.MemoryEntry{}, fmt.Errorf("embedding dimension %d does not match deployment dimension %d", len(e.Embedding), s.embedder.Dim())
	}

	if err := s.backend.Upsert(ctx, e); err != nil {
		return models.MemoryEntry{}, fmt.Errorf("failed to store memory entry: %w", err)
	}
	return e, nil
}

// Get returns one entry by id.
func (s *Store) Get(ctx context.Context, id string) (models.MemoryEntry, error) {
	return s.backend.Get(ctx, id)
}

// candidateFetchLimit bounds how many rows a vector search pulls for
// in-process scoring.
const candidateFetchLimit = 500

// Search returns the top-k entries by cosine similarity to the query
// embedding, at or above threshold, under the given filters.
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, f Filters, k int, threshold float64) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	candidates, err := s.backend.Candidates(ctx, f, candidateFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load search candidates: %w", err)
	}

	scored := make([]Scored, 0, len(candidates))
	for _, e := range candidates {
		if len(e.Embedding) == 0 {
			continue
		}
		sim := embedding.Cosine(queryEmbedding, e.Embedding)
		if sim < threshold {
			continue
		}
		scored = append(scored, Scored{Entry: e, Similarity: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// ByType returns up to k entries of one type, newest first.
func (s *Store) ByType(ctx context.Context, t models.MemoryType, f Filters, k int) ([]models.MemoryEntry, error) {
	f.Types = []models.MemoryType{t}
	return s.backend.Candidates(ctx, f, k)
}

// Touch increments an entry's access count and refreshes last_accessed.
func (s *Store) Touch(ctx context.Context, id string) error {
	return s.backend.Touch(ctx, id, s.now().UTC())
}

// Purge deletes expired entries and stale low-importance entries.
func (s *Store) Purge(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.backend.Purge(ctx, now, cutoff, purgeImportanceCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge memories: %w", err)
	}
	if n > 0 {
		s.logger.Info("Purged memory entries", "deleted", n)
	}
	return n, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.backend.Count(ctx)
}

// RunPurge purges on the configured interval until ctx ends.
func (s *Store) RunPurge(ctx context.Context) {
	interval := s.cfg.PurgeInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Memory purge loop stopped")
			return
		case <-ticker.C:
			if _, err := s.Purge(ctx); err != nil {
				s.logger.Error("Memory purge failed", "error", err)
			}
		}
	}
}
