package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
)

// MemoryBackend is an in-memory Backend for tests and standalone runs.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]models.MemoryEntry

	// Fail makes every call return this error, for degrade-path tests.
	Fail error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]models.MemoryEntry)}
}

func (b *MemoryBackend) Upsert(_ context.Context, e models.MemoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return b.Fail
	}
	if prev, ok := b.entries[e.ID]; ok {
		// Access bookkeeping survives updates.
		e.AccessCount = prev.AccessCount
		e.LastAccessed = prev.LastAccessed
		e.CreatedAt = prev.CreatedAt
	}
	b.entries[e.ID] = e
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (models.MemoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return models.MemoryEntry{}, b.Fail
	}
	e, ok := b.entries[id]
	if !ok {
		return models.MemoryEntry{}, ErrNotFound
	}
	return e, nil
}

func (b *MemoryBackend) Candidates(_ context.Context, f Filters, limit int) ([]models.MemoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nil, b.Fail
	}
	var out []models.MemoryEntry
	for _, e := range b.entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) Touch(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return b.Fail
	}
	e, ok := b.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.AccessCount++
	e.LastAccessed = at
	b.entries[id] = e
	return nil
}

func (b *MemoryBackend) Purge(_ context.Context, now, retentionCutoff time.Time, importanceCutoff float64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return 0, b.Fail
	}
	deleted := 0
	for id, e := range b.entries {
		expired := e.ExpiresAt != nil && e.ExpiresAt.Before(now)
		stale := e.CreatedAt.Before(retentionCutoff) && e.ImportanceScore < importanceCutoff
		if expired || stale {
			delete(b.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

func (b *MemoryBackend) Count(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return 0, b.Fail
	}
	return len(b.entries), nil
}
