package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/conclave-ai/conclave/pkg/models"
)

// Store persists the append-only price history.
type Store interface {
	// Active returns all currently active records.
	Active(ctx context.Context) ([]models.ProviderPricing, error)

	// Upsert inserts a new active record, closing the previous active
	// record for the same (provider, model) by setting its effective_to.
	Upsert(ctx context.Context, p models.ProviderPricing) error
}

// PGStore is the PostgreSQL-backed price history.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a PostgreSQL pricing store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Active(ctx context.Context) ([]models.ProviderPricing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, model, input_price_per_1k, output_price_per_1k,
		       price_per_request, context_window, unit, effective_from, effective_to, is_active
		FROM provider_pricing
		WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active pricing: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderPricing
	for rows.Next() {
		var p models.ProviderPricing
		var effectiveTo sql.NullTime
		if err := rows.Scan(&p.ID, &p.Provider, &p.Model, &p.InputPricePer1K, &p.OutputPricePer1K,
			&p.PricePerRequest, &p.ContextWindow, &p.Unit, &p.EffectiveFrom, &effectiveTo, &p.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan pricing row: %w", err)
		}
		if effectiveTo.Valid {
			p.EffectiveTo = &effectiveTo.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) Upsert(ctx context.Context, p models.ProviderPricing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin pricing transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Close the previous active record before the partial unique index
	// would reject the new one.
	if _, err := tx.ExecContext(ctx, `
		UPDATE provider_pricing
		SET is_active = FALSE, effective_to = $3
		WHERE provider = $1 AND model = $2 AND is_active`,
		p.Provider, p.Model, p.EffectiveFrom); err != nil {
		return fmt.Errorf("failed to close previous pricing record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO provider_pricing
			(id, provider, model, input_price_per_1k, output_price_per_1k,
			 price_per_request, context_window, unit, effective_from, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)`,
		p.ID, p.Provider, p.Model, p.InputPricePer1K, p.OutputPricePer1K,
		p.PricePerRequest, p.ContextWindow, string(p.Unit), p.EffectiveFrom); err != nil {
		return fmt.Errorf("failed to insert pricing record: %w", err)
	}

	return tx.Commit()
}

// MemoryStore is an in-memory Store for tests and standalone runs.
type MemoryStore struct {
	mu      sync.Mutex
	history []models.ProviderPricing
}

// NewMemoryStore creates an empty in-memory pricing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Active(_ context.Context) ([]models.ProviderPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProviderPricing
	for _, p := range s.history {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, p models.ProviderPricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		prev := &s.history[i]
		if prev.IsActive && prev.Provider == p.Provider && prev.Model == p.Model {
			prev.IsActive = false
			closed := p.EffectiveFrom
			prev.EffectiveTo = &closed
		}
	}
	s.history = append(s.history, p)
	return nil
}

// History returns all records, active and closed, in insertion order.
func (s *MemoryStore) History() []models.ProviderPricing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProviderPricing, len(s.history))
	copy(out, s.history)
	return out
}
