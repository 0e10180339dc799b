// Package pricing maintains the authoritative active price table per
// (provider, model). The in-memory table serves lookups on the hot path;
// the backing store keeps the append-only price history.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/models"
)

// ErrPricingUnknown is returned when no active price record exists for a
// (provider, model) pair. Admission must deny on this error.
var ErrPricingUnknown = errors.New("no active pricing record")

func key(provider, model string) string { return provider + "/" + model }

// Table is the process-wide reader-writer price table. Readers take
// snapshots; writers (price updates) are serialized.
type Table struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]models.ProviderPricing
}

// NewTable creates a table over the given store. Call Init to populate it.
func NewTable(store Store, logger *slog.Logger) *Table {
	return &Table{
		store:  store,
		logger: logger.With("component", "pricing"),
		active: make(map[string]models.ProviderPricing),
	}
}

// Init loads active records from the store and seeds any built-in prices
// the store does not cover yet. Seeded prices are persisted so history
// starts at first boot.
func (t *Table) Init(ctx context.Context) error {
	records, err := t.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active pricing: %w", err)
	}

	t.mu.Lock()
	for _, r := range records {
		t.active[key(r.Provider, r.Model)] = r
	}
	t.mu.Unlock()

	seeded := 0
	for _, p := range builtinPricing() {
		if _, ok := t.Lookup(p.Provider, p.Model); ok {
			continue
		}
		if err := t.Apply(ctx, p); err != nil {
			return fmt.Errorf("failed to seed pricing for %s/%s: %w", p.Provider, p.Model, err)
		}
		seeded++
	}

	t.logger.Info("Pricing table initialized", "active", len(records), "seeded", seeded)
	return nil
}

// Lookup returns the active price record for a (provider, model) pair.
func (t *Table) Lookup(provider, model string) (models.ProviderPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.active[key(provider, model)]
	return p, ok
}

// Cost computes the cost breakdown of a call under the active record,
// or ErrPricingUnknown when the pair has no active price.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) (models.CostRecord, error) {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return models.CostRecord{}, fmt.Errorf("%w for %s/%s", ErrPricingUnknown, provider, model)
	}
	inputCost, outputCost, requestFee, total := p.Cost(inputTokens, outputTokens)
	return models.CostRecord{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		RequestFee:   requestFee,
		TotalCost:    total,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// EstimateCost returns the total cost a call with the given token counts
// would incur, for breaker admission.
func (t *Table) EstimateCost(provider, model string, inputTokens, outputTokens int) (float64, error) {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0, fmt.Errorf("%w for %s/%s", ErrPricingUnknown, provider, model)
	}
	_, _, _, total := p.Cost(inputTokens, outputTokens)
	return total, nil
}

// Apply persists a new active record, closing the previous one, and
// installs it in the in-memory table.
func (t *Table) Apply(ctx context.Context, p models.ProviderPricing) error {
	if p.Provider == "" || p.Model == "" {
		return errors.New("pricing record requires provider and model")
	}
	if p.InputPricePer1K < 0 || p.OutputPricePer1K < 0 || p.PricePerRequest < 0 {
		return fmt.Errorf("negative price for %s/%s", p.Provider, p.Model)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.EffectiveFrom.IsZero() {
		p.EffectiveFrom = time.Now().UTC()
	}
	p.Unit = models.UnitPer1K
	p.IsActive = true

	if err := t.store.Upsert(ctx, p); err != nil {
		return fmt.Errorf("failed to persist pricing for %s/%s: %w", p.Provider, p.Model, err)
	}

	t.mu.Lock()
	t.active[key(p.Provider, p.Model)] = p
	t.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all active records.
func (t *Table) Snapshot() []models.ProviderPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.ProviderPricing, 0, len(t.active))
	for _, p := range t.active {
		out = append(out, p)
	}
	return out
}
