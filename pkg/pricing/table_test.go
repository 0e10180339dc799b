package pricing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/models"
)

func newTestTable(t *testing.T) (*Table, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	table := NewTable(store, slog.Default())
	require.NoError(t, table.Init(context.Background()))
	return table, store
}

func TestInitSeedsBuiltinPricing(t *testing.T) {
	table, store := newTestTable(t)

	p, ok := table.Lookup("openai", "gpt-4o-mini")
	require.True(t, ok)
	assert.InDelta(t, 0.00015, p.InputPricePer1K, 1e-12)
	assert.InDelta(t, 0.0006, p.OutputPricePer1K, 1e-12)
	assert.Equal(t, models.UnitPer1K, p.Unit)
	assert.True(t, p.IsActive)

	// Seeds are persisted so history starts at first boot.
	assert.NotEmpty(t, store.History())
}

func TestInitPrefersStoredRecords(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), models.ProviderPricing{
		ID: "existing", Provider: "openai", Model: "gpt-4o-mini",
		InputPricePer1K: 0.001, OutputPricePer1K: 0.002,
		Unit: models.UnitPer1K, EffectiveFrom: time.Now(), IsActive: true,
	}))

	table := NewTable(store, slog.Default())
	require.NoError(t, table.Init(context.Background()))

	p, ok := table.Lookup("openai", "gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, "existing", p.ID)
	assert.InDelta(t, 0.001, p.InputPricePer1K, 1e-12)
}

func TestApplyClosesPreviousRecord(t *testing.T) {
	table, store := newTestTable(t)
	ctx := context.Background()

	require.NoError(t, table.Apply(ctx, models.ProviderPricing{
		Provider: "openai", Model: "gpt-4o",
		InputPricePer1K: 0.005, OutputPricePer1K: 0.02,
	}))

	p, ok := table.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	assert.InDelta(t, 0.005, p.InputPricePer1K, 1e-12)

	var closed int
	for _, h := range store.History() {
		if h.Provider == "openai" && h.Model == "gpt-4o" && !h.IsActive {
			closed++
			assert.NotNil(t, h.EffectiveTo)
		}
	}
	assert.Equal(t, 1, closed)
}

func TestApplyRejectsInvalidRecords(t *testing.T) {
	table, _ := newTestTable(t)
	ctx := context.Background()

	assert.Error(t, table.Apply(ctx, models.ProviderPricing{Model: "gpt-4o"}))
	assert.Error(t, table.Apply(ctx, models.ProviderPricing{
		Provider: "openai", Model: "gpt-4o", InputPricePer1K: -1,
	}))
}

func TestCostBreakdown(t *testing.T) {
	table, _ := newTestTable(t)
	require.NoError(t, table.Apply(context.Background(), models.ProviderPricing{
		Provider: "openai", Model: "test-model",
		InputPricePer1K: 0.01, OutputPricePer1K: 0.03, PricePerRequest: 0.001,
	}))

	rec, err := table.Cost("openai", "test-model", 2000, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, rec.InputCost, 1e-9)
	assert.InDelta(t, 0.03, rec.OutputCost, 1e-9)
	assert.InDelta(t, 0.001, rec.RequestFee, 1e-9)
	assert.InDelta(t, rec.InputCost+rec.OutputCost+rec.RequestFee, rec.TotalCost, 1e-9)
}

func TestLookupUnknownPair(t *testing.T) {
	table, _ := newTestTable(t)

	_, err := table.Cost("openai", "no-such-model", 100, 100)
	assert.ErrorIs(t, err, ErrPricingUnknown)

	_, err = table.EstimateCost("nobody", "nothing", 1, 1)
	assert.ErrorIs(t, err, ErrPricingUnknown)
}

type fakeFeed struct {
	records []models.ProviderPricing
	err     error
	calls   int
}

func (f *fakeFeed) FetchPricing(_ context.Context, _ string) ([]models.ProviderPricing, error) {
	f.calls++
	return f.records, f.err
}

func TestUpdaterAppliesChangedPrices(t *testing.T) {
	table, _ := newTestTable(t)
	feed := &fakeFeed{records: []models.ProviderPricing{{
		Provider: "openai", Model: "gpt-4o",
		InputPricePer1K: 0.004, OutputPricePer1K: 0.016,
	}}}
	u := NewUpdater(table, feed, []string{"openai"}, time.Hour, slog.Default())

	u.refresh(context.Background())

	p, ok := table.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	assert.InDelta(t, 0.004, p.InputPricePer1K, 1e-12)

	// Same prices again: nothing new is applied, the record keeps its id.
	u.refresh(context.Background())
	p2, _ := table.Lookup("openai", "gpt-4o")
	assert.Equal(t, p.ID, p2.ID)
}
