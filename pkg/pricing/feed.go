package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
)

// Feed supplies fresh price records for a provider. Optional; when no
// feed is configured the table serves seeded and operator-applied rows.
type Feed interface {
	FetchPricing(ctx context.Context, provider string) ([]models.ProviderPricing, error)
}

// Updater periodically refreshes the price table from a feed. It is a
// supervised background task owned by the composition root.
type Updater struct {
	table     *Table
	feed      Feed
	providers []string
	interval  time.Duration
	logger    *slog.Logger
}

// NewUpdater creates a pricing updater. A non-positive interval defaults
// to 6 hours.
func NewUpdater(table *Table, feed Feed, providers []string, interval time.Duration, logger *slog.Logger) *Updater {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Updater{
		table:     table,
		feed:      feed,
		providers: providers,
		interval:  interval,
		logger:    logger.With("component", "pricing_updater"),
	}
}

// Run refreshes once immediately, then on every tick until ctx ends.
func (u *Updater) Run(ctx context.Context) {
	u.refresh(ctx)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			u.logger.Info("Pricing updater stopped")
			return
		case <-ticker.C:
			u.refresh(ctx)
		}
	}
}

// HTTPFeed fetches price quotes from a JSON endpoint. Feeds commonly
// quote per one million tokens; quotes are normalized to per-1K here so
// the table only ever sees one unit.
type HTTPFeed struct {
	baseURL string
	client  *http.Client
}

// feedQuote is one model's quote as served by the feed.
type feedQuote struct {
	Model            string  `json:"model"`
	InputPricePer1M  float64 `json:"input_price_per_1m"`
	OutputPricePer1M float64 `json:"output_price_per_1m"`
	PricePerRequest  float64 `json:"price_per_request"`
}

// NewHTTPFeed creates a feed over baseURL; quotes are fetched from
// baseURL?provider=<name>.
func NewHTTPFeed(baseURL string) *HTTPFeed {
	return &HTTPFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *HTTPFeed) FetchPricing(ctx context.Context, provider string) ([]models.ProviderPricing, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	q.Set("provider", provider)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching pricing for %s: %w", provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing feed returned %d for %s", resp.StatusCode, provider)
	}

	var quotes []feedQuote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, fmt.Errorf("decoding pricing feed: %w", err)
	}

	records := make([]models.ProviderPricing, 0, len(quotes))
	for _, q := range quotes {
		if q.Model == "" {
			continue
		}
		records = append(records, models.ProviderPricing{
			Provider:         provider,
			Model:            q.Model,
			InputPricePer1K:  q.InputPricePer1M / 1000,
			OutputPricePer1K: q.OutputPricePer1M / 1000,
			PricePerRequest:  q.PricePerRequest,
		})
	}
	return records, nil
}

func (u *Updater) refresh(ctx context.Context) {
	for _, provider := range u.providers {
		records, err := u.feed.FetchPricing(ctx, provider)
		if err != nil {
			// A stale table keeps serving; skip this provider until
			// the next tick.
			u.logger.Warn("Pricing feed fetch failed", "provider", provider, "error", err)
			continue
		}
		applied := 0
		for _, r := range records {
			current, ok := u.table.Lookup(r.Provider, r.Model)
			if ok && current.InputPricePer1K == r.InputPricePer1K &&
				current.OutputPricePer1K == r.OutputPricePer1K &&
				current.PricePerRequest == r.PricePerRequest {
				continue
			}
			if err := u.table.Apply(ctx, r); err != nil {
				u.logger.Error("Failed to apply pricing record", "provider", r.Provider, "model", r.Model, "error", err)
				continue
			}
			applied++
		}
		if applied > 0 {
			u.logger.Info("Pricing refreshed", "provider", provider, "applied", applied)
		}
	}
}
