package fxrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Provider fetches a live conversion rate for one currency pair. Providers
// are treated as unreliable: they may fail or time out, and the resolver
// falls back to a secondary provider before giving up.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// HTTPProvider queries a JSON rate endpoint. The endpoint is a format string
// receiving base and quote currency codes and must respond with
// {"rate": "<decimal>"}.
type HTTPProvider struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a provider with a bounded request timeout.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string {
	return p.name
}

func (p *HTTPProvider) Fetch(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	url := fmt.Sprintf(p.endpoint, base, quote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build rate request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate from %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate provider %s returned status %d", p.name, resp.StatusCode)
	}

	var payload struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate response from %s: %w", p.name, err)
	}
	if payload.Rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("rate provider %s returned non-positive rate %s", p.name, payload.Rate)
	}
	return payload.Rate, nil
}

// ProviderFunc adapts a function to the Provider interface. Used by tests
// and by static fallback configurations.
type ProviderFunc struct {
	ProviderName string
	Func         func(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

func (p ProviderFunc) Name() string {
	return p.ProviderName
}

func (p ProviderFunc) Fetch(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	return p.Func(ctx, base, quote)
}
