package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider fetches today's PEN/USD rate from the configured endpoint.
// The endpoint answers {"buy":"3.70","sell":"3.75"}.
type HTTPProvider struct {
	url    string
	client *http.Client
}

// NewHTTPProvider constructs HTTPProvider.
func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// RateForToday calls the endpoint. Any transport or decode failure maps to
// ErrUnavailable so callers can apply their fallback policy.
func (p *HTTPProvider) RateForToday(ctx context.Context) (Rate, error) {
	if p.url == "" {
		return Rate{}, ErrUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Rate{}, fmt.Errorf("fx: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Rate{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var body struct {
		Buy  string `json:"buy"`
		Sell string `json:"sell"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Rate{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	buy, err := parseAmount(body.Buy)
	if err != nil {
		return Rate{}, err
	}
	sell, err := parseAmount(body.Sell)
	if err != nil {
		return Rate{}, err
	}
	return Rate{Buy: buy, Sell: sell}, nil
}
