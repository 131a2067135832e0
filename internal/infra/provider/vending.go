package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
)

// VendingConfig locates the airtime/data supplier's API.
type VendingConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// VendingClient fulfils vending orders against the supplier.
type VendingClient struct {
	cfg  VendingConfig
	http *http.Client
}

// NewVendingClient creates a client.
func NewVendingClient(cfg VendingConfig) *VendingClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &VendingClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Vend submits one order. The supplier answers synchronously; a
// transport failure or 5xx means the outcome is unknown and must not
// be treated as a decline.
func (c *VendingClient) Vend(ctx context.Context, reference, item string, amount int64) (domain.ProviderResult, error) {
	start := time.Now()
	defer func() {
		observability.ProviderLatency.WithLabelValues("vending", "vend").
			Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(map[string]any{
		"request_id": reference,
		"item":       item,
		"amount":     amount,
	})
	if err != nil {
		return domain.ProviderResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/vend", bytes.NewReader(payload))
	if err != nil {
		return domain.ProviderResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ProviderResult{}, fmt.Errorf("%w: %v", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	var out struct {
		Status string `json:"status"`
	}
	if resp.StatusCode >= 500 {
		return domain.ProviderResult{}, fmt.Errorf("%w: status %d", domain.ErrExternalUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ProviderResult{}, fmt.Errorf("%w: decode response: %v", domain.ErrExternalUnavailable, err)
	}
	// A 4xx with a parseable body is an authoritative decline.
	if resp.StatusCode >= 400 {
		return domain.ProviderResult{Outcome: domain.OutcomeFailure}, nil
	}
	return domain.ProviderResult{Outcome: normalizeOutcome(out.Status)}, nil
}
