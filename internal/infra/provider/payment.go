// Package provider implements the outbound HTTP clients for the
// payment processor, the vending supplier, and the social-action
// verifiers. Every response status is normalized to the tri-state
// outcome the settlement core understands; transport errors surface
// as errors, never as failures.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
)

// maxResponseBody bounds how much of a provider response is read.
const maxResponseBody = 1 << 20

// PaymentConfig locates the payment processor's REST API.
type PaymentConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// PaymentClient talks to the payment processor over HTTPS.
type PaymentClient struct {
	cfg  PaymentConfig
	http *http.Client
}

// NewPaymentClient creates a client. The per-call context still
// bounds each request; Timeout is a transport-level backstop.
func NewPaymentClient(cfg PaymentConfig) *PaymentClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &PaymentClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// paymentResponse is the envelope the processor wraps every reply in.
type paymentResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// txData is the transaction object inside the envelope.
type txData struct {
	Status      string `json:"status"`
	Reference   string `json:"reference"`
	Amount      int64  `json:"amount"`
	AccountName string `json:"account_name"`
}

// InitializeTransaction opens a checkout session for an inbound
// deposit and returns the processor's raw payload (checkout URL,
// access code) for the caller to relay. The account ID travels as
// metadata; reference alone keys the transaction.
func (c *PaymentClient) InitializeTransaction(ctx context.Context, reference, accountID string, amount int64) (domain.ProviderResult, error) {
	body := map[string]any{
		"reference": reference,
		"amount":    amount,
		"metadata":  map[string]string{"account_id": accountID},
	}
	raw, err := c.call(ctx, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return domain.ProviderResult{}, err
	}
	return domain.ProviderResult{Outcome: domain.OutcomePending, Raw: raw}, nil
}

// VerifyTransaction asks the processor for the authoritative state of
// a transaction.
func (c *PaymentClient) VerifyTransaction(ctx context.Context, reference string) (domain.ProviderResult, error) {
	raw, err := c.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return domain.ProviderResult{}, err
	}
	var tx txData
	if err := json.Unmarshal(raw, &tx); err != nil {
		return domain.ProviderResult{}, fmt.Errorf("provider: decode verify response: %w", err)
	}
	return domain.ProviderResult{Outcome: normalizeOutcome(tx.Status), Amount: tx.Amount, Raw: raw}, nil
}

// InitiateTransfer sends funds to an external bank account.
func (c *PaymentClient) InitiateTransfer(ctx context.Context, req domain.TransferRequest) (domain.ProviderResult, error) {
	body := map[string]any{
		"reference":      req.Reference,
		"amount":         req.Amount,
		"account_number": req.Destination.AccountNumber,
		"bank_code":      req.Destination.BankCode,
		"reason":         req.Narration,
	}
	raw, err := c.call(ctx, http.MethodPost, "/transfer", body)
	if err != nil {
		return domain.ProviderResult{}, err
	}
	var tx txData
	if err := json.Unmarshal(raw, &tx); err != nil {
		return domain.ProviderResult{}, fmt.Errorf("provider: decode transfer response: %w", err)
	}
	return domain.ProviderResult{Outcome: normalizeOutcome(tx.Status), Raw: raw}, nil
}

// VerifyAccount resolves an account number to its registered holder
// name. An empty name means the account does not exist.
func (c *PaymentClient) VerifyAccount(ctx context.Context, accountNumber, bankCode string) (string, error) {
	path := fmt.Sprintf("/bank/resolve?account_number=%s&bank_code=%s",
		url.QueryEscape(accountNumber), url.QueryEscape(bankCode))
	raw, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var tx txData
	if err := json.Unmarshal(raw, &tx); err != nil {
		return "", fmt.Errorf("provider: decode resolve response: %w", err)
	}
	return tx.AccountName, nil
}

// call performs one authenticated round trip and unwraps the envelope.
func (c *PaymentClient) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		observability.ProviderLatency.WithLabelValues("payment", method+" "+path).
			Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrExternalUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", domain.ErrExternalUnavailable, resp.StatusCode)
	}

	var env paymentResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("provider: decode envelope: %w", err)
	}
	if resp.StatusCode >= 400 || !env.Status {
		return nil, fmt.Errorf("provider: %s (status %d)", env.Message, resp.StatusCode)
	}
	return env.Data, nil
}

// normalizeOutcome maps the processor's status vocabulary onto the
// tri-state outcome. Unknown words are pending; the poller or a later
// webhook settles them.
func normalizeOutcome(status string) domain.Outcome {
	switch status {
	case "success", "successful", "completed":
		return domain.OutcomeSuccess
	case "failed", "reversed", "declined", "rejected":
		return domain.OutcomeFailure
	default:
		return domain.OutcomePending
	}
}
