package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
)

// VerifierConfig locates the social platform's verification API.
type VerifierConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// ActionVerifier checks one social action kind against the platform
// API. One instance per action; the shared client is cheap to copy.
type ActionVerifier struct {
	action domain.ActionType
	cfg    VerifierConfig
	http   *http.Client
}

// NewVerifierSet builds a verifier per supported action against one
// platform endpoint.
func NewVerifierSet(cfg VerifierConfig) domain.VerifierSet {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}
	set := domain.VerifierSet{}
	for _, action := range []domain.ActionType{
		domain.ActionFollow, domain.ActionLike, domain.ActionRepost, domain.ActionComment,
	} {
		set[action] = &ActionVerifier{action: action, cfg: cfg, http: client}
	}
	return set
}

// Verify asks the platform whether actorID performed the action on
// targetID. Transport errors bubble up; the caller treats them as
// not-verified.
func (v *ActionVerifier) Verify(ctx context.Context, actorID, targetID string) (bool, error) {
	start := time.Now()
	defer func() {
		observability.ProviderLatency.WithLabelValues("verifier", string(v.action)).
			Observe(time.Since(start).Seconds())
	}()

	q := url.Values{}
	q.Set("action", string(v.action))
	q.Set("actor_id", actorID)
	q.Set("target_id", targetID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		v.cfg.BaseURL+"/verify?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.Secret)

	resp, err := v.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("provider: verify %s: status %d", v.action, resp.StatusCode)
	}
	var out struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("provider: decode verify response: %w", err)
	}
	return out.Verified, nil
}
