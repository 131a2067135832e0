package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/stipend-network/stipend/internal/app/settlement"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
)

// ─── Webhook Ingress ────────────────────────────────────────────────────────
// Inbound provider events are signed with HMAC-SHA256 over the raw
// body. Verification happens before any parsing or state mutation; an
// invalid signature is logged and discarded with no side effects.

const signatureHeader = "X-Provider-Signature"

// maxWebhookBody bounds how much payload is read for verification.
const maxWebhookBody = 1 << 20

type webhookPayload struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	AccountID string `json:"account_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unreadable body")
		return
	}

	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		log.Printf("api: webhook discarded, bad signature from %s", r.RemoteAddr)
		observability.WebhookEvents.WithLabelValues("rejected").Inc()
		// 401 without detail; the provider retries signed requests only.
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Reference == "" {
		observability.WebhookEvents.WithLabelValues("ignored").Inc()
		writeError(w, http.StatusBadRequest, "validation", "malformed payload")
		return
	}

	ev := settlement.ProviderEvent{
		Reference: payload.Reference,
		Outcome:   normalizeStatus(payload.Status),
		AccountID: payload.AccountID,
		Amount:    payload.Amount,
	}
	if err := s.settle.HandleProviderEvent(r.Context(), ev); err != nil {
		// The provider redelivers on non-2xx; every handler path is
		// replay-safe, so asking for a retry is always correct.
		log.Printf("api: webhook %s: %v", payload.Reference, err)
		observability.WebhookEvents.WithLabelValues("ignored").Inc()
		writeError(w, http.StatusInternalServerError, "internal", "retry later")
		return
	}

	observability.WebhookEvents.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// verifySignature checks the hex HMAC-SHA256 of the raw body in
// constant time.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if len(s.webhookSecret) == 0 || signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// normalizeStatus reduces the provider's status vocabulary to the
// tri-state the core understands. Anything unrecognized is pending:
// never guess success or failure from an unknown word.
func normalizeStatus(status string) domain.Outcome {
	switch strings.ToLower(status) {
	case "success", "successful", "completed", "delivered":
		return domain.OutcomeSuccess
	case "failed", "reversed", "declined", "rejected":
		return domain.OutcomeFailure
	default:
		return domain.OutcomePending
	}
}
