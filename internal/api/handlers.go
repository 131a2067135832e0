package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stipend-network/stipend/internal/app/settlement"
	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Settlement Handlers ────────────────────────────────────────────────────

type createTaskRequest struct {
	Title          string `json:"title"`
	Action         string `json:"action"`
	TargetID       string `json:"target_id"`
	Reward         int64  `json:"reward"`
	MaxCompletions int    `json:"max_completions"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed body")
		return
	}
	task, err := s.settle.CreateTask(r.Context(), req.Title, domain.ActionType(req.Action),
		req.TargetID, req.Reward, req.MaxCompletions)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type completeTaskRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed body")
		return
	}
	c, err := s.settle.CompleteTask(r.Context(), req.AccountID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type withdrawalRequest struct {
	AccountID     string `json:"account_id"`
	Amount        int64  `json:"amount"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	Reference     string `json:"reference"`
	// PinConfirmed is asserted by the authenticating proxy after the
	// transaction PIN check; this service never handles the PIN.
	PinConfirmed bool `json:"pin_confirmed"`
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed body")
		return
	}
	wd, err := s.settle.RequestWithdrawal(r.Context(), settlement.WithdrawRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Destination: domain.Destination{
			AccountNumber: req.AccountNumber,
			BankCode:      req.BankCode,
		},
		Reference:    req.Reference,
		PinConfirmed: req.PinConfirmed,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if wd.Status == domain.WithdrawalProcessing {
		// The caller gets its answer now; the payout runs out of band.
		s.settle.StartTransfer(wd.ID)
	}
	writeJSON(w, http.StatusAccepted, wd)
}

func (s *Server) handleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.settle.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.settle.StartTransfer(wd.ID)
	writeJSON(w, http.StatusOK, wd)
}

type denyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDenyWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed body")
		return
	}
	wd, err := s.settle.Deny(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

type refundRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) handleOperatorRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "validation", "operator required")
		return
	}
	h, err := s.settle.OperatorRefund(r.Context(), chi.URLParam(r, "id"), req.Operator)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type vendRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Item      string `json:"item"`
	Reference string `json:"reference"`
}

func (s *Server) handleVend(w http.ResponseWriter, r *http.Request) {
	var req vendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed body")
		return
	}
	order, err := s.settle.Purchase(r.Context(), settlement.VendRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Item:      req.Item,
		Reference: req.Reference,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type depositRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func (s *Server) handleInitiateDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed body")
		return
	}
	reference, result, err := s.settle.InitiateDeposit(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Reference string          `json:"reference"`
		Provider  json.RawMessage `json:"provider"`
	}{Reference: reference, Provider: json.RawMessage(result.Raw)})
}

// ─── Reporting Handlers ─────────────────────────────────────────────────────

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	stmt, err := s.store.Statement(r.Context(), chi.URLParam(r, "id"), 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stmt)
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Reconciliation(r.Context(), time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
