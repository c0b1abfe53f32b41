package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/models"
	"github.com/punchamoorthee/tenantledger/internal/service"
)

// IdempotencyHeader is optional on POST /transactions and on reversals.
const IdempotencyHeader = "Idempotency-Key"

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.OpenAccountRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	initial, err := parseMoney("initial_balance", req.InitialBalance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	minimum, err := parseMoney("minimum_balance", req.MinimumBalance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	overdraft, err := parseMoney("overdraft_limit", req.OverdraftLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	acc, err := h.engine.OpenAccount(r.Context(), service.OpenAccountRequest{
		TenantID:       tenantFrom(r),
		ID:             req.ID,
		Type:           domain.AccountType(req.Type),
		InitialBalance: initial,
		MinimumBalance: minimum,
		OverdraftLimit: overdraft,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+acc.ID)
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.engine.Account(r.Context(), tenantFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := h.engine.AccountEntries(r.Context(), tenantFrom(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondWithJSON(w, http.StatusOK, models.EntriesResponse{AccountID: id, Entries: entries})
}

func (h *Handler) UpdateAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AccountStatusRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	acc, err := h.engine.ChangeAccountStatus(r.Context(), tenantFrom(r), mux.Vars(r)["id"], domain.AccountStatus(req.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TransactionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Amount == "" {
		writeError(w, r, &domain.ValidationError{Field: "amount", Message: "required"})
		return
	}
	amount, err := parseMoney("amount", req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.engine.Process(r.Context(), service.ProcessRequest{
		TenantID: tenantFrom(r),
		Type:     domain.TransactionType(req.Type),
		Params: service.Params{
			FromAccountID: req.FromAccountID,
			ToAccountID:   req.ToAccountID,
			Amount:        amount,
			Description:   req.Description,
		},
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondWithResult(w, res)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Transaction(r.Context(), tenantFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewTransactionResponse(res))
}

func (h *Handler) ReverseTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ReversalRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	res, err := h.engine.Reverse(r.Context(), service.ReverseRequest{
		TenantID:             tenantFrom(r),
		TransactionID:        mux.Vars(r)["id"],
		IdempotencyKey:       r.Header.Get(IdempotencyHeader),
		Description:          req.Description,
		BypassMinimumBalance: req.BypassMinimumBalance,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondWithResult(w, res)
}

// respondWithResult answers 201 for a fresh commit and 200 for a replay.
func respondWithResult(w http.ResponseWriter, res *domain.TransactionResult) {
	w.Header().Set("Location", "/api/v1/transactions/"+res.Transaction.ID)
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	respondWithJSON(w, code, models.NewTransactionResponse(res))
}

// decodeBody reads a JSON payload into dst. It writes the error response
// itself and reports whether the handler should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, models.ErrorResponse{Error: "Stream read error"})
		return false
	}
	if len(body) == 0 && optional {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondWithError(w, http.StatusBadRequest, models.ErrorResponse{
			Error: "Malformed JSON body",
			Code:  domain.CodeValidation,
		})
		return false
	}
	return true
}

// parseMoney reads an optional decimal string; empty means zero.
func parseMoney(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := domain.ParseMoney(s)
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		verr.Field = field
	}
	return d, err
}
