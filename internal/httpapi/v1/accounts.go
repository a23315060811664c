package v1

import (
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/ledger"
)

type createAccountRequest struct {
	OwnerID  uuid.UUID `json:"owner_id"`
	LedgerID uuid.UUID `json:"ledger_id"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
}

func (s *Server) postAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	a, err := s.registry.CreateAccount(r.Context(), req.OwnerID, req.LedgerID, req.Name, ledger.Category(req.Category))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusCreated, toAccountResponse(a))
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid account id")
		return
	}
	a, err := s.registry.Account(r.Context(), ownerID, accountID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, toAccountResponse(a))
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid account id")
		return
	}
	bal, err := s.query.CurrentBalance(r.Context(), ownerID, accountID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, BalanceMinor: bal})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid account id")
		return
	}
	limit := intQuery(r, "limit", 0)
	offset := intQuery(r, "offset", 0)
	rows, err := s.query.History(r.Context(), ownerID, accountID, limit, offset)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	currency := ""
	if len(rows) > 0 {
		currency = s.currencyFor(r.Context(), ownerID, rows[0].Transaction.LedgerID)
	}
	toJSON(w, http.StatusOK, toHistoryResponse(rows, currency))
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
