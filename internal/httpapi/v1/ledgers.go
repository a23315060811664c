package v1

import (
	"net/http"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createLedgerRequest struct {
	OwnerID  uuid.UUID `json:"owner_id"`
	Name     string    `json:"name"`
	Currency string    `json:"currency"`
}

func (s *Server) postLedger(w http.ResponseWriter, r *http.Request) {
	var req createLedgerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	l, accounts, err := s.registry.CreateLedger(r.Context(), req.OwnerID, req.Name, req.Currency)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	resp := ledgerResponse{ID: l.ID, Name: l.Name, Currency: l.Currency, CreatedAt: l.CreatedAt}
	for _, a := range accounts {
		resp.Accounts = append(resp.Accounts, toAccountResponse(a))
	}
	toJSON(w, http.StatusCreated, resp)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	ledgerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid ledger id")
		return
	}
	accounts, err := s.registry.Accounts(r.Context(), ownerID, ledgerID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	toJSON(w, http.StatusOK, out)
}

type rebuildRequest struct {
	OwnerID uuid.UUID `json:"owner_id"`
}

func (s *Server) rebuildLedger(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	ledgerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid ledger id")
		return
	}
	if _, err := s.registry.Ledger(r.Context(), req.OwnerID, ledgerID); err != nil {
		writeServiceErr(w, err)
		return
	}
	if err := s.engine.RebuildAll(r.Context(), req.OwnerID, ledgerID); err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// ownerFromQuery reads the owner_id query parameter required on read routes.
func ownerFromQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("owner_id")
	if raw == "" {
		badRequest(w, "owner_id query parameter is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(w, "invalid owner_id")
		return uuid.Nil, false
	}
	return id, true
}
