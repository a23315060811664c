package v1

import (
	"context"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/service/posting"
)

type recordTransactionRequest struct {
	OwnerID     uuid.UUID         `json:"owner_id"`
	LedgerID    uuid.UUID         `json:"ledger_id"`
	Date        string            `json:"date"`
	AmountMinor int64             `json:"amount_minor"`
	Debit       string            `json:"debit"`
	Credit      string            `json:"credit"`
	Memo        string            `json:"memo"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) postTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	txn, err := s.posting.Record(r.Context(), req.OwnerID, req.LedgerID, date, req.AmountMinor, req.Debit, req.Credit, req.Memo, req.Metadata)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusCreated, toTransactionResponse(txn, s.currencyFor(r.Context(), req.OwnerID, txn.LedgerID)))
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	txn, err := s.posting.Get(r.Context(), ownerID, chi.URLParam(r, "code"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, toTransactionResponse(txn, s.currencyFor(r.Context(), ownerID, txn.LedgerID)))
}

type amendTransactionRequest struct {
	OwnerID     uuid.UUID         `json:"owner_id"`
	Date        *string           `json:"date"`
	AmountMinor *int64            `json:"amount_minor"`
	Debit       *string           `json:"debit"`
	Credit      *string           `json:"credit"`
	Memo        *string           `json:"memo"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) patchTransaction(w http.ResponseWriter, r *http.Request) {
	var req amendTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	ch := posting.Changes{
		AmountMinor: req.AmountMinor,
		DebitRef:    req.Debit,
		CreditRef:   req.Credit,
		Memo:        req.Memo,
		Metadata:    req.Metadata,
	}
	if req.Date != nil {
		d, err := parseDate(*req.Date)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		ch.Date = &d
	}
	txn, err := s.posting.Amend(r.Context(), req.OwnerID, chi.URLParam(r, "code"), ch)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, toTransactionResponse(txn, s.currencyFor(r.Context(), req.OwnerID, txn.LedgerID)))
}

func (s *Server) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	txn, err := s.posting.Retract(r.Context(), ownerID, chi.URLParam(r, "code"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, toTransactionResponse(txn, s.currencyFor(r.Context(), ownerID, txn.LedgerID)))
}

func (s *Server) getRevisions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	revs, err := s.posting.Revisions(r.Context(), ownerID, chi.URLParam(r, "code"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	out := make([]revisionResponse, 0, len(revs))
	for _, rev := range revs {
		out = append(out, toRevisionResponse(rev))
	}
	toJSON(w, http.StatusOK, out)
}

// currencyFor looks up the ledger currency used to render formatted amounts.
// Rendering degrades to minor units only when the lookup fails.
func (s *Server) currencyFor(ctx context.Context, ownerID, ledgerID uuid.UUID) string {
	l, err := s.registry.Ledger(ctx, ownerID, ledgerID)
	if err != nil {
		return ""
	}
	return l.Currency
}
