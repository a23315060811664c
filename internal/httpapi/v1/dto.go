package v1

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/ledger"
	"github.com/centbook/centbook/internal/service/balance"
)

type ledgerResponse struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Currency  string            `json:"currency"`
	CreatedAt time.Time         `json:"created_at"`
	Accounts  []accountResponse `json:"accounts,omitempty"`
}

type accountResponse struct {
	ID        uuid.UUID `json:"id"`
	LedgerID  uuid.UUID `json:"ledger_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Category  string    `json:"category"`
	Polarity  string    `json:"polarity"`
	System    bool      `json:"system"`
	CreatedAt time.Time `json:"created_at"`
}

type transactionResponse struct {
	Code        string            `json:"code"`
	LedgerID    uuid.UUID         `json:"ledger_id"`
	Date        string            `json:"date"`
	AmountMinor int64             `json:"amount_minor"`
	Amount      string            `json:"amount,omitempty"`
	DebitID     uuid.UUID         `json:"debit_id"`
	CreditID    uuid.UUID         `json:"credit_id"`
	Memo        string            `json:"memo,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Retracted   bool              `json:"retracted"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type revisionResponse struct {
	Kind        string    `json:"kind"`
	Date        string    `json:"date"`
	AmountMinor int64     `json:"amount_minor"`
	DebitID     uuid.UUID `json:"debit_id"`
	CreditID    uuid.UUID `json:"credit_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

type balanceResponse struct {
	AccountID    uuid.UUID `json:"account_id"`
	BalanceMinor int64     `json:"balance_minor"`
}

type historyRowResponse struct {
	Transaction  transactionResponse `json:"transaction"`
	BalanceMinor int64               `json:"balance_minor"`
}

const dateOnly = "2006-01-02"

func toAccountResponse(a ledger.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		LedgerID:  a.LedgerID,
		Name:      a.Name,
		Slug:      a.Slug,
		Category:  string(a.Category),
		Polarity:  string(a.Polarity),
		System:    a.System,
		CreatedAt: a.CreatedAt,
	}
}

func toTransactionResponse(t ledger.Transaction, currency string) transactionResponse {
	amount := ""
	if a, err := t.Amount(currency); err == nil {
		amount = a.String()
	}
	return transactionResponse{
		Code:        t.Code,
		LedgerID:    t.LedgerID,
		Date:        t.Date.Format(dateOnly),
		AmountMinor: t.AmountMinor,
		Amount:      amount,
		DebitID:     t.DebitID,
		CreditID:    t.CreditID,
		Memo:        t.Memo,
		Metadata:    t.Metadata,
		Retracted:   t.Retracted,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func toRevisionResponse(r ledger.Revision) revisionResponse {
	return revisionResponse{
		Kind:        string(r.Kind),
		Date:        r.Date.Format(dateOnly),
		AmountMinor: r.AmountMinor,
		DebitID:     r.DebitID,
		CreditID:    r.CreditID,
		RecordedAt:  r.RecordedAt,
	}
}

func toHistoryResponse(rows []balance.HistoryRow, currency string) []historyRowResponse {
	out := make([]historyRowResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, historyRowResponse{
			Transaction:  toTransactionResponse(r.Transaction, currency),
			BalanceMinor: r.BalanceMinor,
		})
	}
	return out
}

// parseDate accepts a business date as YYYY-MM-DD or full RFC 3339.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateOnly, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD or RFC 3339", s)
}
