// Package registry implements the account registry: ledger lifecycle, account
// creation with fixed behavioral polarity, and name/slug/id resolution.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
	"github.com/centbook/centbook/internal/slug"
)

// Repo defines the read operations the service needs.
type Repo interface {
	LedgerByID(ctx context.Context, ownerID, ledgerID uuid.UUID) (ledger.Ledger, error)
	AccountsByLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) ([]ledger.Account, error)
	AccountByID(ctx context.Context, ownerID, accountID uuid.UUID) (ledger.Account, error)
	AccountBySlug(ctx context.Context, ownerID, ledgerID uuid.UUID, slugOrName string) (ledger.Account, error)
}

// Writer defines the write operations the service needs.
type Writer interface {
	CreateLedger(ctx context.Context, l ledger.Ledger, accounts []ledger.Account) error
	CreateAccount(ctx context.Context, a ledger.Account) error
}

// Service exposes ledger and account registry operations.
type Service interface {
	CreateLedger(ctx context.Context, ownerID uuid.UUID, name, currency string) (ledger.Ledger, []ledger.Account, error)
	CreateAccount(ctx context.Context, ownerID, ledgerID uuid.UUID, name string, category ledger.Category) (ledger.Account, error)
	Resolve(ctx context.Context, ownerID, ledgerID uuid.UUID, ref string) (ledger.Account, error)
	Account(ctx context.Context, ownerID, accountID uuid.UUID) (ledger.Account, error)
	Accounts(ctx context.Context, ownerID, ledgerID uuid.UUID) ([]ledger.Account, error)
	Ledger(ctx context.Context, ownerID, ledgerID uuid.UUID) (ledger.Ledger, error)
}

type service struct {
	repo   Repo
	writer Writer
}

// New constructs the registry service.
func New(repo Repo, writer Writer) Service { return &service{repo: repo, writer: writer} }

// CreateLedger creates a ledger together with its three mandatory accounts
// (Income, Off-budget, Unassigned) in one atomic write.
func (s *service) CreateLedger(ctx context.Context, ownerID uuid.UUID, name, currency string) (ledger.Ledger, []ledger.Account, error) {
	if ownerID == uuid.Nil {
		return ledger.Ledger{}, nil, fmt.Errorf("%w: owner_id is required", errs.ErrInvalid)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ledger.Ledger{}, nil, fmt.Errorf("%w: name is required", errs.ErrInvalid)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if _, err := money.NewAmountFromMinorUnits(currency, 0); err != nil {
		return ledger.Ledger{}, nil, fmt.Errorf("%w: unknown currency %q", errs.ErrInvalid, currency)
	}

	now := time.Now().UTC()
	l := ledger.Ledger{ID: uuid.New(), OwnerID: ownerID, Name: name, Currency: currency, CreatedAt: now}
	accounts := make([]ledger.Account, 0, 3)
	for _, n := range ledger.SystemAccountNames() {
		accounts = append(accounts, ledger.Account{
			ID:        uuid.New(),
			LedgerID:  l.ID,
			OwnerID:   ownerID,
			Name:      n,
			Slug:      slug.FromName(n),
			Category:  ledger.CategoryEquity,
			Polarity:  ledger.PolarityLiabilityLike,
			System:    true,
			CreatedAt: now,
		})
	}
	if err := s.writer.CreateLedger(ctx, l, accounts); err != nil {
		return ledger.Ledger{}, nil, err
	}
	return l, accounts, nil
}

// CreateAccount adds an account to a ledger. Polarity is derived from the
// category once here and stored; it never changes afterwards.
func (s *service) CreateAccount(ctx context.Context, ownerID, ledgerID uuid.UUID, name string, category ledger.Category) (ledger.Account, error) {
	if ownerID == uuid.Nil || ledgerID == uuid.Nil {
		return ledger.Account{}, fmt.Errorf("%w: owner_id and ledger_id are required", errs.ErrInvalid)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ledger.Account{}, fmt.Errorf("%w: name is required", errs.ErrInvalid)
	}
	polarity, ok := ledger.PolarityFor(category)
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: invalid category %q", errs.ErrInvalid, category)
	}
	if _, err := s.repo.LedgerByID(ctx, ownerID, ledgerID); err != nil {
		return ledger.Account{}, err
	}

	accSlug := slug.FromName(name)
	if !slug.IsSlug(accSlug) {
		return ledger.Account{}, fmt.Errorf("%w: name produces no usable identifier", errs.ErrInvalid)
	}
	existing, err := s.repo.AccountsByLedger(ctx, ownerID, ledgerID)
	if err != nil {
		return ledger.Account{}, err
	}
	for _, a := range existing {
		if strings.EqualFold(a.Name, name) || a.Slug == accSlug {
			return ledger.Account{}, fmt.Errorf("%w: %q", errs.ErrDuplicateName, name)
		}
	}

	a := ledger.Account{
		ID:        uuid.New(),
		LedgerID:  ledgerID,
		OwnerID:   ownerID,
		Name:      name,
		Slug:      accSlug,
		Category:  category,
		Polarity:  polarity,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writer.CreateAccount(ctx, a); err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

// Resolve accepts an account UUID, slug, or exact name and returns the
// account if it belongs to the ledger and owner.
func (s *service) Resolve(ctx context.Context, ownerID, ledgerID uuid.UUID, ref string) (ledger.Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ledger.Account{}, fmt.Errorf("%w: account reference is required", errs.ErrInvalid)
	}
	if id, err := uuid.Parse(ref); err == nil {
		a, err := s.repo.AccountByID(ctx, ownerID, id)
		if err != nil {
			return ledger.Account{}, err
		}
		if a.LedgerID != ledgerID {
			return ledger.Account{}, errs.ErrNotFound
		}
		return a, nil
	}
	a, err := s.repo.AccountBySlug(ctx, ownerID, ledgerID, ref)
	if errors.Is(err, errs.ErrNotFound) {
		return ledger.Account{}, fmt.Errorf("%w: account %q", errs.ErrNotFound, ref)
	}
	return a, err
}

func (s *service) Account(ctx context.Context, ownerID, accountID uuid.UUID) (ledger.Account, error) {
	if ownerID == uuid.Nil || accountID == uuid.Nil {
		return ledger.Account{}, errs.ErrInvalid
	}
	return s.repo.AccountByID(ctx, ownerID, accountID)
}

func (s *service) Accounts(ctx context.Context, ownerID, ledgerID uuid.UUID) ([]ledger.Account, error) {
	if ownerID == uuid.Nil || ledgerID == uuid.Nil {
		return nil, errs.ErrInvalid
	}
	return s.repo.AccountsByLedger(ctx, ownerID, ledgerID)
}

func (s *service) Ledger(ctx context.Context, ownerID, ledgerID uuid.UUID) (ledger.Ledger, error) {
	if ownerID == uuid.Nil || ledgerID == uuid.Nil {
		return ledger.Ledger{}, errs.ErrInvalid
	}
	return s.repo.LedgerByID(ctx, ownerID, ledgerID)
}
