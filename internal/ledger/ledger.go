// Package ledger is the Transaction Ledger. Records are opened Pending when
// a settlement attempt begins and finalized exactly once; audit-only events
// (listing, delisting, bids, no-winner auction closes) are written already
// Completed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// FeeSchedule holds marketplace fees in basis points of the sale price.
type FeeSchedule struct {
	PlatformBps int64
	RoyaltyBps  int64
}

// Compute returns the fees owed on price, rounded to tinybar precision.
func (f FeeSchedule) Compute(price decimal.Decimal) domain.Fees {
	platform := price.Mul(decimal.NewFromInt(f.PlatformBps)).Div(bpsDenominator).Round(8)
	royalty := price.Mul(decimal.NewFromInt(f.RoyaltyBps)).Div(bpsDenominator).Round(8)
	return domain.Fees{
		PlatformFee: platform,
		RoyaltyFee:  royalty,
		TotalFees:   platform.Add(royalty),
	}
}

// Entry describes a record to write.
type Entry struct {
	Type      domain.TransactionType
	ListingID string
	AttemptID string
	Buyer     *domain.Actor
	Seller    *domain.Actor
	NFT       domain.NFT
	Price     domain.Money
	Ledger    *domain.LedgerTransaction
}

// Service writes TransactionRecords.
type Service struct {
	store  domain.TransactionStore
	fees   FeeSchedule
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a ledger Service.
func NewService(store domain.TransactionStore, fees FeeSchedule, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		fees:   fees,
		now:    time.Now,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Fees exposes the configured schedule.
func (s *Service) Fees() FeeSchedule {
	return s.fees
}

func (s *Service) build(e Entry, status domain.TransactionStatus) domain.TransactionRecord {
	r := domain.TransactionRecord{
		ID:          uuid.NewString(),
		ListingID:   e.ListingID,
		AttemptID:   e.AttemptID,
		Type:        e.Type,
		Status:      status,
		Buyer:       e.Buyer,
		Seller:      e.Seller,
		NFT:         e.NFT,
		Price:       e.Price,
		Ledger:      e.Ledger,
		InitiatedAt: s.now().UTC(),
	}
	if r.Price.Currency == "" {
		r.Price.Currency = domain.DefaultCurrency
	}
	switch e.Type {
	case domain.TxPurchase, domain.TxAuctionComplete:
		if e.Buyer != nil {
			r.Fees = s.fees.Compute(e.Price.Amount)
		}
	}
	return r
}

// Open writes a Pending record for a settlement attempt.
func (s *Service) Open(ctx context.Context, e Entry) (domain.TransactionRecord, error) {
	r := s.build(e, domain.TxPending)
	if err := s.store.Insert(ctx, r); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("ledger: open %s record: %w", e.Type, err)
	}
	return r, nil
}

// Record writes an audit record that is Completed from the start.
func (s *Service) Record(ctx context.Context, e Entry) (domain.TransactionRecord, error) {
	r := s.build(e, domain.TxCompleted)
	done := r.InitiatedAt
	r.CompletedAt = &done
	if err := s.store.Insert(ctx, r); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("ledger: record %s: %w", e.Type, err)
	}
	return r, nil
}

// Complete finalizes a Pending record as Completed.
func (s *Service) Complete(ctx context.Context, id string, lt domain.LedgerTransaction, receiptSignature string) (domain.TransactionRecord, error) {
	r, err := s.store.Finalize(ctx, id, domain.TerminalUpdate{
		Status:           domain.TxCompleted,
		At:               s.now().UTC(),
		Ledger:           &lt,
		ReceiptSignature: receiptSignature,
	})
	if err != nil {
		return r, fmt.Errorf("ledger: complete %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "transaction completed",
		slog.String("transaction_id", id),
		slog.String("ledger_ref", lt.TransactionID),
	)
	return r, nil
}

// Fail finalizes a Pending record as Failed with code and message.
// A record that is already terminal is returned unchanged together with
// domain.ErrTransactionFinal.
func (s *Service) Fail(ctx context.Context, id, code, message string) (domain.TransactionRecord, error) {
	r, err := s.store.Finalize(ctx, id, domain.TerminalUpdate{
		Status: domain.TxFailed,
		At:     s.now().UTC(),
		Error:  &domain.TxError{Code: code, Message: message},
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransactionFinal) {
			return r, err
		}
		return r, fmt.Errorf("ledger: fail %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "transaction failed",
		slog.String("transaction_id", id),
		slog.String("code", code),
	)
	return r, nil
}

// ClaimRef binds a ledger transaction id to the Pending record id before
// the sale commits, so that one ledger transaction settles at most one
// record. A ref held by another live record yields domain.ErrAlreadyExists.
func (s *Service) ClaimRef(ctx context.Context, id, ref string) error {
	if err := s.store.ClaimLedgerRef(ctx, id, ref); err != nil {
		return fmt.Errorf("ledger: claim %s for %s: %w", ref, id, err)
	}
	return nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (domain.TransactionRecord, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return r, nil
}

// List returns records matching f.
func (s *Service) List(ctx context.Context, f domain.TransactionFilter) ([]domain.TransactionRecord, error) {
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return out, nil
}

// FindByLedgerRef returns the record a ledger transaction id already
// settled, or domain.ErrNotFound.
func (s *Service) FindByLedgerRef(ctx context.Context, ref string) (domain.TransactionRecord, error) {
	r, err := s.store.FindByLedgerRef(ctx, ref)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("ledger: find by ref %s: %w", ref, err)
	}
	return r, nil
}
