// Package listing is the Listing Store: creation with the one-open-listing
// per asset rule, reads, and the bounded read-validate-write loop that every
// listing mutation goes through.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/validator"
)

// DefaultMaxAttempts bounds the read-validate-write loop before
// domain.ErrContention is surfaced.
const DefaultMaxAttempts = 5

// Decide inspects a fresh snapshot of a listing and returns the mutation to
// apply, or an error that ends the loop without a write.
type Decide func(cur domain.Listing) (domain.ListingMutation, error)

// Store wraps a domain.ListingRepository.
type Store struct {
	repo        domain.ListingRepository
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// NewStore creates a Store. maxAttempts <= 0 selects DefaultMaxAttempts.
func NewStore(repo domain.ListingRepository, maxAttempts int, logger *slog.Logger) *Store {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Store{
		repo:        repo,
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "listing_store")),
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Now returns the store's current time in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Create validates and inserts a new listing. Id, status, version and
// timestamps are assigned here; bid state on an auction starts empty.
func (s *Store) Create(ctx context.Context, l domain.Listing) (domain.Listing, error) {
	now := s.Now()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Status = domain.ListingActive
	l.Version = 0
	l.Sale = nil
	l.Reservation = nil
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.FixedPrice != nil && l.FixedPrice.Price.Currency == "" {
		l.FixedPrice.Price.Currency = domain.DefaultCurrency
	}
	if l.Auction != nil {
		if l.Auction.StartingPrice.Currency == "" {
			l.Auction.StartingPrice.Currency = domain.DefaultCurrency
		}
		if l.Auction.StartTime.IsZero() {
			l.Auction.StartTime = now
		}
		l.Auction.HighestBidder = nil
		l.Auction.SettlementFailures = 0
	}

	if err := validator.ValidateListing(l); err != nil {
		return domain.Listing{}, err
	}
	if l.Auction != nil {
		l.Auction.CurrentBid = l.Auction.StartingPrice.Amount
		l.Auction.Bids = []domain.Bid{}
	}

	if err := s.repo.Insert(ctx, l); err != nil {
		return domain.Listing{}, fmt.Errorf("listing: create: %w", err)
	}
	s.logger.InfoContext(ctx, "listing created",
		slog.String("listing_id", l.ID),
		slog.String("type", string(l.Type)),
		slog.String("token_id", l.NFT.TokenID),
		slog.Int64("serial", l.NFT.SerialNumber),
	)
	return l, nil
}

// Get returns the listing or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Listing, error) {
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing: get %s: %w", id, err)
	}
	return l, nil
}

// CompareAndSwap applies a single conditional write.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate domain.ListingMutation) (domain.Listing, error) {
	return s.repo.CompareAndSwap(ctx, id, expectedVersion, mutate)
}

// Update runs the read-validate-write cycle: read the listing, let decide
// validate it and pick a mutation, then compare-and-swap. A version
// conflict restarts the cycle from a fresh read, up to the attempt bound.
func (s *Store) Update(ctx context.Context, id string, decide Decide) (domain.Listing, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Listing{}, err
		}

		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return domain.Listing{}, fmt.Errorf("listing: update %s: %w", id, err)
		}
		mutate, err := decide(cur)
		if err != nil {
			return cur, err
		}

		next, err := s.repo.CompareAndSwap(ctx, id, cur.Version, mutate)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.Listing{}, err
		}
		s.logger.DebugContext(ctx, "listing version conflict",
			slog.String("listing_id", id),
			slog.Int("attempt", attempt),
		)
	}
	return domain.Listing{}, fmt.Errorf("listing: update %s after %d attempts: %w", id, s.maxAttempts, domain.ErrContention)
}

// Cancel withdraws an Active listing. Only the seller may cancel, and a
// listing reserved by an in-flight settlement cannot be cancelled.
func (s *Store) Cancel(ctx context.Context, id string, actor domain.Actor) (domain.Listing, error) {
	return s.Update(ctx, id, func(cur domain.Listing) (domain.ListingMutation, error) {
		if !actor.Same(cur.Seller) {
			return nil, domain.ErrNotOwner
		}
		if cur.Status != domain.ListingActive {
			return nil, fmt.Errorf("listing: cancel %s in status %s: %w", id, cur.Status, domain.ErrInvalidState)
		}
		now := s.Now()
		return func(l *domain.Listing) error {
			l.Status = domain.ListingCancelled
			l.UpdatedAt = now
			return nil
		}, nil
	})
}

// Expire closes a FixedPrice listing whose expiry has passed.
func (s *Store) Expire(ctx context.Context, id string) (domain.Listing, error) {
	return s.Update(ctx, id, func(cur domain.Listing) (domain.ListingMutation, error) {
		now := s.Now()
		if cur.Status != domain.ListingActive || cur.FixedPrice == nil ||
			cur.FixedPrice.ExpiresAt == nil || !now.After(*cur.FixedPrice.ExpiresAt) {
			return nil, fmt.Errorf("listing: expire %s: %w", id, domain.ErrInvalidState)
		}
		return func(l *domain.Listing) error {
			l.Status = domain.ListingExpired
			l.UpdatedAt = now
			return nil
		}, nil
	})
}

// List returns listings matching f.
func (s *Store) List(ctx context.Context, f domain.ListingFilter) ([]domain.Listing, error) {
	out, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	return out, nil
}

// ListActive returns open-for-trade listings, optionally of one type.
func (s *Store) ListActive(ctx context.Context, t domain.ListingType, limit, offset int) ([]domain.Listing, error) {
	return s.List(ctx, domain.ListingFilter{
		Status: []domain.ListingStatus{domain.ListingActive},
		Type:   t,
		Limit:  limit,
		Offset: offset,
	})
}

// ListBySeller returns every listing a seller has created.
func (s *Store) ListBySeller(ctx context.Context, sellerID string, limit, offset int) ([]domain.Listing, error) {
	return s.List(ctx, domain.ListingFilter{SellerID: sellerID, Limit: limit, Offset: offset})
}
