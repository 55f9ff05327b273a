package listing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/store/memory"
)

var (
	t0     = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	seller = domain.Actor{ID: "seller", AccountID: "0.0.100"}
	buyer  = domain.Actor{ID: "buyer", AccountID: "0.0.200"}
)

func newTestStore(repo domain.ListingRepository) *Store {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(repo, 0, logger).WithClock(func() time.Time { return t0 })
}

func fixedPrice(serial int64) domain.Listing {
	return domain.Listing{
		NFT:        domain.NFT{TokenID: "0.0.4242", SerialNumber: serial},
		Type:       domain.ListingFixedPrice,
		Seller:     seller,
		FixedPrice: &domain.FixedPriceTerms{Price: domain.HBAR("50")},
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.NewListingStore())

	l, err := s.Create(ctx, fixedPrice(1))
	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, domain.ListingActive, l.Status)
	assert.Equal(t, int64(0), l.Version)
	assert.Equal(t, t0, l.CreatedAt)

	_, err = s.Create(ctx, fixedPrice(1))
	assert.ErrorIs(t, err, domain.ErrDuplicateListing)

	bad := fixedPrice(2)
	bad.Auction = &domain.AuctionTerms{}
	_, err = s.Create(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidListing)

	got, err := s.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateAuctionDefaults(t *testing.T) {
	s := newTestStore(memory.NewListingStore())
	l, err := s.Create(context.Background(), domain.Listing{
		NFT:    domain.NFT{TokenID: "0.0.4242", SerialNumber: 9},
		Type:   domain.ListingAuction,
		Seller: seller,
		Auction: &domain.AuctionTerms{
			StartingPrice: domain.HBAR("10"),
			EndTime:       t0.Add(time.Hour),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, t0, l.Auction.StartTime)
	assert.True(t, l.Auction.CurrentBid.Equal(l.Auction.StartingPrice.Amount))
	assert.Empty(t, l.Auction.Bids)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.NewListingStore())
	l, err := s.Create(ctx, fixedPrice(1))
	require.NoError(t, err)

	_, err = s.Cancel(ctx, l.ID, buyer)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	got, err := s.Cancel(ctx, l.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingCancelled, got.Status)
	assert.Equal(t, int64(1), got.Version)

	_, err = s.Cancel(ctx, l.ID, seller)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelReservedListingIsInvalidState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.NewListingStore())
	l, err := s.Create(ctx, fixedPrice(1))
	require.NoError(t, err)

	_, err = s.CompareAndSwap(ctx, l.ID, l.Version, func(l *domain.Listing) error {
		l.Status = domain.ListingPending
		l.Reservation = &domain.Reservation{AttemptID: "a1", Buyer: buyer, Until: t0.Add(time.Minute)}
		return nil
	})
	require.NoError(t, err)

	_, err = s.Cancel(ctx, l.ID, seller)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.NewListingStore())

	draft := fixedPrice(1)
	past := t0.Add(-time.Minute)
	draft.FixedPrice.ExpiresAt = &past
	l, err := s.Create(ctx, draft)
	require.NoError(t, err)

	got, err := s.Expire(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingExpired, got.Status)

	open, err := s.Create(ctx, fixedPrice(2))
	require.NoError(t, err)
	_, err = s.Expire(ctx, open.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

// conflictingRepo reports a version conflict on every write.
type conflictingRepo struct {
	domain.ListingRepository
	mu    sync.Mutex
	calls int
}

func (r *conflictingRepo) CompareAndSwap(context.Context, string, int64, domain.ListingMutation) (domain.Listing, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return domain.Listing{}, domain.ErrVersionConflict
}

func TestUpdateSurfacesContentionAfterBound(t *testing.T) {
	ctx := context.Background()
	repo := &conflictingRepo{ListingRepository: memory.NewListingStore()}
	s := newTestStore(repo)
	l, err := s.Create(ctx, fixedPrice(1))
	require.NoError(t, err)

	_, err = s.Update(ctx, l.ID, func(domain.Listing) (domain.ListingMutation, error) {
		return func(*domain.Listing) error { return nil }, nil
	})
	assert.ErrorIs(t, err, domain.ErrContention)
	assert.Equal(t, DefaultMaxAttempts, repo.calls)
}

func TestUpdateStopsOnDecideError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.NewListingStore())
	l, err := s.Create(ctx, fixedPrice(1))
	require.NoError(t, err)

	stop := errors.New("stop")
	_, err = s.Update(ctx, l.ID, func(domain.Listing) (domain.ListingMutation, error) {
		return nil, stop
	})
	assert.ErrorIs(t, err, stop)

	got, err := s.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
}

func TestConcurrentUpdatesAllLand(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memory.NewListingStore(), 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l, err := s.Create(ctx, fixedPrice(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, l.ID, func(domain.Listing) (domain.ListingMutation, error) {
				return func(*domain.Listing) error { return nil }, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Version)
}

func TestListActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.NewListingStore())
	a, err := s.Create(ctx, fixedPrice(1))
	require.NoError(t, err)
	_, err = s.Create(ctx, fixedPrice(2))
	require.NoError(t, err)
	_, err = s.Cancel(ctx, a.ID, seller)
	require.NoError(t, err)

	active, err := s.ListActive(ctx, domain.ListingFixedPrice, 10, 0)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	mine, err := s.ListBySeller(ctx, seller.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}
