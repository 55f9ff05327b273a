package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/comicmarket/internal/crypto"
	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/ledger"
	"github.com/alanyoungcy/comicmarket/internal/listing"
	"github.com/alanyoungcy/comicmarket/internal/store/memory"
)

var (
	t0     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seller = domain.Actor{ID: "seller", AccountID: "0.0.100"}
	alice  = domain.Actor{ID: "alice", AccountID: "0.0.200"}
	bob    = domain.Actor{ID: "bob", AccountID: "0.0.300"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingBus struct {
	mu       sync.Mutex
	channels []string
	streamed int
}

func (b *recordingBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	b.channels = append(b.channels, channel)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error {
	b.mu.Lock()
	b.streamed++
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.channels {
		if c == channel {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu        sync.Mutex
	finalized []domain.TransactionRecord
	incidents []string
}

func (n *recordingNotifier) TransactionFinalized(_ context.Context, r domain.TransactionRecord) {
	n.mu.Lock()
	n.finalized = append(n.finalized, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) Incident(_ context.Context, summary string, _ map[string]any) {
	n.mu.Lock()
	n.incidents = append(n.incidents, summary)
	n.mu.Unlock()
}

type countingStats struct {
	mu          sync.Mutex
	invalidated int
}

func (s *countingStats) GetStats(context.Context, int) (domain.MarketStats, error) {
	return domain.MarketStats{}, domain.ErrNotFound
}

func (s *countingStats) SetStats(context.Context, int, domain.MarketStats, time.Duration) error {
	return nil
}

func (s *countingStats) Invalidate(context.Context) error {
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
	return nil
}

type fakeVerifier struct {
	result domain.VerifiedTransfer
	err    error
	before func()
}

func (f *fakeVerifier) VerifyLedgerTransaction(_ context.Context, ref string) (domain.VerifiedTransfer, error) {
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return domain.VerifiedTransfer{}, f.err
	}
	v := f.result
	v.TransactionID = ref
	return v, nil
}

type harness struct {
	coord    *Coordinator
	sweeper  *Sweeper
	repo     *memory.ListingStore
	txs      *memory.TransactionStore
	attempts *memory.AttemptStore
	clock    *testClock
	bus      *recordingBus
	notifier *recordingNotifier
	stats    *countingStats
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		repo:     memory.NewListingStore(),
		txs:      memory.NewTransactionStore(),
		attempts: memory.NewAttemptStore(),
		clock:    &testClock{now: t0},
		bus:      &recordingBus{},
		notifier: &recordingNotifier{},
		stats:    &countingStats{},
	}
	listings := listing.NewStore(h.repo, 0, logger).WithClock(h.clock.Now)
	ledgerSvc := ledger.NewService(h.txs, ledger.FeeSchedule{PlatformBps: 250, RoyaltyBps: 500}, logger).WithClock(h.clock.Now)
	h.coord = NewCoordinator(listings, ledgerSvc, h.attempts, memory.NewAuditStore(), h.bus, cfg, logger).
		WithNotifier(h.notifier).
		WithStatsCache(h.stats).
		WithClock(h.clock.Now)
	h.sweeper = NewSweeper(h.coord, nil, time.Second, 0, logger)
	return h
}

func (h *harness) fixedListing(t *testing.T, serial int64, price string) domain.Listing {
	t.Helper()
	l, err := h.coord.CreateListing(context.Background(), domain.Listing{
		NFT:        domain.NFT{TokenID: "0.0.5000", SerialNumber: serial},
		Type:       domain.ListingFixedPrice,
		Seller:     seller,
		FixedPrice: &domain.FixedPriceTerms{Price: domain.HBAR(price)},
	})
	require.NoError(t, err)
	return l
}

func (h *harness) auctionListing(t *testing.T, serial int64) domain.Listing {
	t.Helper()
	l, err := h.coord.CreateListing(context.Background(), domain.Listing{
		NFT:    domain.NFT{TokenID: "0.0.6000", SerialNumber: serial},
		Type:   domain.ListingAuction,
		Seller: seller,
		Auction: &domain.AuctionTerms{
			StartingPrice:       domain.HBAR("10"),
			MinimumBidIncrement: decimal.NewFromInt(1),
			StartTime:           t0,
			EndTime:             t0.Add(time.Hour),
		},
	})
	require.NoError(t, err)
	return l
}

func (h *harness) record(t *testing.T, id string) domain.TransactionRecord {
	t.Helper()
	r, err := h.txs.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) listing(t *testing.T, id string) domain.Listing {
	t.Helper()
	l, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return l
}

func TestConcurrentPurchaseHasSingleWinner(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	l := h.fixedListing(t, 1, "50")

	const buyers = 16
	var (
		mu      sync.Mutex
		winners []Result
		reasons []domain.RejectReason
	)
	var g errgroup.Group
	for i := 0; i < buyers; i++ {
		buyer := domain.Actor{ID: fmt.Sprintf("buyer-%d", i), AccountID: fmt.Sprintf("0.0.%d", 1000+i)}
		g.Go(func() error {
			res, err := h.coord.BeginPurchase(ctx, l.ID, buyer)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				reasons = append(reasons, domain.ReasonOf(err))
				return nil
			}
			winners = append(winners, res)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, winners, 1)
	require.Len(t, reasons, buyers-1)
	for _, r := range reasons {
		assert.Equal(t, domain.ReasonListingNotActive, r)
	}

	win := winners[0]
	assert.Equal(t, domain.ListingPending, win.Listing.Status)
	assert.Equal(t, domain.AttemptAwaitingProof, win.Attempt.State)
	assert.Equal(t, domain.TxPending, win.Transaction.Status)

	res, err := h.coord.SubmitProof(ctx, win.Attempt.ID, win.Attempt.Buyer, Proof{LedgerRef: "0.0.1000@1700000000.000000001"})
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, res.Listing.Status)
	require.NotNil(t, res.Listing.Sale)
	assert.Equal(t, win.Attempt.Buyer.ID, res.Listing.Sale.Buyer.ID)
	assert.True(t, res.Listing.Sale.SoldPrice.Amount.Equal(decimal.NewFromInt(50)))
	assert.Nil(t, res.Listing.Reservation)
	assert.Equal(t, domain.AttemptCommitted, res.Attempt.State)

	rec := h.record(t, win.Transaction.ID)
	assert.Equal(t, domain.TxCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	assert.Nil(t, rec.FailedAt)
	assert.True(t, rec.Fees.PlatformFee.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, rec.Fees.RoyaltyFee.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "https://hashscan.io/testnet/transaction/0.0.1000-1700000000-000000001", rec.Ledger.ExplorerURL)
}

func TestBidIncrements(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	l := h.auctionListing(t, 1)

	_, err := h.coord.PlaceBid(ctx, l.ID, alice, decimal.NewFromInt(10), "")
	require.NoError(t, err)

	_, err = h.coord.PlaceBid(ctx, l.ID, bob, decimal.RequireFromString("10.5"), "")
	assert.Equal(t, domain.ReasonBelowMinIncrement, domain.ReasonOf(err))

	got, err := h.coord.PlaceBid(ctx, l.ID, bob, decimal.NewFromInt(11), "0.0.300@1.1")
	require.NoError(t, err)
	assert.True(t, got.Auction.CurrentBid.Equal(decimal.NewFromInt(11)))
	require.Len(t, got.Auction.Bids, 2)
	assert.Equal(t, "bob", got.Auction.HighestBidder.ID)
	assert.Equal(t, "0.0.300@1.1", got.Auction.Bids[1].TransactionRef)

	bids, err := h.txs.List(ctx, domain.TransactionFilter{ListingID: l.ID, Type: domain.TxBid})
	require.NoError(t, err)
	assert.Len(t, bids, 2)

	_, err = h.coord.PlaceBid(ctx, l.ID, seller, decimal.NewFromInt(20), "")
	assert.Equal(t, domain.ReasonSelfBid, domain.ReasonOf(err))
}

func TestAuctionWithoutBidsExpires(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	l := h.auctionListing(t, 1)

	_, err := h.coord.CompleteAuction(ctx, l.ID)
	assert.Equal(t, domain.ReasonAuctionNotEnded, domain.ReasonOf(err))

	h.clock.Advance(2 * time.Hour)
	res, err := h.coord.CompleteAuction(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingExpired, res.Listing.Status)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, domain.TxAuctionComplete, res.Transaction.Type)
	assert.Nil(t, res.Transaction.Buyer)
	assert.Equal(t, domain.TxCompleted, res.Transaction.Status)

	again, err := h.coord.CompleteAuction(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingExpired, again.Listing.Status)
	assert.Nil(t, again.Transaction)
}

func TestSweepAbortsExpiredReservation(t *testing.T) {
	h := newHarness(t, Config{ReservationTTL: 10 * time.Minute})
	ctx := context.Background()
	l := h.fixedListing(t, 1, "50")

	res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
	require.NoError(t, err)

	report, err := h.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AttemptsAborted)

	h.clock.Advance(11 * time.Minute)
	report, err = h.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AttemptsAborted)

	got := h.listing(t, l.ID)
	assert.Equal(t, domain.ListingActive, got.Status)
	assert.Nil(t, got.Reservation)

	rec := h.record(t, res.Transaction.ID)
	assert.Equal(t, domain.TxFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, domain.CodeTimeout, rec.Error.Code)
	require.NotNil(t, rec.FailedAt)
	assert.Nil(t, rec.CompletedAt)

	a, err := h.attempts.Get(ctx, res.Attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptRolledBack, a.State)

	_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@1.1"})
	assert.ErrorIs(t, err, domain.ErrAttemptClosed)

	// The listing can be bought again.
	_, err = h.coord.BeginPurchase(ctx, l.ID, bob)
	require.NoError(t, err)
}

func TestSellerCannotCancelReservedListing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	l := h.fixedListing(t, 1, "50")

	_, err := h.coord.BeginPurchase(ctx, l.ID, alice)
	require.NoError(t, err)

	_, err = h.coord.CancelListing(ctx, l.ID, seller)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.ListingPending, h.listing(t, l.ID).Status)
}

func TestCancelListingRecordsDelisting(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	l := h.fixedListing(t, 1, "50")

	_, err := h.coord.CancelListing(ctx, l.ID, alice)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	got, err := h.coord.CancelListing(ctx, l.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingCancelled, got.Status)

	recs, err := h.txs.List(ctx, domain.TransactionFilter{ListingID: l.ID})
	require.NoError(t, err)
	types := map[domain.TransactionType]int{}
	for _, r := range recs {
		types[r.Type]++
		assert.Equal(t, domain.TxCompleted, r.Status)
	}
	assert.Equal(t, 1, types[domain.TxListing])
	assert.Equal(t, 1, types[domain.TxDelisting])
}

func TestSubmitProofIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	l := h.fixedListing(t, 1, "50")
	res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
	require.NoError(t, err)

	first, err := h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@5.5"})
	require.NoError(t, err)
	second, err := h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@5.5"})
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.Listing.Version, second.Listing.Version)
	assert.Equal(t, domain.ListingSold, second.Listing.Status)

	_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@6.6"})
	assert.ErrorIs(t, err, domain.ErrAttemptClosed)

	h.notifier.mu.Lock()
	assert.Len(t, h.notifier.finalized, 1)
	h.notifier.mu.Unlock()
	assert.Equal(t, 1, h.stats.invalidated)
	assert.Positive(t, h.bus.count(ChannelSettlement))
	assert.Positive(t, h.bus.count(ListingChannel(l.ID)))
}

func TestSubmitProofRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("empty reference has no side effects", func(t *testing.T) {
		h := newHarness(t, Config{})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "  "})
		assert.ErrorIs(t, err, domain.ErrProofInvalid)
		assert.Equal(t, domain.ListingPending, h.listing(t, l.ID).Status)
	})

	t.Run("other actor", func(t *testing.T) {
		h := newHarness(t, Config{})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, bob, Proof{LedgerRef: "0.0.300@1.1"})
		assert.ErrorIs(t, err, domain.ErrNotOwner)
	})

	t.Run("anonymous actor", func(t *testing.T) {
		h := newHarness(t, Config{})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, domain.Actor{}, Proof{LedgerRef: "0.0.200@1.1"})
		assert.ErrorIs(t, err, domain.ErrNotOwner)
		assert.Equal(t, domain.ListingPending, h.listing(t, l.ID).Status)
		assert.Equal(t, domain.TxPending, h.record(t, res.Transaction.ID).Status)
	})

	t.Run("late proof rolls back", func(t *testing.T) {
		h := newHarness(t, Config{ReservationTTL: time.Minute})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		h.clock.Advance(2 * time.Minute)
		_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@1.1"})
		assert.ErrorIs(t, err, domain.ErrProofExpired)
		assert.Equal(t, domain.ListingActive, h.listing(t, l.ID).Status)
		assert.Equal(t, domain.CodeProofExpired, h.record(t, res.Transaction.ID).Error.Code)
	})

	t.Run("reused ledger reference", func(t *testing.T) {
		h := newHarness(t, Config{})
		first := h.fixedListing(t, 1, "50")
		second := h.fixedListing(t, 2, "50")

		a1, err := h.coord.BeginPurchase(ctx, first.ID, alice)
		require.NoError(t, err)
		_, err = h.coord.SubmitProof(ctx, a1.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@7.7"})
		require.NoError(t, err)

		a2, err := h.coord.BeginPurchase(ctx, second.ID, bob)
		require.NoError(t, err)
		_, err = h.coord.SubmitProof(ctx, a2.Attempt.ID, bob, Proof{LedgerRef: "0.0.200@7.7"})
		assert.ErrorIs(t, err, domain.ErrProofInvalid)

		assert.Equal(t, domain.ListingActive, h.listing(t, second.ID).Status)
		assert.Equal(t, domain.CodeProofInvalid, h.record(t, a2.Transaction.ID).Error.Code)
	})
}

func TestConcurrentProofsWithSameRefSettleOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RequireVerification: true})

	// Both submissions pass verification before either commits.
	var ready sync.WaitGroup
	ready.Add(2)
	h.coord.WithVerifier(&fakeVerifier{
		result: domain.VerifiedTransfer{
			Result:       "SUCCESS",
			NetTransfers: map[string]decimal.Decimal{seller.AccountID: decimal.NewFromInt(100)},
			NFTTransfers: []domain.NFTTransfer{
				{TokenID: "0.0.5000", SerialNumber: 1, Sender: seller.AccountID, Receiver: alice.AccountID},
				{TokenID: "0.0.5000", SerialNumber: 2, Sender: seller.AccountID, Receiver: bob.AccountID},
			},
		},
		before: func() {
			ready.Done()
			ready.Wait()
		},
	})

	first := h.fixedListing(t, 1, "50")
	second := h.fixedListing(t, 2, "50")
	a1, err := h.coord.BeginPurchase(ctx, first.ID, alice)
	require.NoError(t, err)
	a2, err := h.coord.BeginPurchase(ctx, second.ID, bob)
	require.NoError(t, err)

	type submission struct {
		buyer   domain.Actor
		begin   Result
		listing string
		err     error
	}
	subs := []*submission{
		{buyer: alice, begin: a1, listing: first.ID},
		{buyer: bob, begin: a2, listing: second.ID},
	}

	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			_, sub.err = h.coord.SubmitProof(ctx, sub.begin.Attempt.ID, sub.buyer, Proof{LedgerRef: "0.0.200@1.1"})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var won, lost int
	for _, sub := range subs {
		rec := h.record(t, sub.begin.Transaction.ID)
		if sub.err == nil {
			won++
			assert.Equal(t, domain.ListingSold, h.listing(t, sub.listing).Status)
			assert.Equal(t, domain.TxCompleted, rec.Status)
			continue
		}
		lost++
		assert.ErrorIs(t, sub.err, domain.ErrProofInvalid)
		assert.Equal(t, domain.ListingActive, h.listing(t, sub.listing).Status)
		assert.Equal(t, domain.TxFailed, rec.Status)
		require.NotNil(t, rec.Error)
		assert.Equal(t, domain.CodeProofInvalid, rec.Error.Code)
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	open, err := h.txs.List(ctx, domain.TransactionFilter{Status: []domain.TransactionStatus{domain.TxPending}})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRefFromRolledBackAttemptCanSettleAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	l := h.fixedListing(t, 1, "50")

	res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
	require.NoError(t, err)
	// The ref was bound but the attempt was closed before it committed.
	require.NoError(t, h.coord.ledger.ClaimRef(ctx, res.Transaction.ID, "0.0.200@4.4"))
	_, err = h.coord.CancelAttempt(ctx, res.Attempt.ID, alice)
	require.NoError(t, err)

	again, err := h.coord.BeginPurchase(ctx, l.ID, alice)
	require.NoError(t, err)
	out, err := h.coord.SubmitProof(ctx, again.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@4.4"})
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, out.Listing.Status)
	assert.Equal(t, domain.TxCompleted, out.Transaction.Status)
}

func TestSubmitProofWithVerifier(t *testing.T) {
	ctx := context.Background()
	settled := domain.VerifiedTransfer{
		Result: "SUCCESS",
		NetTransfers: map[string]decimal.Decimal{
			seller.AccountID: decimal.NewFromInt(50),
			alice.AccountID:  decimal.NewFromInt(-50),
		},
		NFTTransfers: []domain.NFTTransfer{{
			TokenID: "0.0.5000", SerialNumber: 1, Sender: seller.AccountID, Receiver: alice.AccountID,
		}},
		Hash:               "0xabcd",
		ConsensusTimestamp: t0.Add(time.Minute),
	}

	t.Run("matching transfer commits", func(t *testing.T) {
		h := newHarness(t, Config{RequireVerification: true})
		h.coord.WithVerifier(&fakeVerifier{result: settled})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		out, err := h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@1.1"})
		require.NoError(t, err)
		assert.Equal(t, domain.ListingSold, out.Listing.Status)
		assert.Equal(t, "0xabcd", out.Transaction.Ledger.Hash)
		require.NotNil(t, out.Transaction.Ledger.ConsensusTimestamp)
	})

	t.Run("underpaid transfer rolls back", func(t *testing.T) {
		h := newHarness(t, Config{RequireVerification: true})
		short := settled
		short.NetTransfers = map[string]decimal.Decimal{seller.AccountID: decimal.NewFromInt(5)}
		h.coord.WithVerifier(&fakeVerifier{result: short})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@1.1"})
		assert.ErrorIs(t, err, domain.ErrProofInvalid)
		assert.Equal(t, domain.ListingActive, h.listing(t, l.ID).Status)
	})

	t.Run("transient lookup failure keeps reservation", func(t *testing.T) {
		h := newHarness(t, Config{RequireVerification: true})
		h.coord.WithVerifier(&fakeVerifier{err: errors.New("mirror node unavailable")})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@1.1"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrProofInvalid)

		a, err := h.attempts.Get(ctx, res.Attempt.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AttemptAwaitingProof, a.State)
		assert.Equal(t, domain.ListingPending, h.listing(t, l.ID).Status)
	})

	t.Run("verification required without verifier", func(t *testing.T) {
		h := newHarness(t, Config{RequireVerification: true})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@1.1"})
		require.Error(t, err)
		assert.Equal(t, domain.ListingPending, h.listing(t, l.ID).Status)
	})
}

func TestSubmitProofSignatureAndReceipt(t *testing.T) {
	ctx := context.Background()
	buyerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	operatorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := crypto.NewReceiptSigner(hex.EncodeToString(ethcrypto.FromECDSA(operatorKey)))
	require.NoError(t, err)

	buyer := alice
	buyer.WalletAddress = ethcrypto.PubkeyToAddress(buyerKey.PublicKey).Hex()

	h := newHarness(t, Config{RequireProofSignature: true})
	h.coord.WithReceiptSigner(signer)
	l := h.fixedListing(t, 1, "50")
	res, err := h.coord.BeginPurchase(ctx, l.ID, buyer)
	require.NoError(t, err)

	ref := "0.0.200@9.9"
	raw, err := ethcrypto.Sign(accounts.TextHash([]byte(crypto.ProofMessage(res.Attempt.ID, ref))), buyerKey)
	require.NoError(t, err)

	out, err := h.coord.SubmitProof(ctx, res.Attempt.ID, buyer, Proof{LedgerRef: ref, Signature: "0x" + hex.EncodeToString(raw)})
	require.NoError(t, err)
	require.NotEmpty(t, out.Transaction.ReceiptSignature)

	addr, err := crypto.RecoverReceiptSigner(crypto.Receipt{
		ListingID:     l.ID,
		AttemptID:     res.Attempt.ID,
		TransactionID: res.Transaction.ID,
		BuyerAccount:  buyer.AccountID,
		SellerAccount: seller.AccountID,
		TokenID:       l.NFT.TokenID,
		SerialNumber:  l.NFT.SerialNumber,
		Price:         res.Attempt.Price.String(),
		LedgerRef:     ref,
	}, out.Transaction.ReceiptSignature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)

	t.Run("missing signature rolls back", func(t *testing.T) {
		other := h.fixedListing(t, 2, "50")
		res, err := h.coord.BeginPurchase(ctx, other.ID, buyer)
		require.NoError(t, err)
		_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, buyer, Proof{LedgerRef: "0.0.200@10.1"})
		assert.ErrorIs(t, err, domain.ErrProofInvalid)
		assert.Equal(t, domain.ListingActive, h.listing(t, other.ID).Status)
	})
}

func TestCancelAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	l := h.fixedListing(t, 1, "50")
	res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
	require.NoError(t, err)

	_, err = h.coord.CancelAttempt(ctx, res.Attempt.ID, bob)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	out, err := h.coord.CancelAttempt(ctx, res.Attempt.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptRolledBack, out.Attempt.State)
	assert.Equal(t, domain.ListingActive, out.Listing.Status)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, domain.CodeBuyerCancelled, out.Transaction.Error.Code)

	_, err = h.coord.CancelAttempt(ctx, res.Attempt.ID, alice)
	assert.ErrorIs(t, err, domain.ErrAttemptClosed)

	res, err = h.coord.BeginPurchase(ctx, l.ID, bob)
	require.NoError(t, err)
	out, err = h.coord.CancelAttempt(ctx, res.Attempt.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeSellerCancelled, out.Transaction.Error.Code)
}

func TestAuctionWinnerSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	l := h.auctionListing(t, 1)

	h.clock.Advance(time.Minute)
	_, err := h.coord.PlaceBid(ctx, l.ID, alice, decimal.NewFromInt(10), "")
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.coord.PlaceBid(ctx, l.ID, bob, decimal.NewFromInt(12), "")
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	res, err := h.coord.CompleteAuction(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingPending, res.Listing.Status)
	assert.Equal(t, domain.AttemptAuctionSettlement, res.Attempt.Kind)
	assert.Equal(t, "bob", res.Attempt.Buyer.ID)
	assert.True(t, res.Attempt.Price.Amount.Equal(decimal.NewFromInt(12)))

	// Completing again reports the in-flight settlement.
	again, err := h.coord.CompleteAuction(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Attempt.ID, again.Attempt.ID)

	out, err := h.coord.SubmitProof(ctx, res.Attempt.ID, bob, Proof{LedgerRef: "0.0.300@2.2"})
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, out.Listing.Status)
	assert.Equal(t, domain.TxAuctionComplete, out.Transaction.Type)
	assert.Equal(t, domain.TxCompleted, out.Transaction.Status)
	assert.True(t, out.Transaction.Fees.TotalFees.Equal(decimal.RequireFromString("0.9")))
}

func TestFailedAuctionSettlementIsNotRetriedAutomatically(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	l := h.auctionListing(t, 1)

	_, err := h.coord.PlaceBid(ctx, l.ID, alice, decimal.NewFromInt(10), "")
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	got, err := h.coord.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ListingPending, got.Status)

	open, err := h.attempts.FindOpenByListing(ctx, l.ID)
	require.NoError(t, err)
	_, err = h.coord.Abort(ctx, open.ID, domain.CodeTimeout, "winner did not pay")
	require.NoError(t, err)

	got = h.listing(t, l.ID)
	assert.Equal(t, domain.ListingActive, got.Status)
	assert.Equal(t, 1, got.Auction.SettlementFailures)

	report, err := h.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AuctionsCompleted)

	got, err = h.coord.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, got.Status)

	res, err := h.coord.CompleteAuction(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Attempt.Buyer.ID)
}

func TestInvariantViolationRaisesIncident(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	l := h.fixedListing(t, 1, "50")
	res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
	require.NoError(t, err)

	// Something outside the coordinator drops the reservation mid-flight.
	h.coord.WithVerifier(&fakeVerifier{
		result: domain.VerifiedTransfer{
			Result:       "SUCCESS",
			NetTransfers: map[string]decimal.Decimal{seller.AccountID: decimal.NewFromInt(50)},
			NFTTransfers: []domain.NFTTransfer{{TokenID: "0.0.5000", SerialNumber: 1, Sender: seller.AccountID, Receiver: alice.AccountID}},
		},
		before: func() {
			cur, err := h.repo.Get(ctx, l.ID)
			require.NoError(t, err)
			_, err = h.repo.CompareAndSwap(ctx, l.ID, cur.Version, func(x *domain.Listing) error {
				x.Status = domain.ListingActive
				x.Reservation = nil
				return nil
			})
			require.NoError(t, err)
		},
	})

	_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: "0.0.200@3.3"})
	assert.ErrorIs(t, err, domain.ErrInvariant)

	rec := h.record(t, res.Transaction.ID)
	assert.Equal(t, domain.TxFailed, rec.Status)
	assert.Equal(t, domain.CodeInternal, rec.Error.Code)

	a, err := h.attempts.Get(ctx, res.Attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptRolledBack, a.State)

	h.notifier.mu.Lock()
	assert.Len(t, h.notifier.incidents, 1)
	h.notifier.mu.Unlock()
	assert.Equal(t, 1, h.bus.count(ChannelIncident))
}

func TestNoReservationOutlivesSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ReservationTTL: 5 * time.Minute})

	var ids []string
	for i := int64(1); i <= 12; i++ {
		l := h.fixedListing(t, i, "20")
		ids = append(ids, l.ID)
	}

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := h.coord.BeginPurchase(ctx, id, alice)
			if err != nil {
				return err
			}
			switch i % 3 {
			case 0:
				_, err = h.coord.SubmitProof(ctx, res.Attempt.ID, alice, Proof{LedgerRef: fmt.Sprintf("0.0.200@%d.0", i)})
			case 1:
				_, err = h.coord.CancelAttempt(ctx, res.Attempt.ID, alice)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	h.clock.Advance(6 * time.Minute)
	report, err := h.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.AttemptsAborted)

	pending, err := h.repo.List(ctx, domain.ListingFilter{Status: []domain.ListingStatus{domain.ListingPending}})
	require.NoError(t, err)
	assert.Empty(t, pending)

	open, err := h.txs.List(ctx, domain.TransactionFilter{Status: []domain.TransactionStatus{domain.TxPending}})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSweepReleasesOrphanAndExpiresListings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	orphan := h.fixedListing(t, 1, "20")
	cur := h.listing(t, orphan.ID)
	_, err := h.repo.CompareAndSwap(ctx, orphan.ID, cur.Version, func(l *domain.Listing) error {
		l.Status = domain.ListingPending
		l.Reservation = &domain.Reservation{AttemptID: "gone", Buyer: alice, Until: t0.Add(time.Minute)}
		return nil
	})
	require.NoError(t, err)

	exp := t0.Add(30 * time.Minute)
	stale, err := h.coord.CreateListing(ctx, domain.Listing{
		NFT:        domain.NFT{TokenID: "0.0.5000", SerialNumber: 2},
		Type:       domain.ListingFixedPrice,
		Seller:     seller,
		FixedPrice: &domain.FixedPriceTerms{Price: domain.HBAR("20"), ExpiresAt: &exp},
	})
	require.NoError(t, err)

	ended := h.auctionListing(t, 3)

	h.clock.Advance(2 * time.Hour)
	report, err := h.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{OrphansReleased: 1, AuctionsCompleted: 1, ListingsExpired: 1}, report)

	assert.Equal(t, domain.ListingActive, h.listing(t, orphan.ID).Status)
	assert.Equal(t, domain.ListingExpired, h.listing(t, stale.ID).Status)
	assert.Equal(t, domain.ListingExpired, h.listing(t, ended.ID).Status)
}

// stickFinalizing moves an attempt to Finalizing without finishing it.
func (h *harness) stickFinalizing(t *testing.T, attemptID, ref string) domain.SettlementAttempt {
	t.Helper()
	a, err := h.attempts.Transition(context.Background(), attemptID, domain.AttemptTransition{
		From:     []domain.AttemptState{domain.AttemptAwaitingProof},
		To:       domain.AttemptFinalizing,
		ProofRef: ref,
		At:       h.clock.Now(),
	})
	require.NoError(t, err)
	return a
}

func TestSweepRecoversStuckFinalizing(t *testing.T) {
	ctx := context.Background()

	t.Run("reserved listing rolls back", func(t *testing.T) {
		h := newHarness(t, Config{ReservationTTL: 10 * time.Minute})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)
		h.stickFinalizing(t, res.Attempt.ID, "0.0.200@1.1")

		h.clock.Advance(11 * time.Minute)
		report, err := h.sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.OrphansReleased)
		assert.Equal(t, domain.ListingPending, h.listing(t, l.ID).Status)
		assert.Equal(t, domain.TxPending, h.record(t, res.Transaction.ID).Status)

		h.clock.Advance(FinalizeGrace)
		report, err = h.sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.OrphansReleased)

		got := h.listing(t, l.ID)
		assert.Equal(t, domain.ListingActive, got.Status)
		assert.Nil(t, got.Reservation)

		rec := h.record(t, res.Transaction.ID)
		assert.Equal(t, domain.TxFailed, rec.Status)
		require.NotNil(t, rec.Error)
		assert.Equal(t, domain.CodeInternal, rec.Error.Code)

		a, err := h.attempts.Get(ctx, res.Attempt.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AttemptRolledBack, a.State)

		h.notifier.mu.Lock()
		assert.Len(t, h.notifier.incidents, 1)
		h.notifier.mu.Unlock()
	})

	t.Run("sold listing completes the record", func(t *testing.T) {
		h := newHarness(t, Config{ReservationTTL: 10 * time.Minute})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)
		h.stickFinalizing(t, res.Attempt.ID, "0.0.200@2.2")

		cur := h.listing(t, l.ID)
		_, err = h.repo.CompareAndSwap(ctx, l.ID, cur.Version, func(x *domain.Listing) error {
			x.Status = domain.ListingSold
			x.Reservation = nil
			x.Sale = &domain.SaleResult{
				Buyer:                    alice,
				SoldPrice:                res.Attempt.Price,
				SoldAt:                   t0,
				SettlementTransactionRef: "0.0.200@2.2",
			}
			return nil
		})
		require.NoError(t, err)

		h.clock.Advance(10*time.Minute + FinalizeGrace + time.Second)
		report, err := h.sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.RecordsSettled)

		rec := h.record(t, res.Transaction.ID)
		assert.Equal(t, domain.TxCompleted, rec.Status)
		require.NotNil(t, rec.Ledger)
		assert.Equal(t, "0.0.200@2.2", rec.Ledger.TransactionID)

		a, err := h.attempts.Get(ctx, res.Attempt.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AttemptCommitted, a.State)
		assert.Equal(t, domain.ListingSold, h.listing(t, l.ID).Status)
	})
}

func TestSweepFailsStrandedRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("missing attempt", func(t *testing.T) {
		h := newHarness(t, Config{})
		l := h.fixedListing(t, 1, "20")
		cur := h.listing(t, l.ID)
		_, err := h.repo.CompareAndSwap(ctx, l.ID, cur.Version, func(x *domain.Listing) error {
			x.Status = domain.ListingPending
			x.Reservation = &domain.Reservation{AttemptID: "gone", Buyer: alice, Until: t0.Add(time.Minute)}
			return nil
		})
		require.NoError(t, err)
		rec, err := h.coord.ledger.Open(ctx, ledger.Entry{
			Type:      domain.TxPurchase,
			ListingID: l.ID,
			AttemptID: "gone",
			Buyer:     &alice,
			Seller:    &seller,
			NFT:       l.NFT,
			Price:     domain.HBAR("20"),
		})
		require.NoError(t, err)

		h.clock.Advance(time.Hour)
		report, err := h.sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.OrphansReleased)
		assert.Equal(t, 1, report.RecordsSettled)

		assert.Equal(t, domain.ListingActive, h.listing(t, l.ID).Status)
		got := h.record(t, rec.ID)
		assert.Equal(t, domain.TxFailed, got.Status)
		assert.Equal(t, domain.CodeInternal, got.Error.Code)
	})

	t.Run("rolled back attempt", func(t *testing.T) {
		h := newHarness(t, Config{ReservationTTL: 10 * time.Minute})
		l := h.fixedListing(t, 1, "50")
		res, err := h.coord.BeginPurchase(ctx, l.ID, alice)
		require.NoError(t, err)

		// The attempt closed but its record and listing were never updated.
		_, err = h.attempts.Transition(ctx, res.Attempt.ID, domain.AttemptTransition{
			From:        []domain.AttemptState{domain.AttemptAwaitingProof},
			To:          domain.AttemptRolledBack,
			FailureCode: domain.CodeTimeout,
			At:          t0,
		})
		require.NoError(t, err)

		h.clock.Advance(time.Hour)
		report, err := h.sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.OrphansReleased)
		assert.Equal(t, 1, report.RecordsSettled)

		assert.Equal(t, domain.ListingActive, h.listing(t, l.ID).Status)
		rec := h.record(t, res.Transaction.ID)
		assert.Equal(t, domain.TxFailed, rec.Status)
		assert.Equal(t, domain.CodeTimeout, rec.Error.Code)

		report, err = h.sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.RecordsSettled)
	})
}
